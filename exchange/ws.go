package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"PerpForge/logger"
)

const (
	publicStreamMainnet  = "wss://stream.bybit.com/v5/public/linear"
	publicStreamTestnet  = "wss://stream-testnet.bybit.com/v5/public/linear"
	privateStreamMainnet = "wss://stream.bybit.com/v5/private"
	privateStreamTestnet = "wss://stream-testnet.bybit.com/v5/private"

	wsPingInterval   = 20 * time.Second
	wsReconnectDelay = 2 * time.Second
	wsWriteTimeout   = 5 * time.Second
)

// StreamEvent is one private-stream payload, already routed by topic.
type StreamEvent struct {
	Topic      string
	Orders     []Order
	Executions []Execution
	Positions  []Position
}

// PrivateStream maintains the authenticated stream of order, execution and
// position updates. It reconnects after a fixed delay (wsReconnectDelay) and
// re-authenticates and resubscribes on every reconnect; consumers read
// Events().
type PrivateStream struct {
	url       string
	apiKey    string
	apiSecret string

	events chan StreamEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPrivateStream builds a stream for the environment.
func NewPrivateStream(apiKey, apiSecret string, testnet bool) *PrivateStream {
	url := privateStreamMainnet
	if testnet {
		url = privateStreamTestnet
	}
	return &PrivateStream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		events:    make(chan StreamEvent, 256),
		stopCh:    make(chan struct{}),
	}
}

// Events returns the consumer channel.
func (s *PrivateStream) Events() <-chan StreamEvent {
	return s.events
}

// Start launches the connection loop.
func (s *PrivateStream) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop signals shutdown and waits for the loop to exit.
func (s *PrivateStream) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *PrivateStream) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connectAndListen(); err != nil {
			logger.Warnf("private stream disconnected: %v, reconnecting in %v", err, wsReconnectDelay)
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (s *PrivateStream) connectAndListen() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	if err := writeJSON(conn, map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"order", "execution", "position"},
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	logger.Infof("private stream connected and subscribed")

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(wsPingInterval * 3))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(raw)
	}
}

// authenticate signs the stream handshake: HMAC-SHA256 of "GET/realtime"
// plus the expiry timestamp.
func (s *PrivateStream) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	sig := hex.EncodeToString(mac.Sum(nil))

	return writeJSON(conn, map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{s.apiKey, expires, sig},
	})
}

func (s *PrivateStream) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := writeJSON(conn, map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *PrivateStream) dispatch(raw []byte) {
	var msg struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic == "" {
		return
	}

	evt := StreamEvent{Topic: msg.Topic}
	switch msg.Topic {
	case "order":
		var rows []orderRow
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			return
		}
		for _, row := range rows {
			evt.Orders = append(evt.Orders, row.toOrder())
		}
	case "execution":
		var rows []struct {
			ExecID    string `json:"execId"`
			OrderID   string `json:"orderId"`
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			ExecPrice string `json:"execPrice"`
			ExecQty   string `json:"execQty"`
			ExecFee   string `json:"execFee"`
			IsMaker   bool   `json:"isMaker"`
			ExecTime  string `json:"execTime"`
		}
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			return
		}
		for _, row := range rows {
			evt.Executions = append(evt.Executions, Execution{
				ExecID:   row.ExecID,
				OrderID:  row.OrderID,
				Symbol:   row.Symbol,
				Side:     normalizeSide(row.Side),
				Price:    parseF(row.ExecPrice),
				Qty:      parseF(row.ExecQty),
				Fee:      parseF(row.ExecFee),
				IsMaker:  row.IsMaker,
				ExecTime: time.UnixMilli(int64(parseF(row.ExecTime))),
			})
		}
	case "position":
		var rows []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			EntryPrice    string `json:"entryPrice"`
			Leverage      string `json:"leverage"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		}
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			return
		}
		for _, row := range rows {
			size := parseF(row.Size)
			side := "flat"
			if size > 0 {
				if row.Side == "Buy" {
					side = "long"
				} else if row.Side == "Sell" {
					side = "short"
				}
			}
			evt.Positions = append(evt.Positions, Position{
				Symbol:        row.Symbol,
				Side:          side,
				Size:          size,
				EntryPrice:    parseF(row.EntryPrice),
				Leverage:      parseF(row.Leverage),
				MarkPrice:     parseF(row.MarkPrice),
				UnrealizedPnL: parseF(row.UnrealisedPnl),
				UpdatedAt:     time.Now(),
			})
		}
	default:
		return
	}

	select {
	case s.events <- evt:
	default:
		logger.Warnf("private stream event buffer full, dropping %s update", msg.Topic)
	}
}

func normalizeSide(s string) string {
	if s == "Sell" {
		return SideSell
	}
	return SideBuy
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
