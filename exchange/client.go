package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"encoding/json"

	"github.com/go-resty/resty/v2"

	"PerpForge/logger"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	defaultRecvWindow = "5000"
	requestTimeout    = 10 * time.Second
	maxAttempts       = 4
	backoffBase       = 500 * time.Millisecond
)

// Client is the REST exchange client. All private calls are signed per
// sign.go; retries are bounded, exponentially backed off, and confined to
// transient failures. Order creation is NOT retried here — idempotency is
// the order manager's job.
type Client struct {
	http   *resty.Client
	signer *signer
}

// NewClient builds a client for the given environment. testnet selects the
// venue's test cluster.
func NewClient(apiKey, apiSecret string, testnet bool) *Client {
	base := mainnetBaseURL
	if testnet {
		base = testnetBaseURL
	}
	http := resty.New().
		SetBaseURL(base).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   http,
		signer: newSigner(apiKey, apiSecret, defaultRecvWindow),
	}
}

// apiResponse is the venue's uniform envelope.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// kv is one POST body field. Bodies are serialized once, compact, in the
// exact order given, and that byte sequence is both signed and transmitted.
type kv struct {
	Key   string
	Value string
}

func encodeBody(fields []kv) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(f.Key)
		b.WriteString(`":"`)
		b.WriteString(f.Value)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func (c *Client) get(path string, params map[string]string, signed bool, out interface{}) error {
	query := BuildQuery(params)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffBase << (attempt - 1))
		}
		req := c.http.R()
		if signed {
			ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
			req.SetHeaders(c.signer.Headers(ts, c.signer.Sign(ts, query)))
		}
		url := path
		if query != "" {
			url = path + "?" + query
		}
		lastErr = c.execute(req, "GET", url, out)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		logger.Warnf("exchange GET %s failed (attempt %d/%d): %v", path, attempt+1, maxAttempts, lastErr)
	}
	return lastErr
}

// post sends a signed POST. retryTransient must be false for order creation;
// the caller handles idempotent retry via order_link_id instead.
func (c *Client) post(path string, fields []kv, retryTransient bool, out interface{}) error {
	body := encodeBody(fields)
	attempts := 1
	if retryTransient {
		attempts = maxAttempts
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffBase << (attempt - 1))
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req := c.http.R().
			SetHeaders(c.signer.Headers(ts, c.signer.Sign(ts, body))).
			SetBody(body)
		lastErr = c.execute(req, "POST", path, out)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		logger.Warnf("exchange POST %s failed (attempt %d/%d): %v", path, attempt+1, attempts, lastErr)
	}
	return lastErr
}

func (c *Client) execute(req *resty.Request, method, url string, out interface{}) error {
	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = req.Get(url)
	default:
		resp, err = req.Post(url)
	}
	if err != nil {
		if strings.Contains(err.Error(), "Client.Timeout") || strings.Contains(err.Error(), "context deadline") {
			return WrapError(KindTimeout, err)
		}
		return WrapError(KindNetworkError, err)
	}
	if resp.StatusCode() == 429 {
		return NewError(KindRateLimited, "http 429")
	}
	if resp.StatusCode() >= 500 {
		return NewError(KindServerError, fmt.Sprintf("http %d", resp.StatusCode()))
	}

	var env apiResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return WrapError(KindServerError, fmt.Errorf("decode response: %w", err))
	}
	if err := classifyRetCode(env.RetCode, env.RetMsg); err != nil {
		return err
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return WrapError(KindServerError, fmt.Errorf("decode result: %w", err))
		}
	}
	return nil
}

func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func fmtF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ---------------------------------------------------------------------------
// Market data (public)
// ---------------------------------------------------------------------------

// GetKlines fetches up to limit bars for the interval, oldest first. The
// newest bar may be unconfirmed; callers that need closed bars only must
// drop it (the feature pipeline does).
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Candle, error) {
	var result struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	}
	err := c.get("/v5/market/kline", map[string]string{
		"category": CategoryLinear,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, false, &result)
	if err != nil {
		return nil, err
	}

	dur := intervalDuration(interval)
	now := time.Now()
	candles := make([]Candle, 0, len(result.List))
	// venue returns newest first; reverse to ascending
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		openTime := time.UnixMilli(int64(parseF(row[0])))
		cd := Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  openTime,
			CloseTime: openTime.Add(dur),
			Open:      parseF(row[1]),
			High:      parseF(row[2]),
			Low:       parseF(row[3]),
			Close:     parseF(row[4]),
			Volume:    parseF(row[5]),
		}
		if len(row) > 6 {
			cd.Turnover = parseF(row[6])
		}
		cd.Confirmed = !cd.CloseTime.After(now)
		candles = append(candles, cd)
	}
	return candles, nil
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "D":
		return 24 * time.Hour
	case "W":
		return 7 * 24 * time.Hour
	default:
		mins, err := strconv.Atoi(interval)
		if err != nil || mins <= 0 {
			return time.Minute
		}
		return time.Duration(mins) * time.Minute
	}
}

// GetOrderbook fetches the top-of-book snapshot.
func (c *Client) GetOrderbook(symbol string, depth int) (*OrderbookSnapshot, error) {
	var result struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	err := c.get("/v5/market/orderbook", map[string]string{
		"category": CategoryLinear,
		"symbol":   symbol,
		"limit":    strconv.Itoa(depth),
	}, false, &result)
	if err != nil {
		return nil, err
	}

	ob := &OrderbookSnapshot{Symbol: symbol, Timestamp: time.UnixMilli(result.Ts)}
	for _, lvl := range result.Bids {
		if len(lvl) >= 2 {
			ob.Bids = append(ob.Bids, BookLevel{Price: parseF(lvl[0]), Size: parseF(lvl[1])})
		}
	}
	for _, lvl := range result.Asks {
		if len(lvl) >= 2 {
			ob.Asks = append(ob.Asks, BookLevel{Price: parseF(lvl[0]), Size: parseF(lvl[1])})
		}
	}
	return ob, nil
}

// GetDerivatives fetches the ticker-derived derivatives snapshot.
func (c *Client) GetDerivatives(symbol string) (*DerivativesSnapshot, error) {
	var result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			MarkPrice    string `json:"markPrice"`
			IndexPrice   string `json:"indexPrice"`
			FundingRate  string `json:"fundingRate"`
			OpenInterest string `json:"openInterest"`
		} `json:"list"`
	}
	err := c.get("/v5/market/tickers", map[string]string{
		"category": CategoryLinear,
		"symbol":   symbol,
	}, false, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, NewError(KindMissingInstrument, "ticker not found: "+symbol)
	}
	t := result.List[0]
	return &DerivativesSnapshot{
		Symbol:       t.Symbol,
		LastPrice:    parseF(t.LastPrice),
		MarkPrice:    parseF(t.MarkPrice),
		IndexPrice:   parseF(t.IndexPrice),
		FundingRate:  parseF(t.FundingRate),
		OpenInterest: parseF(t.OpenInterest),
		Timestamp:    time.Now(),
	}, nil
}

// GetInstruments fetches trading rules for all linear contracts (or one
// symbol when non-empty).
func (c *Client) GetInstruments(symbol string) ([]Instrument, error) {
	params := map[string]string{"category": CategoryLinear, "limit": "1000"}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var result struct {
		List []struct {
			Symbol          string `json:"symbol"`
			PriceFilter     struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep             string `json:"qtyStep"`
				MinOrderQty         string `json:"minOrderQty"`
				MaxOrderQty         string `json:"maxOrderQty"`
				MinNotionalValue    string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := c.get("/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, err
	}

	instruments := make([]Instrument, 0, len(result.List))
	for _, row := range result.List {
		instruments = append(instruments, Instrument{
			Symbol:      row.Symbol,
			TickSize:    parseF(row.PriceFilter.TickSize),
			QtyStep:     parseF(row.LotSizeFilter.QtyStep),
			MinOrderQty: parseF(row.LotSizeFilter.MinOrderQty),
			MaxOrderQty: parseF(row.LotSizeFilter.MaxOrderQty),
			MinNotional: parseF(row.LotSizeFilter.MinNotionalValue),
		})
	}
	return instruments, nil
}

// ---------------------------------------------------------------------------
// Account (private)
// ---------------------------------------------------------------------------

// GetWalletBalance fetches the unified-account USDT balance.
func (c *Client) GetWalletBalance() (*WalletBalance, error) {
	var result struct {
		List []struct {
			TotalWalletBalance string `json:"totalWalletBalance"`
			TotalPerpUPL       string `json:"totalPerpUPL"`
			TotalAvailable     string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	err := c.get("/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
	}, true, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return &WalletBalance{}, nil
	}
	row := result.List[0]
	return &WalletBalance{
		WalletBalance: parseF(row.TotalWalletBalance),
		UnrealizedPnL: parseF(row.TotalPerpUPL),
		Available:     parseF(row.TotalAvailable),
	}, nil
}

// GetPositions fetches positions for one symbol, or all USDT-settled
// positions when symbol is empty.
func (c *Client) GetPositions(symbol string) ([]Position, error) {
	params := map[string]string{"category": CategoryLinear}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			Leverage      string `json:"leverage"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			UpdatedTime   string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := c.get("/v5/position/list", params, true, &result); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(result.List))
	for _, row := range result.List {
		size := parseF(row.Size)
		side := "flat"
		if size > 0 {
			switch row.Side {
			case "Buy":
				side = "long"
			case "Sell":
				side = "short"
			}
		}
		positions = append(positions, Position{
			Symbol:        row.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    parseF(row.AvgPrice),
			Leverage:      parseF(row.Leverage),
			MarkPrice:     parseF(row.MarkPrice),
			UnrealizedPnL: parseF(row.UnrealisedPnl),
			UpdatedAt:     time.UnixMilli(int64(parseF(row.UpdatedTime))),
		})
	}
	return positions, nil
}

// GetOpenOrders fetches the active orders for one symbol (or all USDT
// contracts when empty).
func (c *Client) GetOpenOrders(symbol string) ([]Order, error) {
	params := map[string]string{"category": CategoryLinear}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}
	var result struct {
		List []orderRow `json:"list"`
	}
	if err := c.get("/v5/order/realtime", params, true, &result); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(result.List))
	for _, row := range result.List {
		orders = append(orders, row.toOrder())
	}
	return orders, nil
}

// GetOrderByLinkID looks up an order (active or recently closed) by its
// client order-link id. Returns order_not_found when the venue has no row.
func (c *Client) GetOrderByLinkID(symbol, orderLinkID string) (*Order, error) {
	var result struct {
		List []orderRow `json:"list"`
	}
	err := c.get("/v5/order/realtime", map[string]string{
		"category":    CategoryLinear,
		"symbol":      symbol,
		"orderLinkId": orderLinkID,
	}, true, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, NewError(KindOrderNotFound, "orderLinkId not found: "+orderLinkID)
	}
	o := result.List[0].toOrder()
	return &o, nil
}

type orderRow struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce"`
	ReduceOnly  bool   `json:"reduceOnly"`
	OrderLinkID string `json:"orderLinkId"`
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (row orderRow) toOrder() Order {
	return Order{
		Symbol:      row.Symbol,
		Side:        strings.ToLower(row.Side),
		OrderType:   strings.ToLower(row.OrderType),
		Qty:         parseF(row.Qty),
		Price:       parseF(row.Price),
		TimeInForce: normalizeTIF(row.TimeInForce),
		ReduceOnly:  row.ReduceOnly,
		OrderLinkID: row.OrderLinkID,
		OrderID:     row.OrderID,
		Status:      normalizeStatus(row.OrderStatus),
		CreatedAt:   time.UnixMilli(int64(parseF(row.CreatedTime))),
		UpdatedAt:   time.UnixMilli(int64(parseF(row.UpdatedTime))),
	}
}

func normalizeStatus(s string) string {
	switch s {
	case "New", "Created", "Untriggered":
		return StatusNew
	case "PartiallyFilled":
		return StatusPartiallyFilled
	case "Filled":
		return StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return StatusCancelled
	case "Rejected":
		return StatusRejected
	case "Expired", "Deactivated":
		return StatusExpired
	default:
		return strings.ToLower(s)
	}
}

func normalizeTIF(s string) string {
	switch s {
	case "IOC":
		return TIFImmediate
	case "FOK":
		return TIFFillOrKill
	case "PostOnly":
		return TIFPostOnly
	default:
		return TIFGoodTillCancel
	}
}

// GetExecutions fetches the most recent fills for a symbol.
func (c *Client) GetExecutions(symbol string, limit int) ([]Execution, error) {
	var result struct {
		List []struct {
			ExecID   string `json:"execId"`
			OrderID  string `json:"orderId"`
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			ExecPrice string `json:"execPrice"`
			ExecQty  string `json:"execQty"`
			ExecFee  string `json:"execFee"`
			IsMaker  bool   `json:"isMaker"`
			ExecTime string `json:"execTime"`
		} `json:"list"`
	}
	err := c.get("/v5/execution/list", map[string]string{
		"category": CategoryLinear,
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}, true, &result)
	if err != nil {
		return nil, err
	}
	execs := make([]Execution, 0, len(result.List))
	for _, row := range result.List {
		execs = append(execs, Execution{
			ExecID:   row.ExecID,
			OrderID:  row.OrderID,
			Symbol:   row.Symbol,
			Side:     strings.ToLower(row.Side),
			Price:    parseF(row.ExecPrice),
			Qty:      parseF(row.ExecQty),
			Fee:      parseF(row.ExecFee),
			IsMaker:  row.IsMaker,
			ExecTime: time.UnixMilli(int64(parseF(row.ExecTime))),
		})
	}
	return execs, nil
}

// GetClosedPnL fetches realized PnL records since startTime; the risk
// monitor uses it for the daily realized PnL check.
func (c *Client) GetClosedPnL(symbol string, startTime time.Time) ([]Execution, error) {
	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			ClosedPnl   string `json:"closedPnl"`
			AvgExitPrice string `json:"avgExitPrice"`
			Qty         string `json:"qty"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	err := c.get("/v5/position/closed-pnl", map[string]string{
		"category":  CategoryLinear,
		"symbol":    symbol,
		"startTime": strconv.FormatInt(startTime.UnixMilli(), 10),
		"limit":     "100",
	}, true, &result)
	if err != nil {
		return nil, err
	}
	records := make([]Execution, 0, len(result.List))
	for _, row := range result.List {
		records = append(records, Execution{
			OrderID:   row.OrderID,
			Symbol:    row.Symbol,
			Side:      strings.ToLower(row.Side),
			Price:     parseF(row.AvgExitPrice),
			Qty:       parseF(row.Qty),
			ClosedPnL: parseF(row.ClosedPnl),
			ExecTime:  time.UnixMilli(int64(parseF(row.UpdatedTime))),
		})
	}
	return records, nil
}

// ---------------------------------------------------------------------------
// Trading (private)
// ---------------------------------------------------------------------------

// CreateOrder submits an order. Not retried at this layer; duplicate
// protection is the order manager's idempotent path.
func (c *Client) CreateOrder(req OrderRequest) OrderResult {
	side := "Buy"
	if req.Side == SideSell {
		side = "Sell"
	}
	orderType := "Market"
	if req.OrderType == OrderTypeLimit {
		orderType = "Limit"
	}

	fields := []kv{
		{"category", CategoryLinear},
		{"symbol", req.Symbol},
		{"side", side},
		{"orderType", orderType},
		{"qty", fmtF(req.Qty)},
	}
	if req.OrderType == OrderTypeLimit {
		fields = append(fields, kv{"price", fmtF(req.Price)})
	}
	if req.TimeInForce != "" {
		fields = append(fields, kv{"timeInForce", req.TimeInForce})
	}
	if req.ReduceOnly {
		fields = append(fields, kv{"reduceOnly", "true"})
	}
	if req.OrderLinkID != "" {
		fields = append(fields, kv{"orderLinkId", req.OrderLinkID})
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.post("/v5/order/create", fields, false, &result); err != nil {
		return OrderResult{Success: false, Error: err}
	}
	return OrderResult{
		Success: true,
		OrderID: result.OrderID,
		Raw:     map[string]interface{}{"orderId": result.OrderID, "orderLinkId": result.OrderLinkID},
	}
}

// CancelOrder cancels by venue order id.
func (c *Client) CancelOrder(symbol, orderID string) OrderResult {
	var result struct {
		OrderID string `json:"orderId"`
	}
	err := c.post("/v5/order/cancel", []kv{
		{"category", CategoryLinear},
		{"symbol", symbol},
		{"orderId", orderID},
	}, true, &result)
	if err != nil {
		return OrderResult{Success: false, Error: err}
	}
	return OrderResult{Success: true, OrderID: result.OrderID}
}

// CancelAll cancels every open order on the symbol.
func (c *Client) CancelAll(symbol string) OrderResult {
	err := c.post("/v5/order/cancel-all", []kv{
		{"category", CategoryLinear},
		{"symbol", symbol},
	}, true, nil)
	if err != nil {
		return OrderResult{Success: false, Error: err}
	}
	return OrderResult{Success: true}
}

// SetTradingStop attaches (or clears, with zero values) exchange-side SL/TP
// on the position. The operation is inherently reduce-only and replaces any
// previous levels in one call.
func (c *Client) SetTradingStop(req TradingStopRequest) OrderResult {
	fields := []kv{
		{"category", CategoryLinear},
		{"symbol", req.Symbol},
		{"positionIdx", strconv.Itoa(req.PositionIdx)},
		{"stopLoss", fmtF(req.StopLoss)},
		{"takeProfit", fmtF(req.TakeProfit)},
		{"tpslMode", "Full"},
		{"slTriggerBy", "LastPrice"},
		{"tpTriggerBy", "LastPrice"},
	}
	if err := c.post("/v5/position/trading-stop", fields, true, nil); err != nil {
		return OrderResult{Success: false, Error: err}
	}
	return OrderResult{Success: true}
}

// ClearTradingStop removes both levels from the position.
func (c *Client) ClearTradingStop(symbol string) OrderResult {
	return c.SetTradingStop(TradingStopRequest{Symbol: symbol})
}
