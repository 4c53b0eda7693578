package trader

import (
	"fmt"
	"sync"
	"time"

	"PerpForge/exchange"
)

// fakeVenue is an in-memory venue for trader tests. It mimics the parts of
// the exchange contract the engine depends on: order-link-id lookup,
// positions, and trading stops.
type fakeVenue struct {
	mu sync.Mutex

	candles  map[string][]exchange.Candle // key symbol:interval
	book     *exchange.OrderbookSnapshot
	deriv    *exchange.DerivativesSnapshot
	wallet   exchange.WalletBalance
	positions []exchange.Position
	orders   map[string]*exchange.Order // by orderID
	byLink   map[string]*exchange.Order
	execs    []exchange.Execution
	closed   []exchange.Execution

	nextID        int
	createCalls   int
	tradingStops  []exchange.TradingStopRequest
	failNextCreate error
	dropNextCreateResponse bool // venue accepts but the response is "lost"
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		candles: make(map[string][]exchange.Candle),
		orders:  make(map[string]*exchange.Order),
		byLink:  make(map[string]*exchange.Order),
		wallet:  exchange.WalletBalance{WalletBalance: 10000, Available: 10000},
	}
}

func (f *fakeVenue) GetKlines(symbol, interval string, limit int) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles[symbol+":"+interval], nil
}

func (f *fakeVenue) GetOrderbook(symbol string, depth int) (*exchange.OrderbookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.book == nil {
		return nil, exchange.NewError(exchange.KindNetworkError, "no book")
	}
	return f.book, nil
}

func (f *fakeVenue) GetDerivatives(symbol string) (*exchange.DerivativesSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deriv == nil {
		return nil, exchange.NewError(exchange.KindNetworkError, "no ticker")
	}
	return f.deriv, nil
}

func (f *fakeVenue) GetWalletBalance() (*exchange.WalletBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.wallet
	return &w, nil
}

func (f *fakeVenue) GetPositions(symbol string) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeVenue) GetOpenOrders(symbol string) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.Order
	for _, o := range f.orders {
		if o.Status == exchange.StatusNew || o.Status == exchange.StatusPartiallyFilled {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeVenue) GetOrderByLinkID(symbol, orderLinkID string) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.byLink[orderLinkID]; ok {
		copied := *o
		return &copied, nil
	}
	return nil, exchange.NewError(exchange.KindOrderNotFound, orderLinkID)
}

func (f *fakeVenue) GetExecutions(symbol string, limit int) ([]exchange.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.Execution, len(f.execs))
	copy(out, f.execs)
	return out, nil
}

func (f *fakeVenue) GetClosedPnL(symbol string, startTime time.Time) ([]exchange.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.Execution, len(f.closed))
	copy(out, f.closed)
	return out, nil
}

func (f *fakeVenue) CreateOrder(req exchange.OrderRequest) exchange.OrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++

	if f.failNextCreate != nil {
		err := f.failNextCreate
		f.failNextCreate = nil
		return exchange.OrderResult{Success: false, Error: err}
	}

	f.nextID++
	ord := &exchange.Order{
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Qty:         req.Qty,
		Price:       req.Price,
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.OrderLinkID,
		OrderID:     fmt.Sprintf("ord-%d", f.nextID),
		Status:      exchange.StatusNew,
		CreatedAt:   time.Now(),
	}
	f.orders[ord.OrderID] = ord
	f.byLink[ord.OrderLinkID] = ord

	if f.dropNextCreateResponse {
		// order exists on the venue, but the caller sees a timeout
		f.dropNextCreateResponse = false
		return exchange.OrderResult{Success: false, Error: exchange.NewError(exchange.KindTimeout, "request timed out")}
	}
	return exchange.OrderResult{Success: true, OrderID: ord.OrderID}
}

func (f *fakeVenue) CancelOrder(symbol, orderID string) exchange.OrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = exchange.StatusCancelled
		return exchange.OrderResult{Success: true, OrderID: orderID}
	}
	return exchange.OrderResult{Success: false, Error: exchange.NewError(exchange.KindOrderNotFound, orderID)}
}

func (f *fakeVenue) CancelAll(symbol string) exchange.OrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.Status == exchange.StatusNew {
			o.Status = exchange.StatusCancelled
		}
	}
	return exchange.OrderResult{Success: true}
}

func (f *fakeVenue) SetTradingStop(req exchange.TradingStopRequest) exchange.OrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradingStops = append(f.tradingStops, req)
	return exchange.OrderResult{Success: true}
}

func (f *fakeVenue) venueOrderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}
