package exchange

import "time"

// Category is fixed: the bot trades USDT-margined linear contracts only.
const CategoryLinear = "linear"

// Instrument carries the venue's per-symbol trading rules. Immutable after
// load; refreshed rarely and explicitly.
type Instrument struct {
	Symbol      string
	TickSize    float64
	QtyStep     float64
	MinOrderQty float64
	MaxOrderQty float64
	MinNotional float64
}

// Candle is one OHLCV bar. Only closed bars are handed to strategies.
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Turnover  float64
	Confirmed bool
}

// Valid checks the OHLC ordering invariant.
func (c Candle) Valid() bool {
	body := c.Open
	if c.Close > body {
		body = c.Close
	}
	lower := c.Open
	if c.Close < lower {
		lower = c.Close
	}
	return c.High >= body && lower >= c.Low && c.Volume >= 0
}

// BookLevel is one price level of the orderbook.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot holds bids sorted descending and asks ascending.
type OrderbookSnapshot struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// BestBid returns the top bid, or zero when the book side is empty.
func (ob *OrderbookSnapshot) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the top ask, or zero when the book side is empty.
func (ob *OrderbookSnapshot) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// SpreadPct returns the bid/ask spread as a fraction of mid, or -1 when the
// book is unusable.
func (ob *OrderbookSnapshot) SpreadPct() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid <= 0 || ask <= 0 || bid >= ask {
		return -1
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid
}

// DepthImbalance returns (bidSize-askSize)/(bidSize+askSize) over the top
// n levels; 0 when the book is empty.
func (ob *OrderbookSnapshot) DepthImbalance(n int) float64 {
	var bidSz, askSz float64
	for i := 0; i < n && i < len(ob.Bids); i++ {
		bidSz += ob.Bids[i].Size
	}
	for i := 0; i < n && i < len(ob.Asks); i++ {
		askSz += ob.Asks[i].Size
	}
	if bidSz+askSz == 0 {
		return 0
	}
	return (bidSz - askSz) / (bidSz + askSz)
}

// DerivativesSnapshot is the ticker-derived state of the contract. Zero
// fields mean the venue did not supply the value; absence is not an error.
type DerivativesSnapshot struct {
	Symbol       string
	LastPrice    float64
	MarkPrice    float64
	IndexPrice   float64
	FundingRate  float64
	OpenInterest float64
	Timestamp    time.Time
}

// WalletBalance is the account-wide USDT state.
type WalletBalance struct {
	WalletBalance float64
	UnrealizedPnL float64
	Available     float64
}

// Equity is wallet balance plus unrealized PnL.
func (w WalletBalance) Equity() float64 {
	return w.WalletBalance + w.UnrealizedPnL
}

// Position is a venue-side position row.
type Position struct {
	Symbol        string
	Side          string // "long", "short", "flat"
	Size          float64
	EntryPrice    float64
	Leverage      float64
	MarkPrice     float64
	UnrealizedPnL float64
	UpdatedAt     time.Time
}

// Order sides, types, statuses and time-in-force values, normalized to the
// bot's vocabulary.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"

	TIFGoodTillCancel = "GTC"
	TIFImmediate      = "IOC"
	TIFFillOrKill     = "FOK"
	TIFPostOnly       = "PostOnly"

	StatusNew             = "new"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
)

// Order is the normalized order row shared with the store.
type Order struct {
	Symbol      string
	Side        string
	OrderType   string
	Qty         float64
	Price       float64
	TimeInForce string
	ReduceOnly  bool
	OrderLinkID string
	OrderID     string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderRequest is what the order manager submits.
type OrderRequest struct {
	Symbol      string
	Side        string
	OrderType   string
	Qty         float64
	Price       float64 // required for limit
	TimeInForce string
	ReduceOnly  bool
	OrderLinkID string
}

// OrderResult is the unified result of every order-lifecycle call. Callers
// branch on Success and Error kind only; Raw is kept for audit.
type OrderResult struct {
	Success bool
	OrderID string
	Error   error
	Raw     map[string]interface{}
}

// Ok reports the result's truthiness.
func (r OrderResult) Ok() bool { return r.Success }

// Execution is one fill.
type Execution struct {
	ExecID    string
	OrderID   string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	Fee       float64
	IsMaker   bool
	ExecTime  time.Time
	ClosedPnL float64
}

// TradingStopRequest sets or clears exchange-side SL/TP on a position.
// Zero values clear the corresponding level.
type TradingStopRequest struct {
	Symbol      string
	StopLoss    float64
	TakeProfit  float64
	PositionIdx int
}
