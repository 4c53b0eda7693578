package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Normalizer rounds prices to the instrument's tick and quantities to its
// step, and rejects orders that fail min-notional. All arithmetic runs on
// decimals so repeated rounding is exact (idempotent).
type Normalizer struct {
	registry *Registry
}

// NewNormalizer builds a normalizer over the registry.
func NewNormalizer(registry *Registry) *Normalizer {
	return &Normalizer{registry: registry}
}

// RoundPrice rounds raw to the nearest tick.
func (n *Normalizer) RoundPrice(symbol string, raw float64) (float64, error) {
	ins, err := n.registry.Get(symbol)
	if err != nil {
		return 0, err
	}
	if ins.TickSize <= 0 {
		return raw, nil
	}
	tick := decimal.NewFromFloat(ins.TickSize)
	price := decimal.NewFromFloat(raw)
	rounded := price.Div(tick).Round(0).Mul(tick)
	out, _ := rounded.Float64()
	return out, nil
}

// RoundQty floors raw to the quantity step (flooring never inflates the
// order past the intended size) and clamps to the instrument's max.
func (n *Normalizer) RoundQty(symbol string, raw float64) (float64, error) {
	ins, err := n.registry.Get(symbol)
	if err != nil {
		return 0, err
	}
	if ins.QtyStep <= 0 {
		return raw, nil
	}
	step := decimal.NewFromFloat(ins.QtyStep)
	qty := decimal.NewFromFloat(raw)
	floored := qty.Div(step).Floor().Mul(step)
	out, _ := floored.Float64()
	if ins.MaxOrderQty > 0 && out > ins.MaxOrderQty {
		out = ins.MaxOrderQty
	}
	return out, nil
}

// Normalize applies both roundings to the request in place and validates
// size constraints. Failing requests never reach the venue.
func (n *Normalizer) Normalize(req *OrderRequest, refPrice float64) error {
	ins, err := n.registry.Get(req.Symbol)
	if err != nil {
		return err
	}

	qty, err := n.RoundQty(req.Symbol, req.Qty)
	if err != nil {
		return err
	}
	if qty < ins.MinOrderQty || qty <= 0 {
		return NewError(KindInvalidSize,
			fmt.Sprintf("qty %.8f below min %.8f for %s", qty, ins.MinOrderQty, req.Symbol))
	}
	req.Qty = qty

	price := refPrice
	if req.OrderType == OrderTypeLimit {
		p, err := n.RoundPrice(req.Symbol, req.Price)
		if err != nil {
			return err
		}
		if p <= 0 {
			return NewError(KindInvalidPrice, fmt.Sprintf("price %.8f for %s", p, req.Symbol))
		}
		req.Price = p
		price = p
	}

	if ins.MinNotional > 0 && price > 0 && qty*price < ins.MinNotional {
		return NewError(KindMinNotional,
			fmt.Sprintf("notional %.4f below min %.4f for %s", qty*price, ins.MinNotional, req.Symbol))
	}
	return nil
}
