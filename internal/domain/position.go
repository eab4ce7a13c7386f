package domain

import "time"

// Position is a user's recorded holding of a commodity.
type Position struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Commodity  string    `json:"commodity"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	EntryDate  time.Time `json:"entry_date"`
	Notes      string    `json:"notes,omitempty"`
}

// PositionValue is a Position enriched with the latest price and the
// derived P&L figures. It is computed on demand, never stored.
type PositionValue struct {
	Position
	CurrentPrice     float64 `json:"current_price"`
	CurrentValue     float64 `json:"current_value"`
	TotalReturn      float64 `json:"total_return"`
	ReturnPercentage float64 `json:"return_percentage"`
	IsPositive       bool    `json:"is_positive"`
	PriceStale       bool    `json:"price_stale"`
}

// Summary aggregates a whole portfolio.
type Summary struct {
	TotalValue       float64 `json:"total_value"`
	TotalCost        float64 `json:"total_cost"`
	TotalReturn      float64 `json:"total_return"`
	ReturnPercentage float64 `json:"return_percentage"`
}

// PriceLookup resolves the latest price for a commodity. ok=false means
// no live price is known.
type PriceLookup func(commodity string) (price float64, ok bool)

// Valuate computes the current value and unrealized P&L for each
// position. A lookup miss never fails the whole portfolio: the position
// falls back to its entry price (zero return) and is marked stale.
func Valuate(positions []Position, lookup PriceLookup) []PositionValue {
	out := make([]PositionValue, 0, len(positions))
	for _, p := range positions {
		out = append(out, valuateOne(p, lookup))
	}
	return out
}

func valuateOne(p Position, lookup PriceLookup) PositionValue {
	current := p.EntryPrice
	stale := true
	if lookup != nil {
		if px, ok := lookup(p.Commodity); ok && px > 0 {
			current = px
			stale = false
		}
	}

	value := p.Quantity * current
	cost := p.Quantity * p.EntryPrice
	ret := value - cost

	// entry_price == 0 would make the percentage blow up to Inf/NaN.
	pct := 0.0
	if p.EntryPrice != 0 {
		pct = (current - p.EntryPrice) / p.EntryPrice * 100
	}

	return PositionValue{
		Position:         p,
		CurrentPrice:     current,
		CurrentValue:     value,
		TotalReturn:      ret,
		ReturnPercentage: pct,
		IsPositive:       ret >= 0,
		PriceStale:       stale,
	}
}

// Summarize aggregates valued positions into portfolio totals.
func Summarize(values []PositionValue) Summary {
	var s Summary
	for _, v := range values {
		s.TotalValue += v.CurrentValue
		s.TotalCost += v.Quantity * v.EntryPrice
	}
	s.TotalReturn = s.TotalValue - s.TotalCost
	if s.TotalCost != 0 {
		s.ReturnPercentage = s.TotalReturn / s.TotalCost * 100
	}
	return s
}
