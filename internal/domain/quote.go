package domain

import (
	"strings"
	"time"
)

// Source identifies which vendor produced a quote.
type Source string

const (
	SourceFMP            Source = "FMP"
	SourceCommodityPrice Source = "COMMODITYPRICE"
	SourceIBKR           Source = "IBKR"
	SourceFallback       Source = "FALLBACK"
)

// Quote is a normalized market price reading. Every vendor payload is
// converted to this shape at the adapter boundary; nothing downstream
// ever sees vendor JSON.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Ts            int64   `json:"ts"` // unix ms
	Source        Source  `json:"source"`
}

// Time returns the quote timestamp as time.Time.
func (q Quote) Time() time.Time {
	return time.UnixMilli(q.Ts)
}

// NormalizeSymbol canonicalizes a commodity symbol or name for map keys
// ("gold", " Gold " and "GOLD" are the same commodity).
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
