package service

import (
	"sync"

	"trackd/internal/application/port"
	"trackd/internal/domain"
)

// QuoteBook tracks the latest quote per commodity per vendor. Vendors
// update independently; reads merge by commodity with latest-write-wins
// on the quote timestamp.
type QuoteBook struct {
	mu    sync.RWMutex
	order []string
	syms  map[string]map[domain.Source]domain.Quote
}

// NewQuoteBook restricts the book to the given commodities; ticks for
// anything else are dropped.
func NewQuoteBook(symbols []string) *QuoteBook {
	order := make([]string, 0, len(symbols))
	syms := make(map[string]map[domain.Source]domain.Quote, len(symbols))
	for _, s := range symbols {
		u := domain.NormalizeSymbol(s)
		if u == "" {
			continue
		}
		if _, ok := syms[u]; ok {
			continue
		}
		order = append(order, u)
		syms[u] = make(map[domain.Source]domain.Quote)
	}
	return &QuoteBook{order: order, syms: syms}
}

func (b *QuoteBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Apply records a tick. Returns false when the tick is for an unknown
// commodity, carries no usable price, or is older than what the book
// already has from that vendor.
func (b *QuoteBook) Apply(t port.Tick) bool {
	q := t.Quote()
	if q.Symbol == "" || q.Price <= 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bySource, ok := b.syms[q.Symbol]
	if !ok {
		return false
	}
	if prev, ok := bySource[q.Source]; ok && prev.Ts > q.Ts {
		return false
	}
	bySource[q.Source] = q
	return true
}

// Latest returns the freshest quote for a commodity across vendors.
func (b *QuoteBook) Latest(symbol string) (domain.Quote, bool) {
	u := domain.NormalizeSymbol(symbol)

	b.mu.RLock()
	defer b.mu.RUnlock()

	bySource, ok := b.syms[u]
	if !ok || len(bySource) == 0 {
		return domain.Quote{}, false
	}

	var best domain.Quote
	found := false
	for _, q := range bySource {
		if !found || q.Ts > best.Ts {
			best = q
			found = true
		}
	}
	return best, found
}

// Lookup is the domain.PriceLookup view of the book.
func (b *QuoteBook) Lookup(symbol string) (float64, bool) {
	q, ok := b.Latest(symbol)
	if !ok {
		return 0, false
	}
	return q.Price, true
}

// Snapshot returns the merged latest quote for every commodity that has
// one, in the configured order.
func (b *QuoteBook) Snapshot() []domain.Quote {
	symbols := b.Symbols()
	out := make([]domain.Quote, 0, len(symbols))
	for _, s := range symbols {
		if q, ok := b.Latest(s); ok {
			out = append(out, q)
		}
	}
	return out
}
