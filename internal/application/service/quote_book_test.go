package service

import (
	"testing"

	"trackd/internal/application/port"
	"trackd/internal/domain"
)

func TestQuoteBookApplyAndLatest(t *testing.T) {
	b := NewQuoteBook([]string{"GOLD", "silver"})

	if !b.Apply(port.Tick{Vendor: string(domain.SourceFMP), Symbol: "GOLD", Price: 1900, Ts: 100}) {
		t.Fatal("expected apply to succeed")
	}
	if b.Apply(port.Tick{Vendor: string(domain.SourceFMP), Symbol: "COPPER", Price: 4, Ts: 100}) {
		t.Fatal("unknown commodity should be dropped")
	}
	if b.Apply(port.Tick{Vendor: string(domain.SourceFMP), Symbol: "GOLD", Price: 0, Ts: 200}) {
		t.Fatal("zero price should be dropped")
	}

	q, ok := b.Latest("gold")
	if !ok {
		t.Fatal("expected a quote for GOLD")
	}
	if q.Price != 1900 || q.Source != domain.SourceFMP {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestQuoteBookMergesByTimestamp(t *testing.T) {
	b := NewQuoteBook([]string{"GOLD"})

	b.Apply(port.Tick{Vendor: string(domain.SourceFMP), Symbol: "GOLD", Price: 1900, Ts: 100})
	b.Apply(port.Tick{Vendor: string(domain.SourceIBKR), Symbol: "GOLD", Price: 1910, Ts: 300})
	b.Apply(port.Tick{Vendor: string(domain.SourceCommodityPrice), Symbol: "GOLD", Price: 1905, Ts: 200})

	q, _ := b.Latest("GOLD")
	if q.Price != 1910 || q.Source != domain.SourceIBKR {
		t.Fatalf("expected freshest IBKR quote, got %+v", q)
	}

	// A stale update from the winning vendor must not roll it back.
	if b.Apply(port.Tick{Vendor: string(domain.SourceIBKR), Symbol: "GOLD", Price: 1800, Ts: 250}) {
		t.Fatal("stale tick should be dropped")
	}
	q, _ = b.Latest("GOLD")
	if q.Price != 1910 {
		t.Fatalf("stale tick overwrote book: %+v", q)
	}
}

func TestQuoteBookLookupAndSnapshot(t *testing.T) {
	b := NewQuoteBook([]string{"GOLD", "SILVER", "COPPER"})
	b.Apply(port.Tick{Vendor: string(domain.SourceFMP), Symbol: "SILVER", Price: 24.5, Ts: 1})
	b.Apply(port.Tick{Vendor: string(domain.SourceFMP), Symbol: "GOLD", Price: 1900, Ts: 1})

	if px, ok := b.Lookup("SILVER"); !ok || px != 24.5 {
		t.Fatalf("lookup = %v, %v", px, ok)
	}
	if _, ok := b.Lookup("COPPER"); ok {
		t.Fatal("expected miss for commodity without quotes")
	}

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 quotes in snapshot, got %d", len(snap))
	}
	if snap[0].Symbol != "GOLD" || snap[1].Symbol != "SILVER" {
		t.Fatalf("snapshot out of configured order: %+v", snap)
	}
}
