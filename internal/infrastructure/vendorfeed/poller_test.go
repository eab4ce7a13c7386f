package vendor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"trackd/internal/application/port"
)

func tick(symbol string, price float64) port.Tick {
	return port.Tick{Vendor: "TEST", Symbol: symbol, Price: price, Ts: time.Now().UnixMilli()}
}

func collect(ch <-chan port.Tick, max int, timeout time.Duration) []port.Tick {
	var out []port.Tick
	deadline := time.After(timeout)
	for len(out) < max {
		select {
		case t, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, t)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPollerEmitsOnInterval(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, symbols []string) ([]port.Tick, error) {
		calls.Add(1)
		return []port.Tick{tick("GOLD", 2000)}, nil
	}

	p := NewPoller("TEST", fetch, 10*time.Millisecond, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Subscribe(ctx, []string{"GOLD"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := p.State(); got != port.FeedConnected {
		t.Errorf("state after subscribe = %v, want connected", got)
	}

	ticks := collect(ch, 3, time.Second)
	if len(ticks) < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", len(ticks))
	}
	if calls.Load() < 3 {
		t.Errorf("expected repeated fetches, got %d", calls.Load())
	}
}

func TestPollerSingleFlight(t *testing.T) {
	fetch := func(ctx context.Context, symbols []string) ([]port.Tick, error) {
		return []port.Tick{tick("GOLD", 2000)}, nil
	}
	p := NewPoller("TEST", fetch, 10*time.Millisecond, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := p.Subscribe(ctx, []string{"GOLD"}); err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	if _, err := p.Subscribe(ctx, []string{"GOLD"}); !errors.Is(err, port.ErrFeedBusy) {
		t.Fatalf("second Subscribe = %v, want ErrFeedBusy", err)
	}
}

func TestPollerQuotaStopsPolling(t *testing.T) {
	var calls atomic.Int32
	quotaStops := 0
	fetch := func(ctx context.Context, symbols []string) ([]port.Tick, error) {
		if calls.Add(1) == 1 {
			return []port.Tick{tick("GOLD", 2000)}, nil
		}
		return nil, fmt.Errorf("commoditypriceapi: %w", port.ErrLimitReached)
	}

	p := NewPoller("TEST", fetch, 10*time.Millisecond, Hooks{OnQuotaStop: func() { quotaStops++ }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Subscribe(ctx, []string{"GOLD"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Channel must close after the quota error; no retry loop.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				goto closed
			}
		case <-deadline:
			t.Fatal("channel did not close after quota error")
		}
	}
closed:
	if got := p.State(); got != port.FeedLimitReached {
		t.Errorf("state = %v, want limit_reached", got)
	}
	if !errors.Is(p.Err(), port.ErrLimitReached) {
		t.Errorf("Err() = %v, want ErrLimitReached", p.Err())
	}
	if quotaStops != 1 {
		t.Errorf("quota stop hook fired %d times, want 1", quotaStops)
	}
	fetches := calls.Load()

	// A hard quota must not be retried against.
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != fetches {
		t.Errorf("poller kept fetching after quota: %d -> %d", fetches, calls.Load())
	}

	// Manual re-subscribe is still permitted (and hits the quota again).
	if _, err := p.Subscribe(ctx, []string{"GOLD"}); !errors.Is(err, port.ErrLimitReached) {
		t.Errorf("re-subscribe = %v, want ErrLimitReached surfaced", err)
	}
}

func TestPollerTransientErrorRetriesThenRecovers(t *testing.T) {
	var calls atomic.Int32
	reconnects := 0
	fetch := func(ctx context.Context, symbols []string) ([]port.Tick, error) {
		n := calls.Add(1)
		if n == 2 || n == 3 {
			return nil, errors.New("http 503")
		}
		return []port.Tick{tick("GOLD", float64(2000 + n))}, nil
	}

	p := NewPoller("TEST", fetch, 10*time.Millisecond, Hooks{OnReconnect: func() { reconnects++ }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Subscribe(ctx, []string{"GOLD"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ticks := collect(ch, 2, 10*time.Second)
	if len(ticks) < 2 {
		t.Fatalf("expected recovery after transient errors, got %d ticks", len(ticks))
	}
	if reconnects == 0 {
		t.Errorf("expected reconnect attempts to be recorded")
	}
	if got := p.State(); got != port.FeedConnected {
		t.Errorf("state after recovery = %v, want connected", got)
	}
}

func TestPollerGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, symbols []string) ([]port.Tick, error) {
		if calls.Add(1) == 1 {
			return []port.Tick{tick("GOLD", 2000)}, nil
		}
		return nil, errors.New("connection refused")
	}

	p := NewPoller("TEST", fetch, 5*time.Millisecond, Hooks{})
	p.maxRetries = 2 // keep the backoff window short for the test

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Subscribe(ctx, []string{"GOLD"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	deadline := time.After(30 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				goto closed
			}
		case <-deadline:
			t.Fatal("channel did not close after retries were exhausted")
		}
	}
closed:
	if got := p.State(); got != port.FeedError {
		t.Errorf("state = %v, want error", got)
	}
	if p.Err() == nil {
		t.Errorf("expected the transient error to be surfaced")
	}
}

func TestPollerDisconnectStopsTicksAndIsIdempotent(t *testing.T) {
	fetch := func(ctx context.Context, symbols []string) ([]port.Tick, error) {
		return []port.Tick{tick("GOLD", 2000)}, nil
	}
	p := NewPoller("TEST", fetch, 5*time.Millisecond, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := p.Subscribe(ctx, []string{"GOLD"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	collect(ch, 1, time.Second)

	cancel()
	cancel() // second cancel must be harmless

	// Drain until close; afterwards no further ticks can fire.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				goto closed
			}
		case <-deadline:
			t.Fatal("channel did not close after cancel")
		}
	}
closed:
	time.Sleep(30 * time.Millisecond)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("tick received after disconnect")
		}
	default:
	}
	if got := p.State(); got != port.FeedDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}

	// A fresh session on the same poller is allowed.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if _, err := p.Subscribe(ctx2, []string{"GOLD"}); err != nil {
		t.Fatalf("re-subscribe after disconnect failed: %v", err)
	}
}
