package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trackd/internal/application/port"
	"trackd/internal/application/service"
	"trackd/internal/domain"
)

// fakeFeed is a hand-driven port.PriceFeed.
type fakeFeed struct {
	name  string
	state atomic.Int32
	ch    chan port.Tick

	subscribeErr error
	subscribes   atomic.Int32
}

func newFakeFeed(name string) *fakeFeed {
	return &fakeFeed{name: name, ch: make(chan port.Tick, 16)}
}

func (f *fakeFeed) Name() string { return f.name }

func (f *fakeFeed) Subscribe(ctx context.Context, _ []string) (<-chan port.Tick, error) {
	f.subscribes.Add(1)
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.state.Store(int32(port.FeedConnected))
	go func() {
		<-ctx.Done()
		f.state.Store(int32(port.FeedDisconnected))
	}()
	return f.ch, nil
}

func (f *fakeFeed) State() port.FeedState { return port.FeedState(f.state.Load()) }
func (f *fakeFeed) Err() error            { return nil }

// trackerRepo records the calls the tracker makes.
type trackerRepo struct {
	port.Repository

	mu        sync.Mutex
	quotes    []domain.Quote
	snapshots []string
}

func (r *trackerRepo) UpsertLatestQuote(_ context.Context, q domain.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes = append(r.quotes, q)
	return nil
}

func (r *trackerRepo) InsertSnapshot(_ context.Context, _ int64, _, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, payload)
	return nil
}

func (r *trackerRepo) quoteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.quotes)
}

func (r *trackerRepo) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

// fakeVault serves one in-memory credential set.
type fakeVault struct {
	creds map[string]port.Credentials
}

func (v *fakeVault) Save(_ context.Context, userID, vendor string, c port.Credentials) error {
	v.creds[userID+"/"+vendor] = c
	return nil
}

func (v *fakeVault) Load(_ context.Context, userID, vendor string) (*port.Credentials, error) {
	c, ok := v.creds[userID+"/"+vendor]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (v *fakeVault) Clear(_ context.Context, userID, vendor string) error {
	delete(v.creds, userID+"/"+vendor)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTrackerMergesTicksIntoBookAndStorage(t *testing.T) {
	feed := newFakeFeed("FMP")
	repo := &trackerRepo{}
	book := service.NewQuoteBook([]string{"GOLD"})

	var ticks atomic.Int32
	svc := NewService(ServiceDeps{
		Feeds:         []port.PriceFeed{feed},
		Symbols:       []string{"GOLD"},
		Book:          book,
		Repo:          repo,
		SnapshotEvery: time.Hour,
		OnTick:        func(string) { ticks.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	feed.ch <- port.Tick{Vendor: "FMP", Symbol: "GOLD", Price: 1900, Ts: 100}
	// Unknown commodity and stale tick are both dropped by the book and
	// must not reach storage.
	feed.ch <- port.Tick{Vendor: "FMP", Symbol: "COPPER", Price: 4, Ts: 100}
	feed.ch <- port.Tick{Vendor: "FMP", Symbol: "GOLD", Price: 1800, Ts: 50}

	waitFor(t, func() bool { return repo.quoteCount() == 1 })
	if ticks.Load() != 1 {
		t.Fatalf("OnTick fired %d times, want 1", ticks.Load())
	}
	if px, ok := book.Lookup("GOLD"); !ok || px != 1900 {
		t.Fatalf("book lookup = %v, %v", px, ok)
	}
}

func TestTrackerSnapshotTicker(t *testing.T) {
	feed := newFakeFeed("FMP")
	repo := &trackerRepo{}
	book := service.NewQuoteBook([]string{"GOLD"})

	var snaps atomic.Int32
	svc := NewService(ServiceDeps{
		Feeds:         []port.PriceFeed{feed},
		Symbols:       []string{"GOLD"},
		Book:          book,
		Repo:          repo,
		SnapshotEvery: 20 * time.Millisecond,
		OnSnapshot:    func() { snaps.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	feed.ch <- port.Tick{Vendor: "FMP", Symbol: "GOLD", Price: 1900, Ts: 100}
	waitFor(t, func() bool { return repo.snapshotCount() >= 1 })
	if snaps.Load() < 1 {
		t.Fatal("OnSnapshot never fired")
	}
}

func TestTrackerSurvivesFailedFeed(t *testing.T) {
	bad := newFakeFeed("FMP")
	bad.subscribeErr = port.ErrLimitReached
	good := newFakeFeed("IBKR")
	repo := &trackerRepo{}
	book := service.NewQuoteBook([]string{"GOLD"})

	svc := NewService(ServiceDeps{
		Feeds:         []port.PriceFeed{bad, good},
		Symbols:       []string{"GOLD"},
		Book:          book,
		Repo:          repo,
		SnapshotEvery: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	good.ch <- port.Tick{Vendor: "IBKR", Symbol: "GOLD", Price: 1910, Ts: 1}
	waitFor(t, func() bool { return repo.quoteCount() == 1 })
}

func TestTrackerIBKRSessions(t *testing.T) {
	repo := &trackerRepo{}
	book := service.NewQuoteBook([]string{"GOLD"})
	vault := &fakeVault{creds: map[string]port.Credentials{
		"u1/ibkr": {Username: "a", Password: "b", Gateway: "paper"},
	}}

	var userFeed *fakeFeed
	svc := NewService(ServiceDeps{
		Symbols:       []string{"GOLD"},
		Book:          book,
		Repo:          repo,
		Vault:         vault,
		SnapshotEvery: time.Hour,
		IBKRFactory: func(port.Credentials) (port.PriceFeed, error) {
			userFeed = newFakeFeed("IBKR")
			return userFeed, nil
		},
	})

	ctx := context.Background()

	// Connect before Run is rejected.
	if err := svc.ConnectIBKR(ctx, "u1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("connect before run: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = svc.Run(runCtx) }()
	waitFor(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.runCtx != nil
	})

	// No credentials for u2.
	if err := svc.ConnectIBKR(ctx, "u2"); !errors.Is(err, port.ErrNoCredentials) {
		t.Fatalf("connect without credentials: %v", err)
	}

	if err := svc.ConnectIBKR(ctx, "u1"); err != nil {
		t.Fatalf("ConnectIBKR: %v", err)
	}
	if st, _ := svc.IBKRState("u1"); st != port.FeedConnected {
		t.Fatalf("state = %v", st)
	}

	// Second connect while the session is live is single-flight.
	if err := svc.ConnectIBKR(ctx, "u1"); !errors.Is(err, port.ErrFeedBusy) {
		t.Fatalf("second connect: %v", err)
	}

	// Ticks from the user session reach storage.
	userFeed.ch <- port.Tick{Vendor: "IBKR", Symbol: "GOLD", Price: 1920, Ts: 10}
	waitFor(t, func() bool { return repo.quoteCount() == 1 })

	svc.DisconnectIBKR("u1")
	if st, _ := svc.IBKRState("u1"); st != port.FeedDisconnected {
		t.Fatalf("state after disconnect = %v", st)
	}
	// Disconnect again is a no-op.
	svc.DisconnectIBKR("u1")

	// A fresh connect after disconnect is allowed.
	if err := svc.ConnectIBKR(ctx, "u1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}
