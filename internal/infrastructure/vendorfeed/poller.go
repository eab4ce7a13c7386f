package vendor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"trackd/internal/application/port"
)

// FetchFunc performs one round of quote fetches for the subscribed
// symbols. A vendor quota error must be wrapped with
// port.ErrLimitReached so the poller can stop instead of retrying.
type FetchFunc func(ctx context.Context, symbols []string) ([]port.Tick, error)

// Hooks lets the owner observe lifecycle events. All fields optional.
type Hooks struct {
	OnReconnect func()
	OnQuotaStop func()
}

const (
	defaultInterval    = 60 * time.Second
	defaultMaxRetries  = 5
	fetchTimeout       = 10 * time.Second
	initialRetryDelay  = 1 * time.Second
	maxRetryDelay      = 10 * time.Second
	tickBufferCapacity = 256
)

// Poller drives a REST vendor on a fixed interval and owns the
// connection state machine:
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Reconnecting -> Connected   (transient failure, backoff)
//	Reconnecting -> Error                    (retries exhausted)
//	any -> LimitReached                      (vendor quota, terminal)
//
// A session ends by context cancel, exhausted retries, or quota; the
// tick channel closes in every case. Subscribe on a live session is
// rejected, subscribe after a terminal state starts a fresh session.
type Poller struct {
	name       string
	fetch      FetchFunc
	interval   time.Duration
	maxRetries int
	hooks      Hooks

	state atomic.Int32

	mu      sync.Mutex
	lastErr error
}

func NewPoller(name string, fetch FetchFunc, interval time.Duration, hooks Hooks) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Poller{
		name:       name,
		fetch:      fetch,
		interval:   interval,
		maxRetries: defaultMaxRetries,
		hooks:      hooks,
	}
}

func (p *Poller) Name() string { return p.name }

func (p *Poller) State() port.FeedState {
	return port.FeedState(p.state.Load())
}

func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Poller) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

// beginSession transitions Disconnected/Error/LimitReached into
// Connecting. Only one session may be live at a time.
func (p *Poller) beginSession() error {
	for {
		cur := p.State()
		switch cur {
		case port.FeedDisconnected, port.FeedError, port.FeedLimitReached:
			if p.state.CompareAndSwap(int32(cur), int32(port.FeedConnecting)) {
				return nil
			}
		default:
			return port.ErrFeedBusy
		}
	}
}

func (p *Poller) Subscribe(ctx context.Context, symbols []string) (<-chan port.Tick, error) {
	if err := p.beginSession(); err != nil {
		return nil, err
	}
	p.setErr(nil)

	// Handshake: one fetch before the interval starts, so a dead key or
	// exhausted quota is reported synchronously.
	ticks, err := p.fetchOnce(ctx, symbols)
	if err != nil {
		if errors.Is(err, port.ErrLimitReached) {
			p.quotaStop(err)
		} else {
			p.state.Store(int32(port.FeedError))
			p.setErr(err)
		}
		return nil, err
	}

	p.state.Store(int32(port.FeedConnected))
	out := make(chan port.Tick, tickBufferCapacity)
	go p.run(ctx, symbols, ticks, out)
	return out, nil
}

func (p *Poller) fetchOnce(ctx context.Context, symbols []string) ([]port.Tick, error) {
	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	return p.fetch(fctx, symbols)
}

func (p *Poller) quotaStop(err error) {
	p.state.Store(int32(port.FeedLimitReached))
	p.setErr(err)
	if p.hooks.OnQuotaStop != nil {
		p.hooks.OnQuotaStop()
	}
	log.Warn().Str("feed", p.name).Err(err).Msg("vendor limit reached, polling stopped")
}

func (p *Poller) run(ctx context.Context, symbols []string, initial []port.Tick, out chan<- port.Tick) {
	defer close(out)

	emit := func(ticks []port.Tick) {
		for _, t := range ticks {
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}
	emit(initial)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.state.Store(int32(port.FeedDisconnected))
			return

		case <-ticker.C:
			ticks, err := p.pollWithRetry(ctx, symbols)
			if err != nil {
				if ctx.Err() != nil {
					p.state.Store(int32(port.FeedDisconnected))
					return
				}
				if errors.Is(err, port.ErrLimitReached) {
					p.quotaStop(err)
					return
				}
				p.state.Store(int32(port.FeedError))
				p.setErr(err)
				log.Error().Str("feed", p.name).Err(err).Msg("polling gave up after retries")
				return
			}
			p.state.Store(int32(port.FeedConnected))
			emit(ticks)
		}
	}
}

// pollWithRetry fetches with exponential backoff on transient errors.
// Quota errors and context cancellation abort immediately.
func (p *Poller) pollWithRetry(ctx context.Context, symbols []string) ([]port.Tick, error) {
	delay := initialRetryDelay
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.state.Store(int32(port.FeedReconnecting))
			if p.hooks.OnReconnect != nil {
				p.hooks.OnReconnect()
			}
			log.Warn().Str("feed", p.name).Int("attempt", attempt).Dur("delay", delay).Msg("retrying fetch")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = minDur(delay*2, maxRetryDelay)
		}

		ticks, err := p.fetchOnce(ctx, symbols)
		if err == nil {
			return ticks, nil
		}
		if errors.Is(err, port.ErrLimitReached) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ port.PriceFeed = (*Poller)(nil)
