package ibkr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"trackd/internal/application/port"
	"trackd/internal/infrastructure/vendorfeed"
)

const VendorName = "IBKR"

const (
	dialTimeout    = 10 * time.Second
	readDeadline   = 60 * time.Second
	pingInterval   = 25 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 10 * time.Second
	maxReconnects  = 5
)

// ErrAuthFailed means the gateway rejected the credentials; retrying
// with the same credentials is pointless.
var ErrAuthFailed = errors.New("ibkr authentication failed")

// Feed streams market data from an IBKR gateway relay over WebSocket.
// The relay speaks a small JSON protocol: an auth message, a subscribe
// message, then a stream of tick messages.
type Feed struct {
	wsURL string
	creds port.Credentials
	hooks vendor.Hooks

	state atomic.Int32

	mu      sync.Mutex
	lastErr error
}

// NewFeed picks the paper or live endpoint from the credential gateway
// field (paper unless "live" is explicit).
func NewFeed(paperWsURL, liveWsURL string, creds port.Credentials, hooks vendor.Hooks) (*Feed, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, port.ErrNoCredentials
	}
	wsURL := strings.TrimSpace(paperWsURL)
	if creds.Gateway == "live" {
		wsURL = strings.TrimSpace(liveWsURL)
	}
	if wsURL == "" {
		return nil, fmt.Errorf("ibkr: no ws url for gateway %q", gatewayName(creds.Gateway))
	}
	return &Feed{wsURL: wsURL, creds: creds, hooks: hooks}, nil
}

func gatewayName(g string) string {
	if g == "live" {
		return "live"
	}
	return "paper"
}

func (f *Feed) Name() string { return VendorName }

func (f *Feed) State() port.FeedState {
	return port.FeedState(f.state.Load())
}

func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *Feed) setErr(err error) {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
}

func (f *Feed) beginSession() error {
	for {
		cur := f.State()
		switch cur {
		case port.FeedDisconnected, port.FeedError, port.FeedLimitReached:
			if f.state.CompareAndSwap(int32(cur), int32(port.FeedConnecting)) {
				return nil
			}
		default:
			return port.ErrFeedBusy
		}
	}
}

type authMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	Gateway  string `json:"gateway"`
}

type subscribeMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type serverMsg struct {
	Type          string  `json:"type"`
	Status        string  `json:"status,omitempty"`
	Message       string  `json:"message,omitempty"`
	Symbol        string  `json:"symbol,omitempty"`
	Price         float64 `json:"price,omitempty"`
	Change        float64 `json:"change,omitempty"`
	ChangePercent float64 `json:"changePercent,omitempty"`
	Ts            int64   `json:"ts,omitempty"`
}

// Subscribe dials, authenticates and subscribes synchronously, then
// streams ticks. Reconnects on transient failures with exponential
// backoff, up to maxReconnects attempts per outage.
func (f *Feed) Subscribe(ctx context.Context, symbols []string) (<-chan port.Tick, error) {
	if len(symbols) == 0 {
		return nil, errors.New("ibkr: symbols empty")
	}
	if err := f.beginSession(); err != nil {
		return nil, err
	}
	f.setErr(nil)

	conn, err := f.connect(ctx, symbols)
	if err != nil {
		f.state.Store(int32(port.FeedError))
		f.setErr(err)
		return nil, err
	}

	f.state.Store(int32(port.FeedConnected))
	out := make(chan port.Tick, 256)
	go f.run(ctx, conn, symbols, out)
	return out, nil
}

// connect performs one dial + auth + subscribe handshake.
func (f *Feed) connect(ctx context.Context, symbols []string) (*websocket.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(cctx, f.wsURL, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("ibkr dial: %w", err)
	}

	if err := conn.WriteJSON(authMsg{
		Type:     "auth",
		Username: f.creds.Username,
		Password: f.creds.Password,
		Gateway:  gatewayName(f.creds.Gateway),
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ibkr auth write: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	var reply serverMsg
	if err := conn.ReadJSON(&reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ibkr auth read: %w", err)
	}
	if reply.Type != "status" || reply.Status != "authenticated" {
		_ = conn.Close()
		if reply.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, reply.Message)
		}
		return nil, ErrAuthFailed
	}

	if err := conn.WriteJSON(subscribeMsg{Type: "subscribe", Symbols: symbols}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ibkr subscribe write: %w", err)
	}
	return conn, nil
}

func (f *Feed) run(ctx context.Context, conn *websocket.Conn, symbols []string, out chan<- port.Tick) {
	defer close(out)

	for {
		err := f.readLoop(ctx, conn, out)
		_ = conn.Close()

		if ctx.Err() != nil {
			f.state.Store(int32(port.FeedDisconnected))
			return
		}
		log.Warn().Str("feed", VendorName).Err(err).Msg("ws disconnected, reconnecting")

		conn, err = f.reconnect(ctx, symbols)
		if err != nil {
			if ctx.Err() != nil {
				f.state.Store(int32(port.FeedDisconnected))
				return
			}
			f.state.Store(int32(port.FeedError))
			f.setErr(err)
			log.Error().Str("feed", VendorName).Err(err).Msg("ws gave up after retries")
			return
		}
		f.state.Store(int32(port.FeedConnected))
	}
}

func (f *Feed) reconnect(ctx context.Context, symbols []string) (*websocket.Conn, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxReconnects; attempt++ {
		f.state.Store(int32(port.FeedReconnecting))
		if f.hooks.OnReconnect != nil {
			f.hooks.OnReconnect()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = minDur(backoff*2, maxBackoff)

		conn, err := f.connect(ctx, symbols)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		lastErr = err
		log.Warn().Str("feed", VendorName).Int("attempt", attempt).Err(err).Msg("ws reconnect failed")
	}
	return nil, fmt.Errorf("ibkr: %d reconnect attempts failed: %w", maxReconnects, lastErr)
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- port.Tick) error {
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
			if t, ok := parseTick(b); ok {
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

// parseTick converts a relay message to a tick. Anything that is not a
// well-formed tick is ignored; a malformed message never kills the
// stream.
func parseTick(b []byte) (port.Tick, bool) {
	var msg serverMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		return port.Tick{}, false
	}
	if msg.Type != "tick" || msg.Symbol == "" || msg.Price <= 0 {
		return port.Tick{}, false
	}
	ts := msg.Ts
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	return port.Tick{
		Vendor:        VendorName,
		Symbol:        msg.Symbol,
		Price:         msg.Price,
		Change:        msg.Change,
		ChangePercent: msg.ChangePercent,
		Ts:            ts,
	}, true
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ port.PriceFeed = (*Feed)(nil)
