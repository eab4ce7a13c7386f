package port

import (
	"context"
	"errors"

	"trackd/internal/domain"
)

// FeedState is the connection lifecycle of a vendor feed.
type FeedState int32

const (
	FeedDisconnected FeedState = iota
	FeedConnecting
	FeedConnected
	FeedReconnecting
	FeedError
	// FeedLimitReached is terminal for the session: the vendor reported a
	// hard quota and retrying would only burn the reset window. A new
	// Subscribe is still permitted.
	FeedLimitReached
)

func (s FeedState) String() string {
	switch s {
	case FeedDisconnected:
		return "disconnected"
	case FeedConnecting:
		return "connecting"
	case FeedConnected:
		return "connected"
	case FeedReconnecting:
		return "reconnecting"
	case FeedError:
		return "error"
	case FeedLimitReached:
		return "limit_reached"
	default:
		return "unknown"
	}
}

// ErrLimitReached distinguishes a vendor usage quota from a generic
// failure so the caller can surface "upgrade plan / wait for reset".
var ErrLimitReached = errors.New("vendor usage limit reached")

// ErrFeedBusy is returned when Subscribe is called while a previous
// session is still connecting or connected (single-flight rule).
var ErrFeedBusy = errors.New("feed already connected or connecting")

// ErrNoCredentials is returned when a feed requires credentials and
// none are configured.
var ErrNoCredentials = errors.New("vendor credentials not configured")

// Tick is one normalized price update flowing out of a feed.
type Tick struct {
	Vendor        string
	Symbol        string
	Price         float64
	Change        float64
	ChangePercent float64
	Ts            int64 // unix ms
}

// Quote converts the tick to the domain quote shape.
func (t Tick) Quote() domain.Quote {
	return domain.Quote{
		Symbol:        domain.NormalizeSymbol(t.Symbol),
		Price:         t.Price,
		Change:        t.Change,
		ChangePercent: t.ChangePercent,
		Ts:            t.Ts,
		Source:        domain.Source(t.Vendor),
	}
}

// PriceFeed is one vendor's price stream. Subscribe starts a session and
// returns a channel that closes when the session ends (context cancel,
// exhausted reconnects, or quota). Err reports why the channel closed.
// Subscribe while a session is live returns ErrFeedBusy.
type PriceFeed interface {
	Name() string
	Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error)
	State() FeedState
	Err() error
}
