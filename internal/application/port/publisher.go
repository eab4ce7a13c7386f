package port

import (
	"context"

	"trackd/internal/domain"
)

// EventPublisher pushes quote and position events to downstream
// consumers (alerting, analytics). Implementations must be safe to call
// from the tracker loop; a publish failure never blocks price handling.
type EventPublisher interface {
	PublishQuote(ctx context.Context, q domain.Quote) error
	PublishPositionChanged(ctx context.Context, eventType string, p domain.Position) error
	Close() error
}
