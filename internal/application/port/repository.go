package port

import (
	"context"
	"errors"

	"trackd/internal/domain"
)

// ErrNotFound is returned by lookups when the row does not exist.
var ErrNotFound = errors.New("not found")

type Repository interface {
	// Latest quotes (one row per commodity+source, latest-write-wins)
	UpsertLatestQuote(ctx context.Context, q domain.Quote) error
	ListLatestQuotes(ctx context.Context) ([]domain.Quote, error)

	// Positions
	CreatePosition(ctx context.Context, p *domain.Position) error
	UpdatePosition(ctx context.Context, p domain.Position) error
	DeletePosition(ctx context.Context, userID string, id int64) error
	ListPositions(ctx context.Context, userID string) ([]domain.Position, error)

	// Subscription profiles
	UpsertProfile(ctx context.Context, p domain.Profile) error
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)

	// Encrypted credential blobs, keyed by user and vendor. Plaintext
	// never reaches this layer.
	PutCredentialBlob(ctx context.Context, userID, vendor string, blob []byte) error
	GetCredentialBlob(ctx context.Context, userID, vendor string) ([]byte, error)
	DeleteCredentialBlob(ctx context.Context, userID, vendor string) error

	// Portfolio snapshots (periodic valuation dumps)
	InsertSnapshot(ctx context.Context, ts int64, userID, payload string) error

	Close() error
}
