package composite

import (
	"context"

	"github.com/rs/zerolog/log"

	"trackd/internal/application/port"
	"trackd/internal/domain"
	redisstore "trackd/internal/infrastructure/storage/redis"
)

// Repo wraps the primary repository and mirrors latest quotes into the
// Redis cache. Cache failures are logged and swallowed: the primary is
// the system of record.
type Repo struct {
	port.Repository
	cache *redisstore.Cache
}

func New(primary port.Repository, cache *redisstore.Cache) *Repo {
	return &Repo{Repository: primary, cache: cache}
}

func (r *Repo) UpsertLatestQuote(ctx context.Context, q domain.Quote) error {
	if r.cache != nil {
		if err := r.cache.SetLatestQuote(ctx, q); err != nil {
			log.Warn().Err(err).Msg("redis quote cache write failed")
		}
	}
	return r.Repository.UpsertLatestQuote(ctx, q)
}

func (r *Repo) Close() error {
	var firstErr error
	if r.cache != nil {
		firstErr = r.cache.Close()
	}
	if err := r.Repository.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ port.Repository = (*Repo)(nil)
