package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trackd/internal/domain"
)

// Cache keeps the latest quote per symbol+source in a Redis hash so
// other processes (alerting, dashboards) can read prices without
// touching the primary store. It is a cache, not a system of record:
// entries expire after ttl.
type Cache struct {
	rdb       *redis.Client
	keyLatest string
	ttl       time.Duration
}

func New(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	return &Cache{rdb: rdb, keyLatest: "trackd:quotes:latest", ttl: ttl}, nil
}

func (c *Cache) Close() error { return c.rdb.Close() }

func (c *Cache) SetLatestQuote(ctx context.Context, q domain.Quote) error {
	if q.Price <= 0 {
		return nil
	}
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}

	field := fmt.Sprintf("%s:%s", q.Source, q.Symbol)
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, c.keyLatest, field, string(b))
	if c.ttl > 0 {
		pipe.Expire(ctx, c.keyLatest, c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Cache) ListLatestQuotes(ctx context.Context) ([]domain.Quote, error) {
	fields, err := c.rdb.HGetAll(ctx, c.keyLatest).Result()
	if err != nil {
		return nil, err
	}
	quotes := make([]domain.Quote, 0, len(fields))
	for _, raw := range fields {
		var q domain.Quote
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			continue // a corrupt entry only loses itself
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}
