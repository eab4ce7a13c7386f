package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"trackd/internal/application/port"
	"trackd/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS latest_quotes (
  id BIGSERIAL PRIMARY KEY,
  symbol TEXT NOT NULL,
  source TEXT NOT NULL,
  price DOUBLE PRECISION NOT NULL,
  change DOUBLE PRECISION NOT NULL,
  change_percent DOUBLE PRECISION NOT NULL,
  ts_ms BIGINT NOT NULL,
  UNIQUE(symbol, source)
);

CREATE TABLE IF NOT EXISTS positions (
  id BIGSERIAL PRIMARY KEY,
  user_id TEXT NOT NULL,
  commodity TEXT NOT NULL,
  quantity DOUBLE PRECISION NOT NULL,
  entry_price DOUBLE PRECISION NOT NULL,
  entry_ts BIGINT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id);

CREATE TABLE IF NOT EXISTS profiles (
  user_id TEXT PRIMARY KEY,
  subscription_active BOOLEAN NOT NULL,
  subscription_tier TEXT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
  user_id TEXT NOT NULL,
  vendor TEXT NOT NULL,
  blob BYTEA NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY(user_id, vendor)
);

CREATE TABLE IF NOT EXISTS snapshots (
  id BIGSERIAL PRIMARY KEY,
  ts_ms BIGINT NOT NULL,
  user_id TEXT NOT NULL,
  payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts_ms);
`)
	return err
}

func (r *Repo) UpsertLatestQuote(ctx context.Context, q domain.Quote) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_quotes(symbol, source, price, change, change_percent, ts_ms)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT(symbol, source) DO UPDATE SET
		price=excluded.price, change=excluded.change,
		change_percent=excluded.change_percent, ts_ms=excluded.ts_ms
	`, q.Symbol, string(q.Source), q.Price, q.Change, q.ChangePercent, q.Ts)
	return err
}

func (r *Repo) ListLatestQuotes(ctx context.Context) ([]domain.Quote, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, source, price, change, change_percent, ts_ms
		FROM latest_quotes ORDER BY symbol, source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotes []domain.Quote
	for rows.Next() {
		var q domain.Quote
		var source string
		if err := rows.Scan(&q.Symbol, &source, &q.Price, &q.Change, &q.ChangePercent, &q.Ts); err != nil {
			return nil, err
		}
		q.Source = domain.Source(source)
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

func (r *Repo) CreatePosition(ctx context.Context, p *domain.Position) error {
	now := time.Now().UnixMilli()
	return r.db.QueryRowContext(ctx, `
		INSERT INTO positions(user_id, commodity, quantity, entry_price, entry_ts, notes, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id
	`, p.UserID, p.Commodity, p.Quantity, p.EntryPrice, p.EntryDate.UnixMilli(), p.Notes, now, now).Scan(&p.ID)
}

func (r *Repo) UpdatePosition(ctx context.Context, p domain.Position) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE positions SET commodity=$1, quantity=$2, entry_price=$3, entry_ts=$4, notes=$5, updated_at=$6
		WHERE id=$7 AND user_id=$8
	`, p.Commodity, p.Quantity, p.EntryPrice, p.EntryDate.UnixMilli(), p.Notes, time.Now().UnixMilli(), p.ID, p.UserID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *Repo) DeletePosition(ctx context.Context, userID string, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *Repo) ListPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, commodity, quantity, entry_price, entry_ts, notes
		FROM positions WHERE user_id=$1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var entryTs int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Commodity, &p.Quantity, &p.EntryPrice, &entryTs, &p.Notes); err != nil {
			return nil, err
		}
		p.EntryDate = time.UnixMilli(entryTs)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (r *Repo) UpsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles(user_id, subscription_active, subscription_tier, updated_at)
		VALUES($1, $2, $3, $4)
		ON CONFLICT(user_id) DO UPDATE SET
		subscription_active=excluded.subscription_active,
		subscription_tier=excluded.subscription_tier,
		updated_at=excluded.updated_at
	`, p.UserID, p.SubscriptionActive, p.SubscriptionTier, time.Now().UnixMilli())
	return err
}

func (r *Repo) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var p domain.Profile
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, subscription_active, subscription_tier FROM profiles WHERE user_id=$1`, userID).
		Scan(&p.UserID, &p.SubscriptionActive, &p.SubscriptionTier)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, port.ErrNotFound
	}
	return p, err
}

func (r *Repo) PutCredentialBlob(ctx context.Context, userID, vendor string, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials(user_id, vendor, blob, updated_at)
		VALUES($1, $2, $3, $4)
		ON CONFLICT(user_id, vendor) DO UPDATE SET
		blob=excluded.blob, updated_at=excluded.updated_at
	`, userID, vendor, blob, time.Now().UnixMilli())
	return err
}

func (r *Repo) GetCredentialBlob(ctx context.Context, userID, vendor string) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT blob FROM credentials WHERE user_id=$1 AND vendor=$2`, userID, vendor).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	return blob, err
}

func (r *Repo) DeleteCredentialBlob(ctx context.Context, userID, vendor string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id=$1 AND vendor=$2`, userID, vendor)
	return err
}

func (r *Repo) InsertSnapshot(ctx context.Context, ts int64, userID, payload string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO snapshots(ts_ms, user_id, payload) VALUES($1, $2, $3)`, ts, userID, payload)
	return err
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return port.ErrNotFound
	}
	return nil
}

var _ port.Repository = (*Repo)(nil)
