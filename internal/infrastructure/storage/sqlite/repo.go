package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"trackd/internal/application/port"
	"trackd/internal/domain"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  symbol TEXT NOT NULL,
  source TEXT NOT NULL,
  price REAL NOT NULL,
  change REAL NOT NULL,
  change_percent REAL NOT NULL,
  ts_ms INTEGER NOT NULL,
  UNIQUE(symbol, source)
);
CREATE INDEX IF NOT EXISTS idx_quotes_symbol ON latest_quotes(symbol);
CREATE INDEX IF NOT EXISTS idx_quotes_ts ON latest_quotes(ts_ms);

CREATE TABLE IF NOT EXISTS positions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  commodity TEXT NOT NULL,
  quantity REAL NOT NULL,
  entry_price REAL NOT NULL,
  entry_ts INTEGER NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id);

CREATE TABLE IF NOT EXISTS profiles (
  user_id TEXT PRIMARY KEY,
  subscription_active INTEGER NOT NULL,
  subscription_tier TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
  user_id TEXT NOT NULL,
  vendor TEXT NOT NULL,
  blob BLOB NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(user_id, vendor)
);

CREATE TABLE IF NOT EXISTS snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_ms INTEGER NOT NULL,
  user_id TEXT NOT NULL,
  payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts_ms);
CREATE INDEX IF NOT EXISTS idx_snapshots_user ON snapshots(user_id);
`)
	return err
}

func (r *Repo) UpsertLatestQuote(ctx context.Context, q domain.Quote) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_quotes(symbol, source, price, change, change_percent, ts_ms)
		VALUES(?, ?, ?, ?, ?, ?)
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
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO positions(user_id, commodity, quantity, entry_price, entry_ts, notes, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, p.UserID, p.Commodity, p.Quantity, p.EntryPrice, p.EntryDate.UnixMilli(), p.Notes, now, now)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (r *Repo) UpdatePosition(ctx context.Context, p domain.Position) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE positions SET commodity=?, quantity=?, entry_price=?, entry_ts=?, notes=?, updated_at=?
		WHERE id=? AND user_id=?
	`, p.Commodity, p.Quantity, p.EntryPrice, p.EntryDate.UnixMilli(), p.Notes, time.Now().UnixMilli(), p.ID, p.UserID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *Repo) DeletePosition(ctx context.Context, userID string, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r *Repo) ListPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, commodity, quantity, entry_price, entry_ts, notes
		FROM positions WHERE user_id=? ORDER BY id`, userID)
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
		VALUES(?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		subscription_active=excluded.subscription_active,
		subscription_tier=excluded.subscription_tier,
		updated_at=excluded.updated_at
	`, p.UserID, boolToInt(p.SubscriptionActive), p.SubscriptionTier, time.Now().UnixMilli())
	return err
}

func (r *Repo) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var p domain.Profile
	var active int
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, subscription_active, subscription_tier FROM profiles WHERE user_id=?`, userID).
		Scan(&p.UserID, &active, &p.SubscriptionTier)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, port.ErrNotFound
	}
	if err != nil {
		return domain.Profile{}, err
	}
	p.SubscriptionActive = active != 0
	return p, nil
}

func (r *Repo) PutCredentialBlob(ctx context.Context, userID, vendor string, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials(user_id, vendor, blob, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(user_id, vendor) DO UPDATE SET
		blob=excluded.blob, updated_at=excluded.updated_at
	`, userID, vendor, blob, time.Now().UnixMilli())
	return err
}

func (r *Repo) GetCredentialBlob(ctx context.Context, userID, vendor string) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT blob FROM credentials WHERE user_id=? AND vendor=?`, userID, vendor).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, port.ErrNotFound
	}
	return blob, err
}

func (r *Repo) DeleteCredentialBlob(ctx context.Context, userID, vendor string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id=? AND vendor=?`, userID, vendor)
	return err
}

func (r *Repo) InsertSnapshot(ctx context.Context, ts int64, userID, payload string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO snapshots(ts_ms, user_id, payload) VALUES(?, ?, ?)`, ts, userID, payload)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ port.Repository = (*Repo)(nil)
