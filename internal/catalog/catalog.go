// Package catalog records packaged NWB assets in Postgres so downstream
// jobs can find them without listing the object store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by Get for unknown assets.
var ErrNotFound = errors.New("catalog: asset not found")

// Entry is one packaged asset.
type Entry struct {
	Asset     string
	RunID     string
	SessionID string
	Location  string
	Tables    []string
	Rows      int64
	Bytes     int64
	CreatedAt time.Time
}

// Store is a pgxpool-backed asset catalog.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the catalog table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("catalog dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect catalog: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS nwb_assets (
  asset text PRIMARY KEY,
  run_id text NOT NULL,
  session_id text NOT NULL,
  location text NOT NULL,
  tables text[] NOT NULL DEFAULT '{}',
  row_count bigint NOT NULL DEFAULT 0,
  byte_count bigint NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now()
);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure nwb_assets: %w", err)
	}
	return nil
}

// Register upserts e keyed by asset name. A rerun replaces the previous run.
func (s *Store) Register(ctx context.Context, e Entry) error {
	if e.Asset == "" {
		return errors.New("catalog entry needs an asset name")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO nwb_assets (asset, run_id, session_id, location, tables, row_count, byte_count, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (asset) DO UPDATE SET
  run_id = EXCLUDED.run_id,
  session_id = EXCLUDED.session_id,
  location = EXCLUDED.location,
  tables = EXCLUDED.tables,
  row_count = EXCLUDED.row_count,
  byte_count = EXCLUDED.byte_count,
  created_at = EXCLUDED.created_at`,
		e.Asset, e.RunID, e.SessionID, e.Location, e.Tables, e.Rows, e.Bytes, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("register %s: %w", e.Asset, err)
	}
	return nil
}

const selectEntry = `SELECT asset, run_id, session_id, location, tables, row_count, byte_count, created_at FROM nwb_assets`

// Get returns the entry for asset or ErrNotFound.
func (s *Store) Get(ctx context.Context, asset string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, selectEntry+` WHERE asset = $1`, asset)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns entries whose session id starts with prefix, newest first.
// A limit of zero or less means no limit.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	query := selectEntry + ` WHERE session_id LIKE $1::text || '%' ORDER BY created_at DESC`
	args := []any{prefix}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(&e.Asset, &e.RunID, &e.SessionID, &e.Location, &e.Tables, &e.Rows, &e.Bytes, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes asset; deleting an unknown asset is not an error.
func (s *Store) Delete(ctx context.Context, asset string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM nwb_assets WHERE asset = $1`, asset)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
