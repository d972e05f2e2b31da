package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the item catalog: every item and user mirrored from the
// upstream feed, plus the kids ordering table.
type Store struct {
	pool     *pgxpool.Pool
	readOnly bool
}

type Options struct {
	// ReadOnly skips schema setup and rejects writes. Used by serve-only
	// deployments that share a database with a syncing instance.
	ReadOnly bool

	MaxConns int32
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id bigint PRIMARY KEY,
		deleted boolean NOT NULL DEFAULT false,
		type text NOT NULL DEFAULT '',
		"by" text NOT NULL DEFAULT '',
		time bigint NOT NULL DEFAULT 0,
		text text NOT NULL DEFAULT '',
		dead boolean NOT NULL DEFAULT false,
		parent bigint NOT NULL DEFAULT 0,
		poll bigint NOT NULL DEFAULT 0,
		url text NOT NULL DEFAULT '',
		score bigint NOT NULL DEFAULT 0,
		title text NOT NULL DEFAULT '',
		parts text NOT NULL DEFAULT '',
		descendants bigint NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS items_type_score_idx ON items (type, score, descendants)`,
	`CREATE INDEX IF NOT EXISTS items_parent_idx ON items (parent)`,
	`CREATE TABLE IF NOT EXISTS kids (
		item bigint NOT NULL,
		kid bigint NOT NULL,
		display_order bigint NOT NULL,
		PRIMARY KEY (item, kid)
	)`,
	`CREATE INDEX IF NOT EXISTS kids_kid_idx ON kids (kid)`,
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		created bigint NOT NULL DEFAULT 0,
		karma bigint NOT NULL DEFAULT 0,
		about text NOT NULL DEFAULT '',
		submitted text NOT NULL DEFAULT ''
	)`,
}

// Open connects, and unless opts.ReadOnly ensures the schema exists.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	s := &Store{pool: pool, readOnly: opts.ReadOnly}
	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if !opts.ReadOnly {
		if err := s.ensureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// Pool exposes the underlying pool so the embedding store can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Stats reports row counts and the high-water item id.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM items),
			(SELECT count(*) FROM kids),
			(SELECT count(*) FROM users),
			(SELECT coalesce(max(id), 0) FROM items)
	`)
	if err := row.Scan(&st.Items, &st.Kids, &st.Users, &st.MaxItemID); err != nil {
		return Stats{}, fmt.Errorf("reading catalog stats: %w", err)
	}
	return st, nil
}
