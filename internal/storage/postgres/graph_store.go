// Package postgres mirrors the crawled citation graph into Postgres.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/paper"
)

// Schema creates the tables GraphStore writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS papers (
	paper_id         TEXT PRIMARY KEY,
	title            TEXT,
	year             INTEGER,
	abstract         TEXT,
	reference_count  INTEGER,
	citation_count   INTEGER,
	fields_of_study  TEXT[],
	last_run_id      INTEGER NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS paper_references (
	citing_id   TEXT NOT NULL,
	cited_id    TEXT NOT NULL,
	run_id      INTEGER NOT NULL,
	PRIMARY KEY (citing_id, cited_id)
);`

const upsertPaperSQL = `
INSERT INTO papers (
	paper_id, title, year, abstract, reference_count, citation_count, fields_of_study, last_run_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (paper_id) DO UPDATE SET
	title = EXCLUDED.title,
	year = EXCLUDED.year,
	abstract = EXCLUDED.abstract,
	reference_count = EXCLUDED.reference_count,
	citation_count = EXCLUDED.citation_count,
	fields_of_study = EXCLUDED.fields_of_study,
	last_run_id = EXCLUDED.last_run_id,
	updated_at = now()`

const insertReferenceSQL = `
INSERT INTO paper_references (citing_id, cited_id, run_id)
VALUES ($1,$2,$3)
ON CONFLICT (citing_id, cited_id) DO NOTHING`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	// ConnectTimeout bounds the startup ping retries. Zero means one minute.
	ConnectTimeout time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// GraphStore writes papers and citation edges.
type GraphStore struct {
	pool execCloser
}

// NewGraphStore connects to Postgres, waits for it to answer a ping, and
// ensures the schema exists.
func NewGraphStore(ctx context.Context, cfg Config, logger *zap.Logger) (*GraphStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ConnectTimeout
	if policy.MaxElapsedTime <= 0 {
		policy.MaxElapsedTime = time.Minute
	}
	attempt := 1
	err = backoff.Retry(func() error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			logger.Info("waiting for postgres", zap.Int("attempt", attempt), zap.Error(pingErr))
			attempt++
			return pingErr
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &GraphStore{pool: pool}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewGraphStoreWithPool wraps an existing pool (primarily for testing).
func NewGraphStoreWithPool(pool execCloser) (*GraphStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &GraphStore{pool: pool}, nil
}

// EnsureSchema creates the graph tables when missing.
func (s *GraphStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertPapers inserts or refreshes paper rows.
func (s *GraphStore) UpsertPapers(ctx context.Context, runID int, papers []paper.Paper) error {
	for _, p := range papers {
		if p.PaperID == "" {
			continue
		}
		_, err := s.pool.Exec(ctx, upsertPaperSQL,
			p.PaperID,
			p.Title,
			p.Year,
			p.Abstract,
			p.ReferenceCount,
			p.CitationCount,
			p.FieldsOfStudy,
			runID,
		)
		if err != nil {
			return fmt.Errorf("upsert paper %s: %w", p.PaperID, err)
		}
	}
	return nil
}

// InsertReferences records citing -> cited edges. Existing edges are kept.
func (s *GraphStore) InsertReferences(ctx context.Context, runID int, citing string, refs []paper.Ref) error {
	if citing == "" {
		return fmt.Errorf("citing paper id is required")
	}
	for _, r := range refs {
		if _, err := s.pool.Exec(ctx, insertReferenceSQL, citing, r.PaperID, runID); err != nil {
			return fmt.Errorf("insert reference %s -> %s: %w", citing, r.PaperID, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *GraphStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
