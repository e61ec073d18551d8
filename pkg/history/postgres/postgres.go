// Package postgres provides a PostgreSQL-backed history.Store.
//
// Records are kept in a chat_histories table keyed by context_id, with the
// provider-shaped message stored as JSONB. The store is schema-agnostic: it
// never inspects the message beyond the denormalized role column.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxpipe/voxpipe/pkg/history"
)

const ddlChatHistories = `
CREATE TABLE IF NOT EXISTS chat_histories (
    id             BIGSERIAL    PRIMARY KEY,
    context_id     TEXT         NOT NULL,
    role           TEXT         NOT NULL DEFAULT '',
    context_schema TEXT         NOT NULL DEFAULT '',
    message        JSONB        NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_histories_context_created
    ON chat_histories (context_id, created_at);
`

// Store implements history.Store backed by PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	pool           *pgxpool.Pool
	contextTimeout time.Duration
}

// Option is a functional option for Store.
type Option func(*Store)

// WithContextTimeout overrides the record expiry window. Zero or negative
// disables expiry.
func WithContextTimeout(d time.Duration) Option {
	return func(s *Store) { s.contextTimeout = d }
}

// NewStore creates a Store, establishes a connection pool to the database at
// dsn, and ensures the chat_histories table exists. The migration is
// idempotent.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlChatHistories); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	s := &Store{
		pool:           pool,
		contextTimeout: history.DefaultContextTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// GetHistories implements [history.Store]. It returns the newest limit
// records inside the context timeout window, reordered oldest first.
func (s *Store) GetHistories(ctx context.Context, contextID string, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = history.DefaultLimit
	}

	const q = `
		SELECT role, message, created_at
		FROM   (
		    SELECT id, role, message, created_at
		    FROM   chat_histories
		    WHERE  context_id = $1
		      AND  created_at >= now() - ($2::bigint * interval '1 microsecond')
		    ORDER  BY created_at DESC, id DESC
		    LIMIT  $3
		) newest
		ORDER BY created_at, id`

	window := s.contextTimeout
	if window <= 0 {
		// Effectively unbounded.
		window = 100 * 365 * 24 * time.Hour
	}

	rows, err := s.pool.Query(ctx, q, contextID, window.Microseconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("history store: get histories: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Record, error) {
		var r history.Record
		if err := row.Scan(&r.Role, &r.Data, &r.CreatedAt); err != nil {
			return history.Record{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	return records, nil
}

// AddHistories implements [history.Store]. Records with a zero CreatedAt are
// stamped with the current time. The batch is written in a single round trip.
func (s *Store) AddHistories(ctx context.Context, contextID string, records []history.Record, schema string) error {
	if len(records) == 0 {
		return nil
	}

	const q = `
		INSERT INTO chat_histories (context_id, role, context_schema, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		batch.Queue(q, contextID, r.Role, schema, r.Data, createdAt)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("history store: add histories: %w", err)
	}
	return nil
}

// DeleteContext removes all records for contextID.
func (s *Store) DeleteContext(ctx context.Context, contextID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_histories WHERE context_id = $1`, contextID); err != nil {
		return fmt.Errorf("history store: delete context: %w", err)
	}
	return nil
}

// Ping verifies database connectivity. Suitable as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Compile-time assertion that Store satisfies history.Store.
var _ history.Store = (*Store)(nil)
