// Package postgres provides a PostgreSQL-backed metrics.Recorder.
//
// Records are queued in memory and written by a single background worker so
// the pipeline's hot path never waits on the database. A full queue drops
// the record rather than blocking.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxpipe/voxpipe/pkg/metrics"
	"github.com/voxpipe/voxpipe/pkg/sts"
)

const defaultQueueSize = 256

const ddlPerformanceRecords = `
CREATE TABLE IF NOT EXISTS performance_records (
    id                         BIGSERIAL    PRIMARY KEY,
    transaction_id             TEXT         NOT NULL,
    context_id                 TEXT         NOT NULL,
    user_id                    TEXT         NOT NULL DEFAULT '',
    voice_length               FLOAT8       NOT NULL DEFAULT 0,
    stt_time                   FLOAT8       NOT NULL DEFAULT 0,
    stop_response_time         FLOAT8       NOT NULL DEFAULT 0,
    llm_first_chunk_time       FLOAT8       NOT NULL DEFAULT 0,
    llm_first_voice_chunk_time FLOAT8       NOT NULL DEFAULT 0,
    llm_time                   FLOAT8       NOT NULL DEFAULT 0,
    tts_first_chunk_time       FLOAT8       NOT NULL DEFAULT 0,
    tts_time                   FLOAT8       NOT NULL DEFAULT 0,
    total_time                 FLOAT8       NOT NULL DEFAULT 0,
    stt_name                   TEXT         NOT NULL DEFAULT '',
    llm_name                   TEXT         NOT NULL DEFAULT '',
    tts_name                   TEXT         NOT NULL DEFAULT '',
    request_text               TEXT         NOT NULL DEFAULT '',
    response_text              TEXT         NOT NULL DEFAULT '',
    response_voice_text        TEXT         NOT NULL DEFAULT '',
    request_files              TEXT         NOT NULL DEFAULT '',
    created_at                 TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_performance_records_context_created
    ON performance_records (context_id, created_at);
`

// Recorder implements metrics.Recorder backed by PostgreSQL.
type Recorder struct {
	pool   *pgxpool.Pool
	queue  chan sts.PerformanceRecord
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option is a functional option for Recorder.
type Option func(*Recorder)

// WithQueueSize overrides the in-memory queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan sts.PerformanceRecord, n)
		}
	}
}

// WithLogger overrides the logger used for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder creates a Recorder, establishes a connection pool to the
// database at dsn, ensures the performance_records table exists, and starts
// the background writer.
func NewRecorder(ctx context.Context, dsn string, opts ...Option) (*Recorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("metrics recorder: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metrics recorder: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlPerformanceRecords); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metrics recorder: migrate: %w", err)
	}

	r := &Recorder{
		pool:   pool,
		queue:  make(chan sts.PerformanceRecord, defaultQueueSize),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	r.wg.Add(1)
	go r.worker()
	return r, nil
}

// Record implements [Recorder]. A full queue drops the record with a warning
// rather than blocking the turn.
func (r *Recorder) Record(rec sts.PerformanceRecord) {
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("performance record queue full, dropping record",
			"transaction_id", rec.TransactionID)
	}
}

// Close stops the worker after draining the queue and closes the pool.
// Safe to call more than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.pool.Close()
	})
}

// worker drains the queue until Close. On shutdown it flushes whatever is
// still queued.
func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec sts.PerformanceRecord) {
	const q = `
		INSERT INTO performance_records
		    (transaction_id, context_id, user_id, voice_length,
		     stt_time, stop_response_time, llm_first_chunk_time,
		     llm_first_voice_chunk_time, llm_time, tts_first_chunk_time,
		     tts_time, total_time, stt_name, llm_name, tts_name,
		     request_text, response_text, response_voice_text, request_files)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, q,
		rec.TransactionID,
		rec.ContextID,
		rec.UserID,
		rec.VoiceLength,
		rec.STTTime,
		rec.StopResponseTime,
		rec.LLMFirstChunkTime,
		rec.LLMFirstVoiceChunkTime,
		rec.LLMTime,
		rec.TTSFirstChunkTime,
		rec.TTSTime,
		rec.TotalTime,
		rec.STTName,
		rec.LLMName,
		rec.TTSName,
		rec.RequestText,
		rec.ResponseText,
		rec.ResponseVoiceText,
		rec.RequestFiles,
	)
	if err != nil {
		r.logger.Error("performance record write failed",
			"transaction_id", rec.TransactionID, "err", err)
	}
}

// Compile-time assertion that Recorder satisfies metrics.Recorder.
var _ metrics.Recorder = (*Recorder)(nil)
