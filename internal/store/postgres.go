package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edrcore/core/internal/event"
)

// PostgresReplica is an optional secondary backend that centralizes
// recent-events reads across multiple hosts' local SQLite stores. It is
// not required for any core invariant (the SQLite store is the system of
// record); enabling it (a non-nil Config.Postgres, set from the store.postgres
// config block) adds a batched, idempotent
// fan-out of the same envelopes the primary writer already persisted.
//
// Grounded on the teacher's Store.Flush: a mutex-guarded in-memory batch,
// flushed either when full or on a ticker, sent as one pgx.Batch round-trip
// with ON CONFLICT DO NOTHING so a crash-and-replay never double-counts.
type PostgresReplica struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []replicaRow
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

type replicaRow struct {
	sensorGUID string
	ts         int64
	kind       event.Kind
	payload    []byte
}

// NewPostgresReplica opens a pgxpool connection to connStr and starts the
// background flush goroutine. batchSize <= 0 defaults to 100, flushInterval
// <= 0 defaults to 100ms.
func NewPostgresReplica(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*PostgresReplica, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pool.Ping: %w", err)
	}

	r := &PostgresReplica{
		pool:          pool,
		batch:         make([]replicaRow, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go r.flushLoop(ctx)
	return r, nil
}

// Replicate buffers env for the next batched flush, flushing synchronously
// if the buffer is now full (so the caller observes backpressure rather
// than unbounded memory growth).
func (r *PostgresReplica) Replicate(ctx context.Context, env event.Envelope, encoded []byte) error {
	r.mu.Lock()
	r.batch = append(r.batch, replicaRow{sensorGUID: env.SensorGUID, ts: env.TS, kind: env.Kind(), payload: encoded})
	full := len(r.batch) >= r.batchSize
	r.mu.Unlock()

	if full {
		return r.Flush(ctx)
	}
	return nil
}

// Flush drains the current buffer and sends all rows to Postgres in a
// single pgx.Batch round-trip. Rows conflicting on (sensor_guid, ts, kind)
// are silently ignored, making replay after a crash idempotent.
func (r *PostgresReplica) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.batch) == 0 {
		r.mu.Unlock()
		return nil
	}
	toInsert := r.batch
	r.batch = make([]replicaRow, 0, r.batchSize)
	r.mu.Unlock()

	const query = `
		INSERT INTO event_envelope (sensor_guid, ts, kind, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sensor_guid, ts, kind) DO NOTHING`

	b := &pgx.Batch{}
	for _, row := range toInsert {
		b.Queue(query, row.sensorGUID, row.ts, int(row.kind), row.payload)
	}

	br := r.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: replica batch exec: %w", err)
		}
	}
	return nil
}

func (r *PostgresReplica) flushLoop(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			_ = r.Flush(ctx)
			return
		case <-ticker.C:
			_ = r.Flush(ctx)
		}
	}
}

// Close stops the flush goroutine, flushes any remaining buffered rows, and
// closes the connection pool. Safe to call more than once.
func (r *PostgresReplica) Close(ctx context.Context) {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
	r.pool.Close()
}
