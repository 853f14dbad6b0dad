// Package store is the durable, indexed, WAL-journaled local persistence
// layer: one writer goroutine serializes every mutation through a single
// SQLite connection (mirroring the teacher's sqlite_queue single-writer
// discipline), while reads use a separate pooled connection observing
// WAL-consistent snapshots.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edrcore/core/internal/event"
)

// ErrBackpressure is returned by TryInsert when the submission queue is
// full. The caller (dispatcher) must turn this into a dropped-counter
// increment, never a block, preserving the ring's lossy-by-design contract.
var ErrBackpressure = errors.New("store: backpressure, submission queue full")

// ErrDraining is returned by TryInsert once Stop has been called: no new
// rows are accepted during or after Draining.
var ErrDraining = errors.New("store: draining, not accepting new rows")

// ErrNewerSchema is returned by Open when the database's schema_version is
// newer than this build understands (fail-closed per spec).
var ErrNewerSchema = errors.New("store: schema_version is newer than this build supports")

// Config configures the store writer, queue, retention, and optional
// secondary backend.
type Config struct {
	Path             string
	QueueDepth       int
	BatchTimeout     time.Duration
	RetentionDefault time.Duration
	RetentionByTable map[string]time.Duration
	RetentionEvery   int           // sweep every N commits
	RetentionPeriod  time.Duration // or every T duration, whichever comes first
	Logger           *slog.Logger

	// Postgres, when non-nil, enables the optional secondary replica: every
	// committed batch is additionally replicated to Postgres, best-effort.
	Postgres *PostgresConfig
}

// PostgresConfig configures the optional PostgresReplica.
type PostgresConfig struct {
	ConnString    string
	BatchSize     int
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueDepth == 0 {
		c.QueueDepth = 4096
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 2 * time.Second
	}
	if c.RetentionDefault == 0 {
		c.RetentionDefault = 7 * 24 * time.Hour
	}
	if c.RetentionEvery == 0 {
		c.RetentionEvery = 10_000
	}
	if c.RetentionPeriod == 0 {
		c.RetentionPeriod = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c Config) retentionFor(table string) time.Duration {
	if d, ok := c.RetentionByTable[table]; ok {
		return d
	}
	return c.RetentionDefault
}

type writeJob struct {
	env   event.Envelope
	ready chan error
}

// Store owns the single writer connection, the bounded submission queue,
// and a pooled reader connection. The zero value is not usable; call Open.
type Store struct {
	cfg     Config
	writeDB *sql.DB
	readDB  *sql.DB

	queue    chan writeJob
	draining atomic.Bool
	stopped  chan struct{}
	quit     chan struct{}
	wg       sync.WaitGroup

	commits atomic.Uint64
	log     *slog.Logger

	replica *PostgresReplica
}

// Open creates (or opens) the database at cfg.Path, applies WAL pragmas,
// runs schema migration (create/migrate/fail-closed-on-newer), and starts
// the writer and retention goroutines. Callers must call Stop to drain and
// close cleanly.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	writeDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	writeDB.SetMaxOpenConns(1) // single-writer discipline, per teacher's queue

	if _, err := writeDB.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := writeDB.ExecContext(ctx, `PRAGMA synchronous = NORMAL`); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: set synchronous=NORMAL: %w", err)
	}
	if _, err := writeDB.ExecContext(ctx, `PRAGMA journal_size_limit = 52428800`); err != nil { // 50 MiB
		writeDB.Close()
		return nil, fmt.Errorf("store: set journal_size_limit: %w", err)
	}

	if err := migrate(ctx, writeDB); err != nil {
		writeDB.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: open reader pool: %w", err)
	}
	readDB.SetMaxOpenConns(4)

	s := &Store{
		cfg:     cfg,
		writeDB: writeDB,
		readDB:  readDB,
		queue:   make(chan writeJob, cfg.QueueDepth),
		stopped: make(chan struct{}),
		quit:    make(chan struct{}),
		log:     cfg.Logger,
	}

	if cfg.Postgres != nil {
		replica, err := NewPostgresReplica(ctx, cfg.Postgres.ConnString, cfg.Postgres.BatchSize, cfg.Postgres.FlushInterval)
		if err != nil {
			writeDB.Close()
			readDB.Close()
			return nil, fmt.Errorf("store: open postgres replica: %w", err)
		}
		s.replica = replica
	}

	s.wg.Add(2)
	go s.runWriter()
	go s.runRetention()

	return s, nil
}

// TryInsert enqueues env for asynchronous persistence. It never blocks: if
// the queue is full it returns ErrBackpressure, and once draining has
// begun it returns ErrDraining. The caller (dispatcher) converts either
// into a dropped-counter increment.
func (s *Store) TryInsert(env event.Envelope) error {
	if s.draining.Load() {
		return ErrDraining
	}
	select {
	case s.queue <- writeJob{env: env}:
		return nil
	default:
		return ErrBackpressure
	}
}

// InsertBatch persists envs synchronously inside a single transaction,
// bypassing the queue, and returns the assigned ids. The writer goroutine
// calls it once per drained batch, and tests call it to exercise the write
// contract directly. Partial failure rolls back the whole batch.
func (s *Store) InsertBatch(ctx context.Context, envs []event.Envelope) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ids := make([]int64, len(envs))
	for i, env := range envs {
		id, err := insertOne(ctx, tx, env)
		if err != nil {
			return nil, fmt.Errorf("store: insert batch: %w", err)
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit batch: %w", err)
	}
	s.commits.Add(1)

	if s.replica != nil {
		for _, env := range envs {
			encoded, err := event.Encode(env)
			if err != nil {
				s.log.Warn("store: replica encode failed, skipping row", "error", err)
				continue
			}
			if err := s.replica.Replicate(ctx, env, encoded); err != nil {
				s.log.Warn("store: replica insert failed", "error", err)
			}
		}
	}

	return ids, nil
}

// runWriter drains the submission queue, batching every job currently
// buffered (non-blocking drain after the first blocking receive) into one
// transaction per batch, matching the spec's "batch insertion runs inside
// a single transaction" contract without requiring the dispatcher to build
// batches itself.
func (s *Store) runWriter() {
	defer s.wg.Done()
	for job := range s.queue {
		batch := []writeJob{job}
	drainMore:
		for len(batch) < 256 {
			select {
			case j, ok := <-s.queue:
				if !ok {
					break drainMore
				}
				batch = append(batch, j)
			default:
				break drainMore
			}
		}

		envs := make([]event.Envelope, len(batch))
		for i, b := range batch {
			envs[i] = b.env
		}
		_, err := s.InsertBatch(context.Background(), envs)
		if err != nil {
			s.log.Warn("store: batch insert failed, dropping batch", "size", len(batch), "error", err)
		}
		for _, b := range batch {
			if b.ready != nil {
				b.ready <- err
			}
		}
	}
	close(s.stopped)
}

// Stop transitions the store into Draining: no new TryInsert calls are
// accepted, the queue is drained up to timeout, then the writer is closed
// and a final WAL checkpoint is issued.
func (s *Store) Stop(ctx context.Context, timeout time.Duration) error {
	s.draining.Store(true)
	close(s.quit)
	close(s.queue)

	select {
	case <-s.stopped:
	case <-time.After(timeout):
		s.log.Warn("store: drain timeout exceeded, closing anyway")
	case <-ctx.Done():
	}

	if _, err := s.writeDB.ExecContext(context.Background(), `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.log.Warn("store: final checkpoint failed", "error", err)
	}

	if s.replica != nil {
		s.replica.Close(context.Background())
	}

	var errs []error
	if err := s.writeDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Commits returns the number of committed write-batch transactions, used
// by the retention sweep's "every N-th commit" trigger.
func (s *Store) Commits() uint64 { return s.commits.Load() }
