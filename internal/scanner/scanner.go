// Package scanner is the file-scan orchestrator: a bounded job queue fed by
// the dispatcher, drained by a fixed worker pool that invokes the rule
// engine per file and re-injects every RuleHit as a ScanResult event.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/edrcore/core/internal/event"
)

// DefaultFileTimeout bounds how long a single file scan may run.
const DefaultFileTimeout = 10 * time.Second

// DefaultCoalesceTTL is how long a (path, size, mtime) triple suppresses a
// repeat scan.
const DefaultCoalesceTTL = 30 * time.Second

// RuleEngine is the Module F contract this orchestrator drives. Matches
// internal/rules.Engine's Scan signature without importing that package
// directly, keeping the dependency direction scanner -> rules explicit and
// the interface mockable in tests.
type RuleEngine interface {
	Scan(path string) ([]RuleHit, error)
}

// RuleHit mirrors internal/rules.RuleHit's shape; defined locally so this
// package does not need to import internal/rules for the type alone.
type RuleHit struct {
	RuleID   string
	Matches  []string
	Severity event.Severity
}

// Job is a file-scan request, matching internal/dispatcher.ScanJob.
type Job struct {
	Path          string
	OriginEventID int64
}

// ResultSink receives every ScanResult produced by a completed scan, for
// re-injection back into the dispatcher (Module E).
type ResultSink interface {
	Emit(event.Envelope)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithWorkers(n int) Option         { return func(o *Orchestrator) { o.workers = n } }
func WithFileTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.fileTimeout = d }
}
func WithCoalesceTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.coalesceTTL = d }
}
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// Orchestrator owns the bounded job queue and worker pool.
type Orchestrator struct {
	engine RuleEngine
	sink   ResultSink

	workers     int
	fileTimeout time.Duration
	coalesceTTL time.Duration
	log         *slog.Logger

	queue chan Job
	sem   *semaphore.Weighted
	cache *expirable.LRU[string, struct{}]

	cancel context.CancelFunc
	group  *errgroup.Group
}

// DefaultWorkers is max(2, cpus-1), the spec's worker-pool sizing rule.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 2 {
		n = 2
	}
	return n
}

// New constructs an Orchestrator with queueDepth pending job slots. Start
// must be called before Submit will deliver anything.
func New(engine RuleEngine, sink ResultSink, queueDepth int, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		sink:        sink,
		workers:     DefaultWorkers(),
		fileTimeout: DefaultFileTimeout,
		coalesceTTL: DefaultCoalesceTTL,
		log:         slog.Default(),
		queue:       make(chan Job, queueDepth),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sem = semaphore.NewWeighted(int64(o.workers))
	o.cache = expirable.NewLRU[string, struct{}](4096, nil, o.coalesceTTL)
	return o
}

// Submit enqueues job without blocking; it returns false if the queue is
// full or Stop has closed it. Matches internal/dispatcher.ScanQueue.
func (o *Orchestrator) Submit(job Job) (ok bool) {
	defer func() {
		// A send on the queue after Stop closed it panics; report that as
		// "not queued" instead.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case o.queue <- job:
		return true
	default:
		return false
	}
}

// Start launches the worker pool. Call Stop to drain and shut it down.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	o.group = group
	for i := 0; i < o.workers; i++ {
		group.Go(func() error {
			o.runWorker(gctx)
			return nil
		})
	}
}

// Stop signals workers to stop accepting new jobs and waits for in-flight
// scans to finish (or the job queue to drain), up to timeout.
func (o *Orchestrator) Stop(timeout time.Duration) {
	if o.cancel == nil {
		return
	}
	close(o.queue)
	done := make(chan struct{})
	go func() {
		o.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.cancel()
		<-done
	}
}

func (o *Orchestrator) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-o.queue:
			if !ok {
				return
			}
			o.process(ctx, job)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, job Job) {
	key := o.coalesceKey(job.Path)
	if key != "" {
		if _, ok := o.cache.Get(key); ok {
			return
		}
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	scanCtx, cancel := context.WithTimeout(ctx, o.fileTimeout)
	defer cancel()

	hits, err := o.scanWithTimeout(scanCtx, job.Path)
	if err != nil {
		o.log.Warn("scanner: scan failed", "path", job.Path, "error", err)
		return
	}
	if key != "" {
		o.cache.Add(key, struct{}{})
	}

	for _, h := range hits {
		o.sink.Emit(event.Envelope{
			TS: int64(0), SensorGUID: "",
			Payload: event.ScanResult{
				RuleID:        h.RuleID,
				FilePath:      job.Path,
				Matches:       h.Matches,
				Severity:      h.Severity,
				OriginEventID: job.OriginEventID,
			},
		})
	}
}

// scanWithTimeout runs engine.Scan on a goroutine so a scan that ignores
// context cancellation (the interface has no context parameter) cannot
// wedge the worker past fileTimeout; it returns ctx.Err() if the deadline
// fires first, abandoning (not killing) the goroutine.
func (o *Orchestrator) scanWithTimeout(ctx context.Context, path string) ([]RuleHit, error) {
	type result struct {
		hits []RuleHit
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		hits, err := o.engine.Scan(path)
		resCh <- result{hits, err}
	}()
	select {
	case r := <-resCh:
		return r.hits, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("scanner: scan of %s: %w", path, ctx.Err())
	}
}

// coalesceKey returns the (path, size, mtime) cache key for path, or "" if
// it could not be stat'd (the scan itself still proceeds; Engine.Scan
// tolerates an unopenable file).
func (o *Orchestrator) coalesceKey(path string) string {
	fi, err := statFile(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", path, fi.size, fi.mtimeUnixNano)
}
