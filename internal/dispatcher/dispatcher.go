// Package dispatcher implements the single-reader, multi-writer fan-out
// between the decoded event stream and its two mandatory sinks (the event
// store, always; the scanner, conditionally) plus an optional sampled
// metrics tap. Every sink is fed non-blockingly: a full downstream queue
// becomes a counted drop, never a stall that could propagate back toward
// the ring.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/edrcore/core/internal/event"
)

// DefaultScanMaxSize is SCAN_MAX_SIZE: a FileEvent larger than this is never
// queued for scanning.
const DefaultScanMaxSize = 64 * 1024 * 1024

// DefaultDrainTimeout is the conventional timeout to pass to Drain, which
// waits at most that long for in-flight envelopes to finish fanning out.
const DefaultDrainTimeout = 5 * time.Second

// EventStore is the store-side sink. TryInsert must never block; a full
// submission queue is reported back as an error so the dispatcher can count
// it as a drop rather than stall.
type EventStore interface {
	TryInsert(event.Envelope) error
}

// ScanJob is a file-scan request submitted to the scanner orchestrator.
type ScanJob struct {
	Path          string
	OriginEventID int64
}

// ScanQueue is the scanner-side sink. Submit must never block; it returns
// false if the job could not be queued (queue full or scanner stopped).
type ScanQueue interface {
	Submit(ScanJob) bool
}

// Counters receives fan-out telemetry. Implemented by the control plane;
// kept as a small interface here so this package never imports control.
type Counters interface {
	IncEventsIn()
	IncEventsOut()
	IncDropped()
}

type noopCounters struct{}

func (noopCounters) IncEventsIn()  {}
func (noopCounters) IncEventsOut() {}
func (noopCounters) IncDropped()   {}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithScanMaxSize overrides DefaultScanMaxSize.
func WithScanMaxSize(n uint64) Option {
	return func(d *Dispatcher) { d.scanMaxSize = n }
}

// WithMetricsSampleRate forwards every Nth dispatched envelope to tap. A
// rate of 0 disables the tap entirely (the default).
func WithMetricsSampleRate(n int, tap func(event.Envelope)) Option {
	return func(d *Dispatcher) { d.sampleRate, d.tap = n, tap }
}

// WithCounters overrides the no-op default Counters.
func WithCounters(c Counters) Option {
	return func(d *Dispatcher) { d.counters = c }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher is the single reader draining In and fanning each envelope out
// to its store and (conditionally) scanner sinks.
type Dispatcher struct {
	store EventStore
	scan  ScanQueue

	scanMaxSize uint64
	sampleRate  int
	tap         func(event.Envelope)
	counters    Counters
	log         *slog.Logger

	seen uint64 // sample counter, single-reader so no atomics needed
	done chan struct{}
}

// New constructs a Dispatcher. store must not be nil; scan may be nil if
// the scanner orchestrator is disabled, in which case file events are
// simply never queued for scanning.
func New(store EventStore, scan ScanQueue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		scan:        scan,
		scanMaxSize: DefaultScanMaxSize,
		counters:    noopCounters{},
		log:         slog.Default(),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run reads from in until it is closed or ctx is canceled, fanning every
// envelope out to the store and (conditionally) the scanner. It preserves
// per-sensor_guid ordering for free: in is a single channel drained by a
// single goroutine, so no envelope from the same stream can overtake
// another.
func (d *Dispatcher) Run(ctx context.Context, in <-chan event.Envelope) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			d.dispatch(env)
		}
	}
}

// Drain blocks until Run has returned (channel closed or context canceled)
// or timeout elapses, matching the DRAIN_TIMEOUT-bounded stop contract.
func (d *Dispatcher) Drain(timeout time.Duration) {
	select {
	case <-d.done:
	case <-time.After(timeout):
		d.log.Warn("dispatcher: drain timeout exceeded")
	}
}

func (d *Dispatcher) dispatch(env event.Envelope) {
	d.counters.IncEventsIn()

	if err := d.store.TryInsert(env); err != nil {
		d.log.Warn("dispatcher: store insert dropped", "kind", env.Kind(), "error", err)
		d.counters.IncDropped()
	} else {
		d.counters.IncEventsOut()
	}

	if d.scan != nil {
		if job, ok := scanJobFor(env, d.scanMaxSize); ok {
			if !d.scan.Submit(job) {
				d.log.Warn("dispatcher: scan queue full, dropping job", "path", job.Path)
				d.counters.IncDropped()
			}
		}
	}

	if d.sampleRate > 0 && d.tap != nil {
		d.seen++
		if d.seen%uint64(d.sampleRate) == 0 {
			d.tap(env)
		}
	}
}

// scanJobFor reports whether env is a FileEvent eligible for scanning:
// op ∈ {CREATE, WRITE, RENAME}, success, size ≤ maxSize.
func scanJobFor(env event.Envelope, maxSize uint64) (ScanJob, bool) {
	fe, ok := env.Payload.(event.FileEvent)
	if !ok || !fe.Success {
		return ScanJob{}, false
	}
	switch fe.Op {
	case event.FileOpCreate, event.FileOpWrite, event.FileOpRename:
	default:
		return ScanJob{}, false
	}
	if fe.Size > maxSize {
		return ScanJob{}, false
	}
	path := fe.Path
	if fe.Op == event.FileOpRename {
		path = fe.NewPath
	}
	return ScanJob{Path: path}, true
}
