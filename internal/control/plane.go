// Package control is the lifecycle and observability surface: the phase
// state machine, the counters every other module feeds, the ordered
// shutdown sequence, and the local HTTP surface (health, metrics, ruleset
// introspection/reload).
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Phase is where the core is in its lifecycle.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Counters are the atomic telemetry fields every module increments.
// Implements internal/dispatcher.Counters (IncEventsIn/IncEventsOut/
// IncDropped) structurally — control never imports dispatcher, dispatcher
// never imports control, they meet only through this method set.
type Counters struct {
	EventsIn       atomic.Int64
	EventsOut      atomic.Int64
	Dropped        atomic.Int64
	Poisoned       atomic.Int64
	Resync         atomic.Int64
	ScansCompleted atomic.Int64
	RuleHits       atomic.Int64
}

func (c *Counters) IncEventsIn()  { c.EventsIn.Add(1) }
func (c *Counters) IncEventsOut() { c.EventsOut.Add(1) }
func (c *Counters) IncDropped()   { c.Dropped.Add(1) }
func (c *Counters) IncPoisoned()  { c.Poisoned.Add(1) }
func (c *Counters) IncResync()    { c.Resync.Add(1) }
func (c *Counters) IncScansCompleted(n int64) { c.ScansCompleted.Add(n) }
func (c *Counters) IncRuleHits(n int64)       { c.RuleHits.Add(n) }

// ShutdownHooks are the ordered steps of spec.md §4.H's shutdown sequence:
// stop accepting new ring frames, flush the dispatcher's in-flight fan-out,
// drain the store's write queue, checkpoint the WAL, then release the
// shared-memory mapping. Any nil hook is skipped.
type ShutdownHooks struct {
	StopRing        func(ctx context.Context) error
	FlushDispatcher func(ctx context.Context) error
	DrainStore      func(ctx context.Context) error
	CheckpointWAL   func(ctx context.Context) error
	ReleaseMapping  func(ctx context.Context) error
}

// Plane holds the process-wide phase and counters and drives the ordered
// shutdown sequence exactly once.
type Plane struct {
	mu       sync.Mutex
	phase    Phase
	counters *Counters
	hooks    ShutdownHooks
	log      *slog.Logger
}

// New constructs a Plane in PhaseInit.
func New(hooks ShutdownHooks, log *slog.Logger) *Plane {
	if log == nil {
		log = slog.Default()
	}
	return &Plane{phase: PhaseInit, counters: &Counters{}, hooks: hooks, log: log}
}

// Counters returns the shared counters struct. cmd/edrcore injects it into
// the dispatcher and increments Poisoned from its ring-decode loop; the
// scanner and the ring consumer are not wired to it.
func (p *Plane) Counters() *Counters { return p.counters }

// Phase returns the current lifecycle phase.
func (p *Plane) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// MarkRunning transitions Init -> Running. It is a no-op (not an error) if
// already running, since startup wiring may call it more than once.
func (p *Plane) MarkRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseInit {
		p.phase = PhaseRunning
	}
}

// Shutdown drives the ordered shutdown sequence exactly once, transitioning
// Running -> Draining -> Stopped. A second call is a no-op returning nil.
func (p *Plane) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.phase == PhaseStopped || p.phase == PhaseDraining {
		p.mu.Unlock()
		return nil
	}
	p.phase = PhaseDraining
	p.mu.Unlock()

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"stop_ring", p.hooks.StopRing},
		{"flush_dispatcher", p.hooks.FlushDispatcher},
		{"drain_store", p.hooks.DrainStore},
		{"checkpoint_wal", p.hooks.CheckpointWAL},
		{"release_mapping", p.hooks.ReleaseMapping},
	}

	var errs []error
	for _, s := range steps {
		if s.fn == nil {
			continue
		}
		if err := s.fn(ctx); err != nil {
			p.log.Warn("control: shutdown step failed", "step", s.name, "error", err)
			errs = append(errs, fmt.Errorf("control: %s: %w", s.name, err))
		}
	}

	p.mu.Lock()
	p.phase = PhaseStopped
	p.mu.Unlock()

	return errors.Join(errs...)
}
