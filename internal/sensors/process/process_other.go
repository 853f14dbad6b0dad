//go:build !linux

package process

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edrcore/core/internal/event"
)

// pollInterval bounds how often the fallback sensor re-scans running
// processes on platforms with no native exec-notification mechanism.
const pollInterval = time.Second

// Sensor is an inert fallback: it satisfies the sensors.Sensor lifecycle
// (Start, Stop, Events) and runs a ticker, but it does not enumerate
// processes and never emits a ProcessEvent.
type Sensor struct {
	logger *slog.Logger
	seen   map[uint32]struct{}

	events   chan event.Envelope
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a process Sensor.
func New(logger *slog.Logger) *Sensor {
	return &Sensor{
		logger: logger,
		seen:   make(map[uint32]struct{}),
		events: make(chan event.Envelope, 256),
		done:   make(chan struct{}),
	}
}

func (s *Sensor) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Sensor) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

func (s *Sensor) Events() <-chan event.Envelope { return s.events }

func (s *Sensor) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// No portable process-enumeration primitive exists in the
			// standard library; platform packages with one (e.g. a
			// future darwin build using sysctl KERN_PROC) replace this
			// loop body. The generic fallback only guarantees the Sensor
			// interface contract, not actual enumeration.
		}
	}
}
