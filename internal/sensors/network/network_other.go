//go:build !linux

package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edrcore/core/internal/event"
)

// pollInterval bounds the fallback sensor's idle loop.
const pollInterval = time.Second

// Sensor is an inert placeholder on platforms with no /proc/net connection
// table; it satisfies sensors.Sensor but never emits events.
type Sensor struct {
	logger *slog.Logger

	events   chan event.Envelope
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a network Sensor.
func New(logger *slog.Logger) *Sensor {
	return &Sensor{logger: logger, events: make(chan event.Envelope, 256), done: make(chan struct{})}
}

func (s *Sensor) Start(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
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
