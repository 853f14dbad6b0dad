//go:build !linux

package file

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edrcore/core/internal/event"
)

// pollInterval is how often the fallback sensor re-stats every watched path.
const pollInterval = 500 * time.Millisecond

type fileState struct {
	size    int64
	modTime time.Time
	exists  bool
}

// Sensor polls a fixed set of paths and detects changes by comparing size
// and modification time, for platforms with no native filesystem event API.
type Sensor struct {
	paths  []string
	logger *slog.Logger
	guid   string

	events   chan event.Envelope
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Sensor that polls paths once Start is called.
func New(paths []string, logger *slog.Logger) (*Sensor, error) {
	return &Sensor{
		paths:  paths,
		logger: logger,
		guid:   uuid.New().String(),
		events: make(chan event.Envelope, 256),
		done:   make(chan struct{}),
	}, nil
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

	states := make(map[string]fileState, len(s.paths))
	for _, p := range s.paths {
		states[p] = statState(p)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, p := range s.paths {
				prev := states[p]
				cur := statState(p)
				states[p] = cur

				switch {
				case prev.exists && !cur.exists:
					s.emit(p, event.FileOpDelete)
				case !prev.exists && cur.exists:
					s.emit(p, event.FileOpCreate)
				case cur.exists && (cur.size != prev.size || !cur.modTime.Equal(prev.modTime)):
					s.emit(p, event.FileOpWrite)
				}
			}
		}
	}
}

func statState(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{exists: false}
	}
	return fileState{size: info.Size(), modTime: info.ModTime(), exists: true}
}

func (s *Sensor) emit(path string, op event.FileOp) {
	env := event.Envelope{
		TS:         time.Now().UnixNano(),
		SensorGUID: s.guid,
		Payload:    event.FileEvent{Op: op, Path: path, Success: true},
	}
	select {
	case s.events <- env:
	default:
		s.logger.Warn("file sensor: event channel full, dropping", slog.String("path", path))
	}
}
