//go:build linux

// Package file implements a local filesystem sensor. On Linux it watches
// paths via inotify; other platforms fall back to an mtime/size poller.
package file

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/edrcore/core/internal/event"
)

// inotifyMask is the set of events the sensor subscribes to on each target.
const inotifyMask uint32 = syscall.IN_MODIFY |
	syscall.IN_CLOSE_WRITE |
	syscall.IN_CREATE |
	syscall.IN_MOVED_TO |
	syscall.IN_DELETE |
	syscall.IN_MOVED_FROM

const inotifyEventHeaderSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

// Sensor watches a fixed set of paths via the Linux inotify subsystem and
// emits a FileEvent per observed create/write/delete/rename.
//
// inotify exposes neither the PID nor the SHA-256 of the triggering
// process/content; those fields are left at their zero value and may be
// enriched downstream by the scanner.
type Sensor struct {
	paths  []string
	logger *slog.Logger
	guid   string

	fd  int
	wds map[int32]string

	events   chan event.Envelope
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Sensor that watches paths once Start is called.
func New(paths []string, logger *slog.Logger) (*Sensor, error) {
	fd, err := syscall.InotifyInit1(syscall.IN_NONBLOCK | syscall.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("file sensor: inotify init: %w", err)
	}
	return &Sensor{
		paths:  paths,
		logger: logger,
		guid:   uuid.New().String(),
		fd:     fd,
		wds:    make(map[int32]string),
		events: make(chan event.Envelope, 256),
		done:   make(chan struct{}),
	}, nil
}

func (s *Sensor) Start(ctx context.Context) error {
	for _, p := range s.paths {
		wd, err := syscall.InotifyAddWatch(s.fd, p, inotifyMask)
		if err != nil {
			s.logger.Warn("file sensor: cannot add watch", slog.String("path", p), slog.Any("error", err))
			continue
		}
		s.wds[int32(wd)] = p
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Sensor) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		_ = syscall.Close(s.fd)
		close(s.events)
	})
	return nil
}

func (s *Sensor) Events() <-chan event.Envelope { return s.events }

func (s *Sensor) run() {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	pfd := []syscall.PollFd{{Fd: int32(s.fd), Events: syscall.POLLIN}}

	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := syscall.Poll(pfd, 100)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("file sensor: poll error", slog.Any("error", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := syscall.Read(s.fd, buf)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("file sensor: read error", slog.Any("error", err))
			return
		}
		if nr > 0 {
			s.parse(buf[:nr])
		}
	}
}

func (s *Sensor) parse(buf []byte) {
	for offset := 0; offset < len(buf); {
		if offset+inotifyEventHeaderSize > len(buf) {
			break
		}
		raw := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventHeaderSize

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			nameBytes := buf[offset:end]
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
			offset = end
		}

		base, ok := s.wds[raw.Wd]
		if !ok {
			continue
		}
		op, ok := maskToOp(raw.Mask)
		if !ok {
			continue
		}

		path := base
		if name != "" {
			path = filepath.Join(base, name)
		}
		s.emit(path, op)
	}
}

func maskToOp(mask uint32) (event.FileOp, bool) {
	switch {
	case mask&syscall.IN_CREATE != 0, mask&syscall.IN_MOVED_TO != 0:
		return event.FileOpCreate, true
	case mask&syscall.IN_CLOSE_WRITE != 0, mask&syscall.IN_MODIFY != 0:
		return event.FileOpWrite, true
	case mask&syscall.IN_DELETE != 0, mask&syscall.IN_MOVED_FROM != 0:
		return event.FileOpDelete, true
	default:
		return event.FileOpUnknown, false
	}
}

func (s *Sensor) emit(path string, op event.FileOp) {
	env := event.Envelope{
		TS:         time.Now().UnixNano(),
		SensorGUID: s.guid,
		Payload: event.FileEvent{
			Op:      op,
			Path:    path,
			Success: true,
		},
	}
	select {
	case s.events <- env:
	default:
		s.logger.Warn("file sensor: event channel full, dropping", slog.String("path", path))
	}
}
