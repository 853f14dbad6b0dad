//go:build linux

// Package network implements a local network-connection sensor. On Linux
// it polls /proc/net/{tcp,tcp6} and diffs the active connection table;
// other platforms fall back to an inert stub.
package network

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edrcore/core/internal/event"
)

// pollInterval bounds how often /proc/net/tcp{,6} is re-read.
const pollInterval = time.Second

type connTuple struct {
	proto         string
	srcIP         string
	srcPort       uint16
	dstIP         string
	dstPort       uint16
	inode         string
}

// Sensor polls the kernel's TCP connection tables via /proc/net/tcp and
// /proc/net/tcp6, emitting a NetworkEvent for every connection not seen on
// the previous poll. No PID attribution is performed: the socket inode is
// read but not resolved to a process, so PID and ExePath are left empty and
// Direction is DirUnknown.
type Sensor struct {
	logger *slog.Logger
	guid   string
	seen   map[connTuple]struct{}

	events   chan event.Envelope
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a network Sensor.
func New(logger *slog.Logger) *Sensor {
	return &Sensor{
		logger: logger,
		guid:   uuid.New().String(),
		seen:   make(map[connTuple]struct{}),
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
			s.poll()
		}
	}
}

func (s *Sensor) poll() {
	current := make(map[connTuple]struct{})
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		conns, err := readProcNetTCP(path)
		if err != nil {
			continue
		}
		for _, c := range conns {
			current[c] = struct{}{}
			if _, ok := s.seen[c]; !ok {
				s.emit(c)
			}
		}
	}
	s.seen = current
}

// readProcNetTCP parses a /proc/net/{tcp,tcp6} table into connection
// tuples, skipping the header line. Each data line's fields are
// whitespace-separated; local_address/rem_address are "HEXIP:HEXPORT".
func readProcNetTCP(path string) ([]connTuple, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []connTuple
	scanner := bufio.NewScanner(f)
	scanner.Scan() // discard header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		srcIP, srcPort, ok1 := parseHexAddr(fields[1])
		dstIP, dstPort, ok2 := parseHexAddr(fields[2])
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, connTuple{
			proto:   "tcp",
			srcIP:   srcIP,
			srcPort: srcPort,
			dstIP:   dstIP,
			dstPort: dstPort,
			inode:   fields[9],
		})
	}
	return out, scanner.Err()
}

// parseHexAddr decodes a "HEXIP:HEXPORT" field as found in /proc/net/tcp,
// handling both the 4-byte (IPv4) and 16-byte (IPv6) little-endian-word
// encodings the kernel uses.
func parseHexAddr(field string) (ip string, port uint16, ok bool) {
	parts := strings.Split(field, ":")
	if len(parts) != 2 {
		return "", 0, false
	}
	portN, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return "", 0, false
	}

	raw, err := hexToBytes(parts[0])
	if err != nil || (len(raw) != 4 && len(raw) != 16) {
		return "", 0, false
	}
	// The kernel stores each 32-bit word in host byte order; reverse each
	// 4-byte group to recover network byte order.
	addr := make([]byte, len(raw))
	for word := 0; word < len(raw); word += 4 {
		addr[word], addr[word+1], addr[word+2], addr[word+3] =
			raw[word+3], raw[word+2], raw[word+1], raw[word]
	}
	return net.IP(addr).String(), uint16(portN), true
}

func hexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var b uint64
		_, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b)
		if err != nil {
			return nil, err
		}
		out[i] = byte(b)
	}
	return out, nil
}

func (s *Sensor) emit(c connTuple) {
	env := event.Envelope{
		TS:         time.Now().UnixNano(),
		SensorGUID: s.guid,
		Payload: event.NetworkEvent{
			Direction: event.DirUnknown,
			Proto:     c.proto,
			SrcIP:     c.srcIP,
			SrcPort:   c.srcPort,
			DstIP:     c.dstIP,
			DstPort:   c.dstPort,
		},
	}
	select {
	case s.events <- env:
	default:
		s.logger.Warn("network sensor: event channel full, dropping",
			slog.String("dst", fmt.Sprintf("%s:%d", c.dstIP, c.dstPort)))
	}
}
