//go:build linux

// Package process implements a local process-creation sensor. On Linux it
// subscribes to NETLINK_CONNECTOR PROC_EVENT_EXEC notifications; other
// platforms fall back to an inert stub that emits no events.
package process

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/edrcore/core/internal/event"
)

// Netlink connector kernel ABI constants from <linux/netlink.h> and
// <linux/connector.h>. Never change.
const (
	netlinkConnector = 11

	cnIdxProc uint32 = 1
	cnValProc uint32 = 1

	procCNMcastListen uint32 = 1
	procCNMcastIgnore uint32 = 2

	procEventExec uint32 = 0x00000002
)

const (
	cnMsgSize       = 20
	procEvtHdrSize  = 16
	execInfoSize    = 8
	nlMsgHdrSize    = 16
	minProcEventLen = cnMsgSize + procEvtHdrSize + execInfoSize
)

// Sensor subscribes to kernel exec notifications via NETLINK_CONNECTOR.
// Opening the socket requires CAP_NET_ADMIN or uid 0.
type Sensor struct {
	logger *slog.Logger
	guid   string

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	events chan event.Envelope
}

// New creates a process Sensor.
func New(logger *slog.Logger) *Sensor {
	return &Sensor{logger: logger, guid: uuid.New().String(), events: make(chan event.Envelope, 256)}
}

func (s *Sensor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkConnector)
	if err != nil {
		return fmt.Errorf("process sensor: open NETLINK_CONNECTOR socket: %w (requires CAP_NET_ADMIN)", err)
	}

	sa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: uint32(os.Getpid())}
	if err := syscall.Bind(sock, sa); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("process sensor: bind NETLINK_CONNECTOR: %w", err)
	}
	if err := sendProcCNMsg(sock, procCNMcastListen); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("process sensor: subscribe to proc events: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.readLoop(ctx, sock)
	return nil
}

func (s *Sensor) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.cancel = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

func (s *Sensor) Events() <-chan event.Envelope { return s.events }

func (s *Sensor) readLoop(ctx context.Context, sock int) {
	defer s.wg.Done()
	defer func() { _ = syscall.Close(sock) }()

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	buf := make([]byte, 8*1024)

	for {
		select {
		case <-ctx.Done():
			_ = sendProcCNMsg(sock, procCNMcastIgnore)
			return
		default:
		}

		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("process sensor: recvfrom error", slog.Any("error", err))
			return
		}
		s.parseNetlinkMessages(buf[:n])
	}
}

func (s *Sensor) parseNetlinkMessages(buf []byte) {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		s.logger.Warn("process sensor: parse netlink message", slog.Any("error", err))
		return
	}
	for i := range msgs {
		s.handleNetlinkMessage(&msgs[i])
	}
}

func (s *Sensor) handleNetlinkMessage(msg *syscall.NetlinkMessage) {
	if msg.Header.Type == syscall.NLMSG_ERROR {
		return
	}
	data := msg.Data
	if len(data) < minProcEventLen {
		return
	}

	idx := binary.NativeEndian.Uint32(data[0:4])
	val := binary.NativeEndian.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return
	}

	payloadLen := int(binary.NativeEndian.Uint16(data[16:18]))
	payload := data[cnMsgSize:]
	if payloadLen > len(payload) {
		return
	}
	payload = payload[:payloadLen]
	if len(payload) < procEvtHdrSize+execInfoSize {
		return
	}

	what := binary.NativeEndian.Uint32(payload[0:4])
	if what != procEventExec {
		return
	}

	pid := binary.NativeEndian.Uint32(payload[procEvtHdrSize : procEvtHdrSize+4])
	ppid := readPPID(pid)
	exe, cmdline := readProcInfo(pid)
	s.emit(pid, ppid, exe, cmdline)
}

func readProcInfo(pid uint32) (exe, cmdline string) {
	if link, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		exe = link
	}
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		cmdline = strings.TrimRight(strings.ReplaceAll(string(b), "\x00", " "), " ")
	}
	return exe, cmdline
}

func readPPID(pid uint32) uint32 {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// Format: pid (comm) state ppid ...  — comm may itself contain spaces
	// and parens, so split on the last ')' rather than by field index.
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[i+2:])
	if len(fields) < 2 {
		return 0
	}
	var ppid uint32
	_, _ = fmt.Sscanf(fields[1], "%d", &ppid)
	return ppid
}

func (s *Sensor) emit(pid, ppid uint32, exe, cmdline string) {
	env := event.Envelope{
		TS:         time.Now().UnixNano(),
		SensorGUID: s.guid,
		Payload: event.ProcessEvent{
			PID:     pid,
			PPID:    ppid,
			Image:   exe,
			Cmdline: cmdline,
		},
	}
	select {
	case s.events <- env:
	default:
		s.logger.Warn("process sensor: event channel full, dropping", slog.Int("pid", int(pid)))
	}
}

// sendProcCNMsg builds and sends a NETLINK_CONNECTOR message instructing
// the kernel to start/stop delivering process events to sock.
func sendProcCNMsg(sock int, op uint32) error {
	const opSize = 4
	const totalSize = nlMsgHdrSize + cnMsgSize + opSize
	buf := make([]byte, totalSize)

	binary.NativeEndian.PutUint32(buf[0:4], uint32(totalSize))
	binary.NativeEndian.PutUint16(buf[4:6], syscall.NLMSG_DONE)
	binary.NativeEndian.PutUint16(buf[6:8], 0)
	binary.NativeEndian.PutUint32(buf[8:12], 0)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(os.Getpid()))

	off := nlMsgHdrSize
	binary.NativeEndian.PutUint32(buf[off+0:off+4], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[off+4:off+8], cnValProc)
	binary.NativeEndian.PutUint32(buf[off+8:off+12], 0)
	binary.NativeEndian.PutUint32(buf[off+12:off+16], 0)
	binary.NativeEndian.PutUint16(buf[off+16:off+18], opSize)
	binary.NativeEndian.PutUint16(buf[off+18:off+20], 0)

	off += cnMsgSize
	binary.NativeEndian.PutUint32(buf[off:off+4], op)

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: 0}
	return syscall.Sendto(sock, buf, 0, dst)
}
