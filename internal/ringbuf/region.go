package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Magic identifies a region as a valid ring transport mapping.
const Magic uint32 = 0x58444C47 // "GLDX" little-endian on disk

// Version is the wire layout version this build produces and accepts.
const Version uint32 = 1

// headerSize is the byte size of the fixed header, padded so the data area
// starts 64-byte aligned.
const headerSize = 64

// Header field byte offsets within the mapped region, little-endian.
const (
	offMagic       = 0
	offVersion     = 4
	offCapacity    = 8
	offHead        = 16
	offTail        = 24
	offProducerSeq = 32
	offDropped     = 40
)

var (
	// ErrMagicMismatch is returned by Attach when the region's magic word
	// does not match Magic.
	ErrMagicMismatch = errors.New("ringbuf: magic mismatch")
	// ErrVersionMismatch is returned by Attach when the region's version
	// word does not match Version.
	ErrVersionMismatch = errors.New("ringbuf: version mismatch")
	// ErrBadCapacity is returned when capacity is not a power of two, or
	// the mapped file is too small to hold header+capacity.
	ErrBadCapacity = errors.New("ringbuf: capacity must be a power of two and fit the mapping")
)

// Region is a memory-mapped ring transport region, header plus data area.
// Both Producer (test-only) and Consumer views operate on the same backing
// bytes; synchronization is via atomic loads/stores on the header words,
// never a lock, since the producer may live in a foreign address space.
type Region struct {
	data     []byte // full mapping: header + ring bytes
	capacity uint32
	mask     uint32
	file     *os.File
	ownsFile bool
}

// CreateRegion creates (or truncates) a file-backed region sized
// headerSize+capacity, initializes the header, and maps it. capacity must
// be a power of two. Used by tests and by a local producer harness; the
// real kernel driver/hook library create their own OS shared-memory object
// out-of-process.
func CreateRegion(path string, capacity uint32) (*Region, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, ErrBadCapacity
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: create region: %w", err)
	}
	size := int64(headerSize) + int64(capacity)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: truncate region: %w", err)
	}
	r, err := mapRegion(f, true, capacity)
	if err != nil {
		f.Close()
		return nil, err
	}
	binary.LittleEndian.PutUint32(r.data[offMagic:], Magic)
	binary.LittleEndian.PutUint32(r.data[offVersion:], Version)
	binary.LittleEndian.PutUint64(r.data[offCapacity:], uint64(capacity))
	return r, nil
}

// AttachRegion maps an existing region file for consumption, validating
// magic, version, and capacity as untrusted producer-controlled input per
// the consumer's obligation to never trust header fields blindly.
func AttachRegion(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: attach region: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: stat region: %w", err)
	}
	if fi.Size() < headerSize {
		f.Close()
		return nil, ErrBadCapacity
	}
	capacity := uint32(fi.Size() - headerSize)
	r, err := mapRegion(f, false, capacity)
	if err != nil {
		f.Close()
		return nil, err
	}

	magic := binary.LittleEndian.Uint32(r.data[offMagic:])
	if magic != Magic {
		r.Close()
		return nil, ErrMagicMismatch
	}
	version := binary.LittleEndian.Uint32(r.data[offVersion:])
	if version != Version {
		r.Close()
		return nil, ErrVersionMismatch
	}
	declaredCap := binary.LittleEndian.Uint64(r.data[offCapacity:])
	if declaredCap == 0 || declaredCap&(declaredCap-1) != 0 || declaredCap != uint64(capacity) {
		r.Close()
		return nil, ErrBadCapacity
	}
	return r, nil
}

func mapRegion(f *os.File, owns bool, capacity uint32) (*Region, error) {
	size := int(headerSize) + int(capacity)
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mmap: %w", err)
	}
	return &Region{data: data, capacity: capacity, mask: capacity - 1, file: f, ownsFile: owns}, nil
}

// Close unmaps the region and closes the backing file descriptor.
func (r *Region) Close() error {
	err := unix.Munmap(r.data)
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Sync flushes the mapping to its backing file (MS_SYNC). Producers and
// consumers communicate purely through the shared mapping; Sync exists for
// deterministic test teardown, not the hot path.
func (r *Region) Sync() error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

func (r *Region) ring() []byte { return r.data[headerSize:] }
