// Package ringbuf implements the shared-memory transport between a foreign
// producer (kernel driver or hooked process) and this process: a
// single-producer/single-consumer lock-free byte ring plus the length-
// prefixed frame codec layered on top of it.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultMaxFrame is the default MAX_FRAME ceiling on a single frame's
// payload length, rejected at enqueue time by a well-behaved producer and
// treated as poison by the consumer if violated.
const DefaultMaxFrame = 64 * 1024

// ErrFrameTooLarge is returned by EncodeFrame when payload exceeds maxFrame.
var ErrFrameTooLarge = errors.New("ringbuf: frame exceeds max_frame")

// ErrFrameTruncated is returned by DecodeFrame when buf does not contain a
// complete length-prefixed frame.
var ErrFrameTruncated = errors.New("ringbuf: frame truncated")

// EncodeFrame prepends a little-endian u32 length word to payload. It
// rejects payloads larger than maxFrame so a misbehaving local producer
// (used in tests) cannot write a frame the consumer would have to poison.
func EncodeFrame(payload []byte, maxFrame uint32) ([]byte, error) {
	if uint32(len(payload)) > maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxFrame)
	}
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// DecodeFrame reads one length-prefixed frame from the head of buf, returning
// the payload slice (aliasing buf), the number of bytes consumed (4+length),
// and an error if buf does not hold a complete frame.
func DecodeFrame(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, ErrFrameTruncated
	}
	length := binary.LittleEndian.Uint32(buf[:4])
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, ErrFrameTruncated
	}
	return buf[4:total], total, nil
}
