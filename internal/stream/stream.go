// Package stream implements the rate-limited byte stream (C3): a
// big-endian, unframed wrapper around an io.Reader/io.Writer with a
// per-tick byte budget and a sticky error slot, in the same spirit as
// gokvm's migration.Sender/Receiver but with back-pressure added.
package stream

import (
	"encoding/binary"
	"io"
)

// Stream is the sink/source the migration core reads and writes through.
// Every Put/Get is big-endian. Errors are sticky: once the underlying
// transport fails, every subsequent call is a no-op and Err returns the
// first error seen.
type Stream struct {
	rw        io.ReadWriter
	rateLimit uint64 // bytes per tick; 0 means unlimited
	used      uint64 // bytes written since the last Tick
	err       error
}

// New wraps rw as a Stream with the given per-tick rate limit. A limit of 0
// disables rate limiting entirely (RateLimited always reports false).
func New(rw io.ReadWriter, rateLimitBytesPerTick uint64) *Stream {
	return &Stream{rw: rw, rateLimit: rateLimitBytesPerTick}
}

// Err returns the first transport error encountered, if any.
func (s *Stream) Err() error { return s.err }

// RateLimited reports whether the per-tick budget has been exhausted. A
// Put that would exceed the budget still completes; this only affects
// calls made afterward.
func (s *Stream) RateLimited() bool {
	return s.rateLimit > 0 && s.used >= s.rateLimit
}

// Tick replenishes the per-tick byte budget. The driver calls this once
// per scheduling round, tied to the transport's own send-completion timer.
func (s *Stream) Tick() { s.used = 0 }

func (s *Stream) write(b []byte) {
	if s.err != nil {
		return
	}

	if _, err := s.rw.Write(b); err != nil {
		s.err = err

		return
	}

	s.used += uint64(len(b))
}

func (s *Stream) read(b []byte) {
	if s.err != nil {
		return
	}

	if _, err := io.ReadFull(s.rw, b); err != nil {
		s.err = err
	}
}

// PutU8 writes a single byte.
func (s *Stream) PutU8(v byte) { s.write([]byte{v}) }

// PutBE16 writes a big-endian uint16.
func (s *Stream) PutBE16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	s.write(buf[:])
}

// PutBE64 writes a big-endian uint64.
func (s *Stream) PutBE64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	s.write(buf[:])
}

// PutBytes writes buf verbatim.
func (s *Stream) PutBytes(buf []byte) { s.write(buf) }

// GetU8 reads a single byte. On error or a prior sticky error it returns 0.
func (s *Stream) GetU8() byte {
	var buf [1]byte
	s.read(buf[:])

	return buf[0]
}

// GetBE16 reads a big-endian uint16.
func (s *Stream) GetBE16() uint16 {
	var buf [2]byte
	s.read(buf[:])

	return binary.BigEndian.Uint16(buf[:])
}

// GetBE64 reads a big-endian uint64.
func (s *Stream) GetBE64() uint64 {
	var buf [8]byte
	s.read(buf[:])

	return binary.BigEndian.Uint64(buf[:])
}

// GetBytes reads exactly n bytes.
func (s *Stream) GetBytes(n int) []byte {
	buf := make([]byte, n)
	s.read(buf)

	return buf
}
