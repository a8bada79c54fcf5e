// Package pagecodec implements the page codec (C5): the four page
// encodings (zero-run, raw, XBZRLE-delta, continuation) framed onto an
// internal/stream.Stream.
//
// Wire format, bit-exact:
//
//	Manifest header:    u64 BE = total_ram_bytes | FlagMemSize
//	Manifest per-block: u8 id_len | id_len bytes | u64 BE block_length
//	Manifest terminator: u64 BE = FlagEOS
//	Page header:        u64 BE = (offset & PageMask) | cont_flag | type_flag
//	Block-id preamble (only when cont_flag == 0): u8 id_len | id_len bytes
//	FlagZeroRun payload:  u8 value
//	FlagRawPage payload:  PageSize bytes
//	FlagXBZRLE payload:   u8 sub_flag=0x01 | u16 BE enc_len | enc_len bytes
//	Iteration terminator: u64 BE = FlagEOS
package pagecodec

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/ramigrate/internal/page"
	"github.com/bobuhiro11/ramigrate/internal/ram"
	"github.com/bobuhiro11/ramigrate/internal/stream"
)

// Flag bits OR-ed into page header words, matching RAM_SAVE_FLAG_* in the
// original source.
const (
	FlagZeroRun   uint64 = 0x02
	FlagMemSize   uint64 = 0x04
	FlagRawPage   uint64 = 0x08
	FlagEOS       uint64 = 0x10
	FlagContBlock uint64 = 0x20
	FlagXBZRLE    uint64 = 0x40
)

// xbzrleSubFlag is the single sub-flag byte ENCODING_FLAG_XBZRLE uses.
const xbzrleSubFlag = 0x01

// ErrInvalidStream covers every malformed-wire-data condition on load: a
// bad version, an unknown block id, or an XBZRLE sub-flag mismatch. A
// decoded length that overflows the page is a distinct, more severe
// condition; see xbzrle.ErrDecodeOverflow.
var ErrInvalidStream = errors.New("pagecodec: invalid stream")

// ContTracker remembers the last block id written or read in one stream
// direction, so repeated pages from the same block can omit the block-id
// preamble (FlagContBlock). The driver keeps one instance per direction
// (encode, decode) instead of a package-level global.
type ContTracker struct {
	last string
	have bool
}

// Cont reports whether id is a continuation of the last block seen.
func (t *ContTracker) Cont(id string) bool {
	return t.have && t.last == id
}

// Set records id as the last block seen.
func (t *ContTracker) Set(id string) {
	t.last = id
	t.have = true
}

// Reset forgets the last block seen, forcing the next write to carry a
// full preamble. Used at the start of each new setup/load.
func (t *ContTracker) Reset() {
	t.have = false
	t.last = ""
}

// writeHeader writes a page header word plus block-id preamble (if this is
// not a continuation of the tracker's last block) and advances the
// tracker.
func writeHeader(s *stream.Stream, t *ContTracker, blockID string, offset uint64, flag uint64) {
	cont := t.Cont(blockID)
	header := (offset & page.Mask) | flag

	if cont {
		header |= FlagContBlock
	}

	s.PutBE64(header)

	if !cont {
		s.PutU8(byte(len(blockID)))
		s.PutBytes([]byte(blockID))
	}

	t.Set(blockID)
}

// WriteManifest writes the setup manifest: the total-bytes header, one
// entry per block, then the EOS terminator.
func WriteManifest(s *stream.Stream, totalBytes uint64, blocks []ram.Block) error {
	s.PutBE64(totalBytes | FlagMemSize)

	for _, b := range blocks {
		s.PutU8(byte(len(b.ID)))
		s.PutBytes([]byte(b.ID))
		s.PutBE64(b.Length)
	}

	s.PutBE64(FlagEOS)

	return s.Err()
}

// WriteEOS writes an iteration/stream terminator.
func WriteEOS(s *stream.Stream) error {
	s.PutBE64(FlagEOS)

	return s.Err()
}

// BlockLookup resolves a block id to its registered Block, failing with
// ram.ErrUnknownBlock if the receiver does not have it.
type BlockLookup func(id string) (*ram.Block, error)

// ReadManifest validates the incoming manifest: every named block must
// exist with a matching length. Unknown blocks or a length mismatch are
// fatal (ErrInvalidStream).
func ReadManifest(s *stream.Stream, lookup BlockLookup) error {
	word := s.GetBE64()
	if word&FlagMemSize == 0 {
		return fmt.Errorf("%w: expected manifest header, got %#x", ErrInvalidStream, word)
	}

	remaining := word &^ FlagMemSize

	for remaining > 0 {
		idLen := int(s.GetU8())
		id := string(s.GetBytes(idLen))
		length := s.GetBE64()

		block, err := lookup(id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStream, err)
		}

		if block.Length != length {
			return fmt.Errorf("%w: block %q length mismatch: have %d, stream says %d",
				ErrInvalidStream, id, block.Length, length)
		}

		remaining -= length
	}

	term := s.GetBE64()
	if term != FlagEOS {
		return fmt.Errorf("%w: expected manifest terminator, got %#x", ErrInvalidStream, term)
	}

	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStream, err)
	}

	return nil
}
