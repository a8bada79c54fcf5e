package pagecodec

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/ramigrate/internal/page"
	"github.com/bobuhiro11/ramigrate/internal/ram"
	"github.com/bobuhiro11/ramigrate/internal/stream"
	"github.com/bobuhiro11/ramigrate/internal/xbzrle"
)

// ReadRecord reads and applies one page record (or the EOS terminator)
// from s, mirroring ram_load's per-record dispatch. It reports done=true
// when the FlagEOS terminator was read instead of a page record.
func ReadRecord(s *stream.Stream, lookup BlockLookup, t *ContTracker) (done bool, err error) {
	word := s.GetBE64()
	if err := s.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidStream, err)
	}

	if word == FlagEOS {
		return true, nil
	}

	cont := word&FlagContBlock != 0
	offset := word & page.Mask
	typeFlag := word &^ (page.Mask | FlagContBlock)

	var block *ram.Block

	if cont {
		if !t.have {
			return false, fmt.Errorf("%w: continuation flag with no prior block", ErrInvalidStream)
		}

		block, err = lookup(t.last)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidStream, err)
		}
	} else {
		idLen := int(s.GetU8())
		id := string(s.GetBytes(idLen))

		block, err = lookup(id)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidStream, err)
		}

		t.Set(id)
	}

	if offset+page.Size > block.Length {
		return false, fmt.Errorf("%w: offset %d exceeds block %q length %d",
			ErrInvalidStream, offset, block.ID, block.Length)
	}

	dst := block.HostBase[offset : offset+page.Size]

	switch typeFlag {
	case FlagZeroRun:
		v := s.GetU8()
		for i := range dst {
			dst[i] = v
		}

		if v == 0 {
			adviseDontNeed(dst)
		}

	case FlagRawPage:
		copy(dst, s.GetBytes(page.Size))

	case FlagXBZRLE:
		sub := s.GetU8()
		if sub != xbzrleSubFlag {
			return false, fmt.Errorf("%w: xbzrle sub-flag %#x", ErrInvalidStream, sub)
		}

		encLen := int(s.GetBE16())
		if encLen > page.Size {
			return false, fmt.Errorf("%w: xbzrle length %d exceeds page size", ErrInvalidStream, encLen)
		}

		encoded := s.GetBytes(encLen)

		var arr [page.Size]byte

		copy(arr[:], dst)

		if err := xbzrle.DecodeDelta(&arr, encoded); err != nil {
			if errors.Is(err, xbzrle.ErrDecodeOverflow) {
				return false, fmt.Errorf("pagecodec: %w", err)
			}

			return false, fmt.Errorf("%w: %v", ErrInvalidStream, err)
		}

		copy(dst, arr[:])

	default:
		return false, fmt.Errorf("%w: unknown type flag %#x", ErrInvalidStream, typeFlag)
	}

	if err := s.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidStream, err)
	}

	return false, nil
}
