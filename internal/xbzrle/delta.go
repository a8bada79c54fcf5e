package xbzrle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/ramigrate/internal/page"
)

// ErrDecodeOverflow is returned when decoding a delta would write past the
// end of the destination page. In the original source this is fatal and
// aborts the process; callers here should treat it the same way.
var ErrDecodeOverflow = errors.New("xbzrle: decoded length exceeds page size")

// EncodeDelta computes a zero-run/literal-run delta taking old to new and
// writes it into a buffer no larger than outCap.
//
// Return values mirror xbzrle_encode_buffer: 0 if old and new are
// byte-identical, -1 if the encoding would exceed outCap, otherwise the
// number of bytes in the returned slice.
func EncodeDelta(old, next *[page.Size]byte, outCap int) ([]byte, int) {
	out := make([]byte, 0, 64)
	i := 0

	var tmp [binary.MaxVarintLen64]byte

	for i < page.Size {
		zeroStart := i
		for i < page.Size && old[i] == next[i] {
			i++
		}

		zeros := i - zeroStart

		nonzeroStart := i
		for i < page.Size && old[i] != next[i] {
			i++
		}

		nonzeros := i - nonzeroStart

		// A trailing all-equal run (nonzeros == 0 at end of page) is elided.
		if nonzeros == 0 {
			break
		}

		n := binary.PutUvarint(tmp[:], uint64(zeros))
		out = append(out, tmp[:n]...)

		n = binary.PutUvarint(tmp[:], uint64(nonzeros))
		out = append(out, tmp[:n]...)

		out = append(out, next[nonzeroStart:nonzeroStart+nonzeros]...)

		if len(out) > outCap {
			return nil, -1
		}
	}

	if len(out) == 0 {
		return nil, 0
	}

	return out, len(out)
}

// DecodeDelta applies an encoded delta in place onto dst, which must
// already hold the "old" page content the delta was computed against.
// Bytes covered by a zero-run are left untouched (they are implicitly
// unchanged); bytes covered by a literal run are overwritten.
func DecodeDelta(dst *[page.Size]byte, encoded []byte) error {
	pos := 0
	off := 0

	for pos < len(encoded) {
		zeros, n := binary.Uvarint(encoded[pos:])
		if n <= 0 {
			return fmt.Errorf("xbzrle: malformed zeros varint at byte %d", pos)
		}

		pos += n
		off += int(zeros)

		if off > page.Size {
			return ErrDecodeOverflow
		}

		if pos >= len(encoded) {
			return fmt.Errorf("xbzrle: truncated delta after zeros run at byte %d", pos)
		}

		nonzeros, n2 := binary.Uvarint(encoded[pos:])
		if n2 <= 0 {
			return fmt.Errorf("xbzrle: malformed nonzeros varint at byte %d", pos)
		}

		pos += n2

		if off+int(nonzeros) > page.Size {
			return ErrDecodeOverflow
		}

		if pos+int(nonzeros) > len(encoded) {
			return fmt.Errorf("xbzrle: truncated literal run at byte %d", pos)
		}

		copy(dst[off:off+int(nonzeros)], encoded[pos:pos+int(nonzeros)])

		pos += int(nonzeros)
		off += int(nonzeros)
	}

	return nil
}
