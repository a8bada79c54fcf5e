package pagecodec

import (
	"github.com/bobuhiro11/ramigrate/internal/page"
	"github.com/bobuhiro11/ramigrate/internal/stream"
	"github.com/bobuhiro11/ramigrate/internal/xbzrle"
)

// OutcomeKind classifies what EncodePage actually did, so the driver can
// update its per-iteration accounting the way arch_init.c's acct_info
// fields are updated at each call site.
type OutcomeKind int

const (
	OutcomeZeroRun OutcomeKind = iota
	OutcomeRaw
	OutcomeXBZRLEPage
	OutcomeXBZRLECacheMiss
	OutcomeXBZRLEOverflow
	OutcomeSkipped
)

// Outcome reports what EncodePage did and how many payload bytes it wrote
// (not counting the header word or block-id preamble).
type Outcome struct {
	Kind  OutcomeKind
	Bytes int
}

func allSameByte(data []byte) (byte, bool) {
	if len(data) == 0 {
		return 0, false
	}

	b := data[0]
	for _, v := range data[1:] {
		if v != b {
			return 0, false
		}
	}

	return b, true
}

// EncodePage transforms one dirty guest page into one framed chunk on s,
// following the exact selection order of §4.5: zero-run, then XBZRLE
// (when enabled and the page is cached), then raw. blockOffset is the
// byte offset within the block (used for the wire header); guestAddr is
// the page's logical guest address (used as the XBZRLE cache key).
func EncodePage(
	s *stream.Stream,
	cache *xbzrle.Cache,
	xbzrleEnabled bool,
	t *ContTracker,
	blockID string,
	blockOffset uint64,
	guestAddr uint64,
	data []byte,
	lastStage bool,
) (Outcome, error) {
	if b, ok := allSameByte(data); ok {
		writeHeader(s, t, blockID, blockOffset, FlagZeroRun)
		s.PutU8(b)

		return Outcome{Kind: OutcomeZeroRun, Bytes: 1}, s.Err()
	}

	if xbzrleEnabled && cache.Probe(guestAddr) {
		old := cache.Get(guestAddr)

		var next [page.Size]byte
		copy(next[:], data)

		encoded, n := xbzrle.EncodeDelta(old, &next, page.Size)

		switch {
		case n == 0:
			// Pages are identical; emit nothing and leave the dirty bit
			// cleared (the caller must have cleared it before codec entry).
			return Outcome{Kind: OutcomeSkipped}, nil

		case n == -1:
			// Overflow: fall through to raw, refreshing the cached copy.
			copy(old[:], data)
			writeHeader(s, t, blockID, blockOffset, FlagRawPage)
			s.PutBytes(data)

			return Outcome{Kind: OutcomeXBZRLEOverflow, Bytes: page.Size}, s.Err()

		default:
			writeHeader(s, t, blockID, blockOffset, FlagXBZRLE)
			s.PutU8(xbzrleSubFlag)
			s.PutBE16(uint16(n))
			s.PutBytes(encoded)

			if !lastStage {
				// The cache is about to be discarded after the final flush,
				// so there is no point refreshing it.
				copy(old[:], data)
			}

			return Outcome{Kind: OutcomeXBZRLEPage, Bytes: n + 1 + 2}, s.Err()
		}
	}

	if xbzrleEnabled {
		cache.Insert(guestAddr, data)
		writeHeader(s, t, blockID, blockOffset, FlagRawPage)
		s.PutBytes(data)

		return Outcome{Kind: OutcomeXBZRLECacheMiss, Bytes: page.Size}, s.Err()
	}

	writeHeader(s, t, blockID, blockOffset, FlagRawPage)
	s.PutBytes(data)

	return Outcome{Kind: OutcomeRaw, Bytes: page.Size}, s.Err()
}
