package migrate

import (
	"fmt"

	"github.com/bobuhiro11/ramigrate/internal/pagecodec"
	"github.com/bobuhiro11/ramigrate/internal/ram"
	"github.com/bobuhiro11/ramigrate/internal/stream"
)

// WireVersion is the version_id this codec speaks. Load rejects anything
// else instead of guessing at a compatible subset.
const WireVersion = 4

// ErrVersionMismatch is returned by Load when the sender's version_id does
// not match WireVersion. It wraps pagecodec.ErrInvalidStream.
var ErrVersionMismatch = fmt.Errorf("%w: unsupported version (want %d)", pagecodec.ErrInvalidStream, WireVersion)

// Loader drives the receive side: reading the manifest once, then
// replaying page records and iteration terminators until the sender's
// final EOS, applying every record directly onto the registry's backing
// memory.
type Loader struct {
	registry *ram.Registry
	tracker  pagecodec.ContTracker
}

// NewLoader returns a Loader that resolves incoming block ids against
// registry. The caller must have pre-registered every block the sender
// will name; Load fails on any unknown block.
func NewLoader(registry *ram.Registry) *Loader {
	return &Loader{registry: registry}
}

// LoadManifest reads the setup manifest, validating every named block
// against the registry.
func (l *Loader) LoadManifest(s *stream.Stream) error {
	l.tracker.Reset()

	return pagecodec.ReadManifest(s, l.registry.LookupByID)
}

// LoadRound reads one iteration's worth of page records, stopping at the
// first FlagEOS terminator. Call it once per Iterate/Complete round the
// sender performs.
func (l *Loader) LoadRound(s *stream.Stream) error {
	for {
		done, err := pagecodec.ReadRecord(s, l.registry.LookupByID, &l.tracker)
		if err != nil {
			return fmt.Errorf("migrate: load round: %w", err)
		}

		if done {
			return nil
		}
	}
}

// Load validates versionID against WireVersion, then reads the manifest
// and every iteration round up to and including the sender's final EOS.
// rounds is the number of LoadRound calls to make, agreed out of band
// with the sender: one per Iterate call plus one for the Complete flush.
func (l *Loader) Load(s *stream.Stream, versionID uint32, rounds int) error {
	if versionID != WireVersion {
		return fmt.Errorf("%w: got %d", ErrVersionMismatch, versionID)
	}

	if err := l.LoadManifest(s); err != nil {
		return err
	}

	for i := 0; i < rounds; i++ {
		if err := l.LoadRound(s); err != nil {
			return err
		}
	}

	return nil
}
