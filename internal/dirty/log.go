// Package dirty implements the dirty-page tracker (C2): an O(1) test/set/
// clear per-page bitmap, one bitset per RAM block, plus a sync hook that
// folds in external (hypervisor-side) dirty information.
package dirty

import (
	"sync"

	"github.com/bobuhiro11/ramigrate/internal/page"
)

// SyncSource supplies additional dirty bits discovered outside the
// migration core's own Mark calls — the analogue of KVM's
// GetAndClearDirtyBitmap in a real hypervisor backend. It is an optional
// external collaborator: a nil SyncSource makes Sync a no-op.
type SyncSource interface {
	// DirtyBitmap returns numPages worth of dirty bits for blockID, packed
	// one bit per page in little-endian uint64 words, the same layout KVM's
	// GET_DIRTY_LOG ioctl produces.
	DirtyBitmap(blockID string, numPages uint64) []uint64
}

type bitset struct {
	words []uint64
}

func newBitset(numPages uint64) *bitset {
	return &bitset{words: make([]uint64, (numPages+63)/64)}
}

func (b *bitset) test(pageIdx uint64) bool {
	return b.words[pageIdx/64]&(1<<(pageIdx%64)) != 0
}

func (b *bitset) set(pageIdx uint64) {
	b.words[pageIdx/64] |= 1 << (pageIdx % 64)
}

func (b *bitset) clear(pageIdx uint64) {
	b.words[pageIdx/64] &^= 1 << (pageIdx % 64)
}

func (b *bitset) setAll(numPages uint64) {
	for i := range b.words {
		b.words[i] = ^uint64(0)
	}
	// Mask off any trailing bits beyond numPages in the last word.
	if rem := numPages % 64; rem != 0 {
		b.words[len(b.words)-1] = (1 << rem) - 1
	}
}

func (b *bitset) count() uint64 {
	var n uint64
	for _, w := range b.words {
		for w != 0 {
			n += w & 1
			w >>= 1
		}
	}

	return n
}

func (b *bitset) orWords(bits []uint64) {
	for i := 0; i < len(bits) && i < len(b.words); i++ {
		b.words[i] |= bits[i]
	}
}

// Log is a per-block set of per-page dirty bits.
type Log struct {
	mu       sync.Mutex
	blocks   map[string]*bitset
	numPages map[string]uint64
	enabled  bool
}

// New returns an empty dirty-page tracker.
func New() *Log {
	return &Log{
		blocks:   make(map[string]*bitset),
		numPages: make(map[string]uint64),
	}
}

// Register allocates a bitset for blockID sized for numPages pages. It must
// be called once per block before Mark/Test/Clear reference that block,
// normally as part of migration setup.
func (l *Log) Register(blockID string, numPages uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.blocks[blockID] = newBitset(numPages)
	l.numPages[blockID] = numPages
}

// MarkAll marks every page of blockID dirty, used by setup to seed the
// first pre-copy pass.
func (l *Log) MarkAll(blockID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.blocks[blockID]; ok {
		b.setAll(l.numPages[blockID])
	}
}

// Mark marks the pages covering [offset, offset+length) dirty. offset and
// length must be page-aligned.
func (l *Log) Mark(blockID string, offset, length uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.blocks[blockID]
	if !ok {
		return
	}

	for p := offset / page.Size; p < (offset+length)/page.Size; p++ {
		b.set(p)
	}
}

// Test reports whether any page covering [offset, offset+length) is dirty.
func (l *Log) Test(blockID string, offset, length uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.blocks[blockID]
	if !ok {
		return false
	}

	for p := offset / page.Size; p < (offset+length)/page.Size; p++ {
		if b.test(p) {
			return true
		}
	}

	return false
}

// Clear clears the pages covering [offset, offset+length). Idempotent.
func (l *Log) Clear(blockID string, offset, length uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.blocks[blockID]
	if !ok {
		return
	}

	for p := offset / page.Size; p < (offset+length)/page.Size; p++ {
		b.clear(p)
	}
}

// TestPage and ClearPage operate on a single page index instead of a byte
// range; the migration driver's cursor walks pages one at a time and this
// avoids a multiply-then-divide round trip on every step.
func (l *Log) TestPage(blockID string, pageIdx uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.blocks[blockID]
	if !ok {
		return false
	}

	return b.test(pageIdx)
}

func (l *Log) ClearPage(blockID string, pageIdx uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.blocks[blockID]; ok {
		b.clear(pageIdx)
	}
}

// EnableLogging and DisableLogging track whether the tracker is actively
// recording writes; callers outside this package (e.g. a real hypervisor
// backend) consult this to decide whether to keep issuing Mark calls.
func (l *Log) EnableLogging() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = true
}

func (l *Log) DisableLogging() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = false
}

// Enabled reports whether logging is currently active.
func (l *Log) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.enabled
}

// Sync folds any hardware/hypervisor-side dirty information from src into
// the bitmap. It is idempotent within a single iteration: calling it twice
// in a row without an intervening write simply ORs the same bits again. A
// nil src makes Sync a no-op, since not every backend has one.
func (l *Log) Sync(src SyncSource) {
	if src == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, b := range l.blocks {
		bits := src.DirtyBitmap(id, l.numPages[id])
		b.orWords(bits)
	}
}

// Count returns the total number of dirty pages across all blocks.
func (l *Log) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n uint64
	for _, b := range l.blocks {
		n += b.count()
	}

	return n
}
