// Package ram implements the RAM-block registry (C1): an ordered set of
// named, fixed-size guest memory regions that the migration driver freezes
// into a deterministic send order at setup.
package ram

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateID is returned by Register when the id already exists.
var ErrDuplicateID = errors.New("ram: duplicate block id")

// ErrUnknownBlock is returned by LookupByID when the stream names a block
// the receiver does not have.
var ErrUnknownBlock = errors.New("ram: unknown block")

// Block is an immutable-after-register guest memory region. HostBase aliases
// emulator-owned host memory; the migration core reads and writes through it
// directly instead of copying.
type Block struct {
	ID          string
	HostBase    []byte
	Length      uint64
	GuestOffset uint64
}

// Registry is the ordered set of registered blocks. It is safe for
// concurrent Register calls, but Sort/IterateSorted are meant to be used
// single-threaded by the migration driver once setup begins.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*Block
	blocks []*Block
	sorted bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Block)}
}

// Register adds a new block. id must be unique and no more than 255 bytes,
// matching the one-byte length prefix used on the wire.
func (r *Registry) Register(id string, hostBase []byte, length uint64) (*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(id) > 255 {
		return nil, fmt.Errorf("ram: id %q exceeds 255 bytes", id)
	}

	if _, ok := r.byID[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	var guestOffset uint64
	for _, b := range r.blocks {
		guestOffset += b.Length
	}

	b := &Block{ID: id, HostBase: hostBase, Length: length, GuestOffset: guestOffset}
	r.byID[id] = b
	r.blocks = append(r.blocks, b)
	r.sorted = false

	return b, nil
}

// Sort freezes the migration order as a stable lexicographic sort by id.
// It is meant to be called exactly once per migration, from setup; calling
// it again is harmless since the sort is deterministic, but the driver
// never relies on that.
func (r *Registry) Sort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	sort.SliceStable(r.blocks, func(i, j int) bool {
		return r.blocks[i].ID < r.blocks[j].ID
	})
	r.sorted = true
}

// IterateSorted returns the blocks in migration order. The caller must have
// called Sort at least once; the slice returned is a copy so callers may
// hold onto it across the whole migration without racing new registrations.
func (r *Registry) IterateSorted() []Block {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Block, len(r.blocks))
	for i, b := range r.blocks {
		out[i] = *b
	}

	return out
}

// LookupByID finds a block by id, failing with ErrUnknownBlock if it is not
// registered. Used on the receive side to validate the incoming manifest and
// to resolve continuation records back to their block.
func (r *Registry) LookupByID(id string) (*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlock, id)
	}

	return b, nil
}

// TotalBytes returns the sum of every registered block's length.
func (r *Registry) TotalBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total uint64
	for _, b := range r.blocks {
		total += b.Length
	}

	return total
}
