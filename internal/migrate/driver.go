package migrate

import (
	"errors"
	"fmt"
	"time"

	"github.com/bobuhiro11/ramigrate/internal/dirty"
	"github.com/bobuhiro11/ramigrate/internal/page"
	"github.com/bobuhiro11/ramigrate/internal/pagecodec"
	"github.com/bobuhiro11/ramigrate/internal/ram"
	"github.com/bobuhiro11/ramigrate/internal/stream"
	"github.com/bobuhiro11/ramigrate/internal/xbzrle"
)

// Phase is one state of the migration state machine (§4.6).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSetup
	PhaseIterate
	PhaseComplete
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSetup:
		return "setup"
	case PhaseIterate:
		return "iterate"
	case PhaseComplete:
		return "complete"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Accounting totals the per-migration counters the original exposes via
// dup_mig_*/norm_mig_*/xbzrle_mig_* accessor functions.
type Accounting struct {
	DupPages        uint64
	NormPages       uint64
	Iterations      uint64
	XBZRLEBytes     uint64
	XBZRLEPages     uint64
	XBZRLECacheMiss uint64
	XBZRLEOverflows uint64
}

type cursor struct {
	blockIdx   int
	pageOffset uint64
}

// Driver is the iterative migration state machine (C6). It owns the
// cursor, accounting counters, and XBZRLE cache; the registry and dirty
// log are shared, read-mostly collaborators it drives but does not own.
type Driver struct {
	cfg      Config
	registry *ram.Registry
	dirtyLog *dirty.Log
	sync     dirty.SyncSource
	stream   *stream.Stream

	phase  Phase
	blocks []ram.Block
	cur    cursor
	acct   Accounting

	bytesTransferred uint64

	cache      *xbzrle.Cache
	encTracker pagecodec.ContTracker
}

var (
	// ErrWrongPhase is returned when an operation is called from a phase
	// that doesn't allow it.
	ErrWrongPhase = errors.New("migrate: operation not valid in current phase")
)

// New builds a driver over the given registry, dirty tracker, and stream.
// sync may be nil if there is no hypervisor-side dirty source to fold in.
func New(registry *ram.Registry, dirtyLog *dirty.Log, sync dirty.SyncSource, s *stream.Stream, cfg Config) *Driver {
	return &Driver{
		cfg:      cfg.WithDefaults(),
		registry: registry,
		dirtyLog: dirtyLog,
		sync:     sync,
		stream:   s,
		phase:    PhaseIdle,
	}
}

// Phase reports the current state.
func (d *Driver) Phase() Phase { return d.phase }

// Accounting returns a snapshot of the accounting counters.
func (d *Driver) Accounting() Accounting { return d.acct }

// BytesTransferred returns the total payload bytes sent so far.
func (d *Driver) BytesTransferred() uint64 { return d.bytesTransferred }

// Setup freezes the block order, marks every page dirty, enables dirty
// logging, initializes the XBZRLE cache if configured, and writes the
// setup manifest.
func (d *Driver) Setup() error {
	if d.phase != PhaseIdle {
		return fmt.Errorf("%w: Setup from %s", ErrWrongPhase, d.phase)
	}

	d.phase = PhaseSetup

	d.acct = Accounting{}
	d.bytesTransferred = 0
	d.cur = cursor{}
	d.encTracker.Reset()

	d.registry.Sort()
	d.blocks = d.registry.IterateSorted()

	for _, b := range d.blocks {
		numPages := b.Length / page.Size
		d.dirtyLog.Register(b.ID, numPages)
		d.dirtyLog.MarkAll(b.ID)
	}

	d.dirtyLog.EnableLogging()

	if d.cfg.XBZRLEEnabled {
		capPages := int(d.cfg.XBZRLECacheBytes / page.Size)

		cache, err := xbzrle.NewCache(capPages)
		if err != nil {
			return d.failStream(fmt.Errorf("migrate: setup: %w", err))
		}

		d.cache = cache
	}

	if err := pagecodec.WriteManifest(d.stream, d.registry.TotalBytes(), d.blocks); err != nil {
		return d.failStream(fmt.Errorf("migrate: setup: write manifest: %w", err))
	}

	d.phase = PhaseIterate

	return nil
}

// totalPages is the number of pages across every registered block.
func (d *Driver) totalPages() uint64 {
	var n uint64
	for _, b := range d.blocks {
		n += b.Length / page.Size
	}

	return n
}

// advanceCursor moves the cursor forward by one page, wrapping from the
// tail block back to the head block. This is the "cyclic block list"
// design note turned into index arithmetic.
func (d *Driver) advanceCursor() {
	d.cur.pageOffset += page.Size

	if d.cur.pageOffset >= d.blocks[d.cur.blockIdx].Length {
		d.cur.pageOffset = 0
		d.cur.blockIdx = (d.cur.blockIdx + 1) % len(d.blocks)
	}
}

// encodeCurrentPage encodes the page under the cursor if it is dirty,
// clearing the dirty bit first. It reports whether it did any work.
func (d *Driver) encodeCurrentPage(lastStage bool) (bool, error) {
	block := d.blocks[d.cur.blockIdx]
	pageIdx := d.cur.pageOffset / page.Size

	if !d.dirtyLog.TestPage(block.ID, pageIdx) {
		return false, nil
	}

	d.dirtyLog.ClearPage(block.ID, pageIdx)

	data := block.HostBase[d.cur.pageOffset : d.cur.pageOffset+page.Size]
	guestAddr := block.GuestOffset + d.cur.pageOffset

	outcome, err := pagecodec.EncodePage(
		d.stream, d.cache, d.cfg.XBZRLEEnabled, &d.encTracker,
		block.ID, d.cur.pageOffset, guestAddr, data, lastStage,
	)
	if err != nil {
		return false, fmt.Errorf("migrate: encode page %s+%#x: %w", block.ID, d.cur.pageOffset, err)
	}

	d.bytesTransferred += uint64(outcome.Bytes)

	switch outcome.Kind {
	case pagecodec.OutcomeZeroRun:
		d.acct.DupPages++
	case pagecodec.OutcomeRaw, pagecodec.OutcomeXBZRLECacheMiss:
		d.acct.NormPages++

		if outcome.Kind == pagecodec.OutcomeXBZRLECacheMiss {
			d.acct.XBZRLECacheMiss++
		}
	case pagecodec.OutcomeXBZRLEOverflow:
		d.acct.NormPages++
		d.acct.XBZRLEOverflows++
	case pagecodec.OutcomeXBZRLEPage:
		d.acct.XBZRLEPages++
		d.acct.XBZRLEBytes += uint64(outcome.Bytes)
	case pagecodec.OutcomeSkipped:
		// Nothing sent; the page is already correct on the receiver.
	}

	return true, nil
}

// failStream transitions to Cancelled and runs the same cleanup Cancel
// does, matching the StreamIo error kind's documented recovery path.
func (d *Driver) failStream(err error) error {
	d.dirtyLog.DisableLogging()

	if d.cache != nil {
		d.cache.Close()
	}

	d.phase = PhaseCancelled

	return err
}

func computeBandwidth(bytes uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 1e-6
	}

	bw := float64(bytes) / elapsed.Seconds()
	if bw <= 0 {
		return 1e-6
	}

	return bw
}

// Iterate runs one bounded pass of the pre-copy loop: scan dirty pages
// until the rate limiter blocks or a wall-clock budget expires, then
// decide whether the next call should be Complete.
func (d *Driver) Iterate() (readyForComplete bool, err error) {
	if d.phase != PhaseIterate {
		return false, fmt.Errorf("%w: Iterate from %s", ErrWrongPhase, d.phase)
	}

	start := time.Now()
	bytesBefore := d.bytesTransferred
	total := d.totalPages()

	steps := 0
	idleStreak := uint64(0)

	for !d.stream.RateLimited() {
		did, encErr := d.encodeCurrentPage(false)
		if encErr != nil {
			return false, d.failStream(encErr)
		}

		if did {
			d.acct.Iterations++
			idleStreak = 0
		} else {
			idleStreak++
		}

		d.advanceCursor()

		if idleStreak >= total {
			// A full lap produced no work: nothing left to send this round.
			break
		}

		steps++
		if steps&63 == 0 && time.Since(start) > time.Duration(d.cfg.MaxWaitMS)*time.Millisecond {
			break
		}
	}

	if err := pagecodec.WriteEOS(d.stream); err != nil {
		return false, d.failStream(fmt.Errorf("migrate: iterate: %w", err))
	}

	bw := computeBandwidth(d.bytesTransferred-bytesBefore, time.Since(start))
	dirtyPages := d.dirtyLog.Count()
	expectedSeconds := float64(dirtyPages) * float64(page.Size) / bw

	if expectedSeconds > d.cfg.MaxDowntime.Seconds() {
		return false, nil
	}

	d.dirtyLog.Sync(d.sync)
	dirtyPages = d.dirtyLog.Count()
	expectedSeconds = float64(dirtyPages) * float64(page.Size) / bw

	return expectedSeconds <= d.cfg.MaxDowntime.Seconds(), nil
}

// Complete performs the final stop-the-world flush: one more sync, then
// every remaining dirty page regardless of rate limiting.
func (d *Driver) Complete() error {
	if d.phase != PhaseIterate {
		return fmt.Errorf("%w: Complete from %s", ErrWrongPhase, d.phase)
	}

	d.phase = PhaseComplete

	d.dirtyLog.Sync(d.sync)

	total := d.totalPages()
	idleStreak := uint64(0)

	for idleStreak < total {
		did, err := d.encodeCurrentPage(true)
		if err != nil {
			return d.failStream(err)
		}

		if did {
			idleStreak = 0
		} else {
			idleStreak++
		}

		d.advanceCursor()
	}

	if err := pagecodec.WriteEOS(d.stream); err != nil {
		return d.failStream(fmt.Errorf("migrate: complete: %w", err))
	}

	d.dirtyLog.DisableLogging()

	if d.cache != nil {
		d.cache.Close()
	}

	d.phase = PhaseIdle

	return nil
}

// Cancel performs Complete's cleanup tail without a final flush. It is
// idempotent and safe to call from any phase, including Idle.
func (d *Driver) Cancel() {
	if d.phase == PhaseIdle {
		return
	}

	d.dirtyLog.DisableLogging()

	if d.cache != nil {
		d.cache.Close()
	}

	d.phase = PhaseIdle
}
