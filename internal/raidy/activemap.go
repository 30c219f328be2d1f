package raidy

import (
	"context"
	"fmt"
	"sync"

	"github.com/Anthya1104/raidy/internal/raidy/child"
	"github.com/sirupsen/logrus"
)

// extentState is the tagged structure spec.md §9 recommends: the
// "needs sync" signal is derived from persistedBit vs dirtyCount, never
// stored directly.
type extentState struct {
	persistedBit bool
	dirtyCount   int
}

func (e extentState) effectiveDirty() bool { return e.dirtyCount > 0 }
func (e extentState) needsSync() bool      { return e.effectiveDirty() != e.persistedBit }

// ActiveMap is the persistent, flushable bitmap of dirty row-extents
// described in spec.md §4.3: a bit per row-extent of E = extentRows
// consecutive rows, replicated byte-identical across every child.
type ActiveMap struct {
	mu sync.Mutex

	extentRows int64
	nextents   int64
	blockSize  int
	alignment  int

	extents []extentState
}

// Init constructs an ActiveMap sized from the total row count, per the
// activemap_init(nrows, extent_rows, block_size, alignment) contract
// preserved from the original source (spec.md §4.3, SPEC_FULL.md §10).
func Init(nrows, extentRows int64, blockSize, alignment int) (*ActiveMap, error) {
	if extentRows <= 0 {
		return nil, fmt.Errorf("raidy: %w: extentRows must be > 0", ErrConfigInvalid)
	}
	if blockSize <= 0 || alignment <= 0 {
		return nil, fmt.Errorf("raidy: %w: block size and alignment must be > 0", ErrConfigInvalid)
	}

	nextents := (nrows + extentRows - 1) / extentRows
	if nextents == 0 {
		nextents = 1
	}

	return &ActiveMap{
		extentRows: extentRows,
		nextents:   nextents,
		blockSize:  blockSize,
		alignment:  alignment,
		extents:    make([]extentState, nextents),
	}, nil
}

// OnDiskSize returns the bytes reserved per child for the activemap
// replica: one bit per extent, padded to alignment.
func (a *ActiveMap) OnDiskSize() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onDiskSizeLocked()
}

func (a *ActiveMap) onDiskSizeLocked() int64 {
	bytes := (a.nextents + 7) / 8
	if bytes == 0 {
		bytes = 1
	}
	rem := bytes % int64(a.alignment)
	if rem != 0 {
		bytes += int64(a.alignment) - rem
	}
	return bytes
}

// Bitmap returns a snapshot byte array of the *effective* (dirtyCount-
// derived) dirty bits, under the internal lock, suitable for writing
// verbatim to a child. It must read the effective state rather than
// persistedBit: persistedBit only catches up to the effective state
// once Flush records the write as committed (markAllPersisted), so
// reading persistedBit here would flush whatever
// was on disk before this round rather than what this flush is meant
// to commit — losing a just-dirtied extent across a crash.
func (a *ActiveMap) Bitmap() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := make([]byte, a.onDiskSizeLocked())
	for i, e := range a.extents {
		if e.effectiveDirty() {
			buf[i/8] |= 1 << uint(i%8)
		}
	}
	return buf
}

// Merge OR-merges a foreign on-disk bitmap into the in-memory persisted
// bits, used while opening to combine every child's copy (spec.md
// §3 Lifecycle).
func (a *ActiveMap) Merge(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.extents {
		if i/8 >= len(buf) {
			break
		}
		if buf[i/8]&(1<<uint(i%8)) != 0 {
			a.extents[i].persistedBit = true
		}
	}
}

func (a *ActiveMap) extentRange(rowStart, nrows int64) (first, last int64) {
	first = rowStart / a.extentRows
	last = (rowStart + nrows - 1) / a.extentRows
	return first, last
}

// WriteStart increments the dirty counter for every extent covered by
// [rowStart, rowStart+nrows) and reports whether any of them
// transitioned from clean to dirty, meaning a flush is required before
// any data write proceeds (spec.md §4.3/§4.2 Entry, §5 ordering
// guarantee: the flush happens-before the data write).
func (a *ActiveMap) WriteStart(rowStart, nrows int64) (needsSync bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first, last := a.extentRange(rowStart, nrows)
	for e := first; e <= last && e < a.nextents; e++ {
		ext := a.extents[e]
		wasDirty := ext.effectiveDirty()
		ext.dirtyCount++
		a.extents[e] = ext
		if !wasDirty && ext.effectiveDirty() && !ext.persistedBit {
			needsSync = true
		}
	}
	return needsSync
}

// WriteComplete decrements the dirty counter for every extent covered
// by [rowStart, rowStart+nrows) and reports whether any of them
// transitioned from dirty to clean (dirtyCount hits zero while still
// persisted dirty), meaning a flush should run before acknowledging
// completion to the caller.
func (a *ActiveMap) WriteComplete(rowStart, nrows int64) (needsSync bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first, last := a.extentRange(rowStart, nrows)
	for e := first; e <= last && e < a.nextents; e++ {
		ext := a.extents[e]
		if ext.dirtyCount > 0 {
			ext.dirtyCount--
		}
		a.extents[e] = ext
		if !ext.effectiveDirty() && ext.persistedBit {
			needsSync = true
		}
	}
	return needsSync
}

// markPersisted updates the persisted bit to match the effective
// (dirty-count-derived) state for every extent covered. Flush uses
// markAllPersisted instead; nothing in the package calls this.
func (a *ActiveMap) markPersisted(rowStart, nrows int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first, last := a.extentRange(rowStart, nrows)
	for e := first; e <= last && e < a.nextents; e++ {
		a.extents[e].persistedBit = a.extents[e].effectiveDirty()
	}
}

// markAllPersisted syncs persisted bits for every extent to their
// current effective state, used after a full-map flush.
func (a *ActiveMap) markAllPersisted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.extents {
		a.extents[i].persistedBit = a.extents[i].effectiveDirty()
	}
}

// Flush writes the current bitmap to every child in children followed
// by a barrier, per spec.md §4.3's persistence protocol. Callers pass
// the full child list. ActivemapIOFailure tolerance: as long as one
// child's write succeeds, the flush is considered persisted (replica
// redundancy, spec.md §7); returns ErrActivemapIO only if every child
// write fails.
func (a *ActiveMap) Flush(ctx context.Context, children []child.Child) error {
	buf := a.Bitmap()

	targets := children
	succeeded := 0
	var lastErr error
	for _, c := range targets {
		if err := c.Write(ctx, 0, buf); err != nil {
			logrus.Warnf("raidy: activemap write failed on child: %v", err)
			lastErr = err
			continue
		}
		if err := c.Flush(ctx); err != nil {
			logrus.Warnf("raidy: activemap barrier failed on child: %v", err)
			lastErr = err
			continue
		}
		succeeded++
	}

	if len(targets) > 0 && succeeded == 0 {
		return fmt.Errorf("%w: %v", ErrActivemapIO, lastErr)
	}
	a.markAllPersisted()
	return nil
}

// SyncRewind resets the dirty-extent iterator used by the recovery
// sweep (spec.md §4.3).
func (a *ActiveMap) SyncRewind() *ExtentIterator {
	return &ExtentIterator{am: a, next: 0}
}

// ExtentIterator walks dirty extents for the recovery sweep.
type ExtentIterator struct {
	am   *ActiveMap
	next int64
}

// SyncOffset returns the next dirty extent's (offset, length,
// extentID), or extentID == -1 when no dirty extent remains.
func (it *ExtentIterator) SyncOffset() (offset, length int64, extentID int64) {
	it.am.mu.Lock()
	defer it.am.mu.Unlock()

	for it.next < it.am.nextents {
		e := it.next
		it.next++
		if it.am.extents[e].persistedBit {
			offset = e * it.am.extentRows
			length = it.am.extentRows
			return offset, length, e
		}
	}
	return 0, 0, -1
}

// ExtentComplete marks an extent clean after the recovery sweep
// re-parities every row in it, reporting whether the map transitioned
// to fully clean (meaning the caller should flush).
func (a *ActiveMap) ExtentComplete(extentID int64) (needsSync bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if extentID < 0 || extentID >= a.nextents {
		return false
	}
	a.extents[extentID].dirtyCount = 0
	a.extents[extentID].persistedBit = false

	for _, e := range a.extents {
		if e.persistedBit {
			return false
		}
	}
	return true
}

// AnyDirty reports whether any extent is currently marked dirty
// on-disk, used to decide whether a recovery sweep has work to do.
func (a *ActiveMap) AnyDirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.extents {
		if e.persistedBit {
			return true
		}
	}
	return false
}
