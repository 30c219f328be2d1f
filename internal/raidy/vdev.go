// Package raidy implements the core of the RAID-Y virtual device: a
// row/column I/O mapper, a read-modify-write state machine, a
// persistent active map, and the Reed-Solomon parity wrapper that ties
// them together. The host storage pool, VFS surface, RPC transport,
// kernel-compatibility shim, and CLI are explicitly out of scope and
// are modeled only through the narrow internal/raidy/child interface.
package raidy

import (
	"context"
	"fmt"
	"sync"

	"github.com/Anthya1104/raidy/internal/config"
	"github.com/Anthya1104/raidy/internal/raidy/child"
	"github.com/sirupsen/logrus"
)

// State is the vdev health classification from spec.md §4.5.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateCantOpen
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "CANT_OPEN"
	}
}

// Vdev is a RAID-Y virtual device: N children, nparity parity columns,
// a fixed stripe size, and a persistent active map.
type Vdev struct {
	mu sync.RWMutex

	children []child.Child
	ndata    int
	nparity  int

	stripeSize    int
	activemap     *ActiveMap
	activemapSize int64
	asize         int64 // logical asize published upward

	recoverNeeded bool
	verifyReads   bool

	stats *Stats
}

// Open implements spec.md §4.5: opens every child, determines asize as
// the minimum child asize, reserves the activemap region, reads and
// OR-merges every child's activemap replica, and marks recovery as
// needed. It does not run the recovery sweep itself — callers invoke
// RecoverySweep once the pool is writable, per spec.md §4.3.
func Open(ctx context.Context, children []child.Child, nparity int, stripeSize int) (*Vdev, error) {
	if nparity < config.MinNparity || nparity > config.MaxNparity {
		return nil, fmt.Errorf("raidy: %w: nparity %d out of range [%d,%d]", ErrConfigInvalid, nparity, config.MinNparity, config.MaxNparity)
	}
	if len(children) <= nparity {
		return nil, fmt.Errorf("raidy: %w: %d children not enough for nparity %d", ErrConfigInvalid, len(children), nparity)
	}
	if stripeSize <= 0 {
		return nil, fmt.Errorf("raidy: %w: stripe size must be > 0", ErrConfigInvalid)
	}

	faulted := 0
	minAsize := int64(-1)
	for _, c := range children {
		if err := c.Open(ctx); err != nil {
			logrus.Warnf("raidy: child open failed: %v", err)
			faulted++
			continue
		}
		if !c.Healthy() {
			faulted++
			continue
		}
		if minAsize == -1 || c.Asize() < minAsize {
			minAsize = c.Asize()
		}
	}

	if faulted > nparity {
		return nil, fmt.Errorf("raidy: %w", ErrNoReplicas)
	}
	if minAsize == -1 {
		return nil, fmt.Errorf("raidy: %w: no healthy children", ErrNoReplicas)
	}

	ndata := len(children) - nparity

	extentRows := int64(config.ActivemapExtentBytes / stripeSize)
	if extentRows < 1 {
		extentRows = 1
	}
	totalRows := minAsize / int64(stripeSize)

	am, err := Init(totalRows, extentRows, config.ActivemapBlockSize, config.ActivemapAlignment)
	if err != nil {
		return nil, err
	}

	v := &Vdev{
		children:      children,
		ndata:         ndata,
		nparity:       nparity,
		stripeSize:    stripeSize,
		activemap:     am,
		activemapSize: am.OnDiskSize(),
		recoverNeeded: true,
		verifyReads:   true,
		stats:         acquireStats(),
	}

	v.asize = (minAsize - v.activemapSize) * int64(ndata)

	if err := v.readActivemap(ctx); err != nil {
		return nil, err
	}

	return v, nil
}

// readActivemap reads every healthy child's activemap replica and
// OR-merges it into the in-memory bitmap (spec.md §3 Lifecycle).
func (v *Vdev) readActivemap(ctx context.Context) error {
	for _, c := range v.children {
		if !c.Healthy() {
			continue
		}
		buf, err := c.Read(ctx, 0, int(v.activemapSize))
		if err != nil {
			logrus.Warnf("raidy: activemap read failed on child, skipping merge: %v", err)
			continue
		}
		v.activemap.Merge(buf)
	}
	return nil
}

// Close releases the active map and closes every child, per spec.md §4.5.
func (v *Vdev) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.activemap == nil {
		return nil // already closed
	}

	var err error
	for _, c := range v.children {
		if cerr := c.Close(ctx); cerr != nil {
			err = worstErr(err, cerr)
		}
	}
	v.activemap = nil
	releaseStats()
	return err
}

// StateChange classifies vdev health per spec.md §4.5: faulted >
// nparity is CANT_OPEN/NO_REPLICAS; faulted+degraded > 0 is DEGRADED;
// otherwise HEALTHY. This implementation treats any unhealthy child as
// both faulted and degraded, since RAID-Y does not distinguish
// transient-degraded from hard-faulted at this layer (that
// distinction belongs to the host pool, out of scope per spec.md §1).
func (v *Vdev) StateChange() State {
	v.mu.RLock()
	defer v.mu.RUnlock()

	faulted := 0
	for _, c := range v.children {
		if !c.Healthy() {
			faulted++
		}
	}
	if faulted > v.nparity {
		return StateCantOpen
	}
	if faulted > 0 {
		return StateDegraded
	}
	return StateHealthy
}

// Asize returns the logical address space this vdev publishes upward:
// (min child asize - activemap reservation) * ndata, per spec.md §4.5
// and the invariant in spec.md §8.
func (v *Vdev) Asize() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.asize
}

// MinAsize is the smallest child asize this vdev could operate with:
// one stripe's worth of data plus the activemap reservation.
func (v *Vdev) MinAsize() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return int64(v.stripeSize) + v.activemapSize
}

func (v *Vdev) Nparity() int { return v.nparity }
func (v *Vdev) Ndata() int   { return v.ndata }
func (v *Vdev) Ndisks() int  { return v.ndata + v.nparity }

// Xlate translates a logical range-segment to a physical one. RAID-Y
// stripes row-wise rather than rotating per block, so translation is
// 1:1 per child (spec.md §6), unlike RAID-Z's block-pointer-derived
// placement.
func (v *Vdev) Xlate(logicalOffset, logicalSize int64) (physicalOffset, physicalSize int64) {
	return logicalOffset, logicalSize
}

// Stats returns the vdev's counter snapshot (spec.md §4.6).
func (v *Vdev) Stats() map[string]int64 {
	return v.stats.Snapshot()
}

// RecoverySweep implements the post-crash recovery path (spec.md §4.3,
// §4.5): walks every dirty extent and re-parities each of its rows
// synchronously, clearing the extent and flushing once the map becomes
// fully clean. It is synchronous and must be invoked explicitly once
// the pool becomes writable; it does not background itself (spec.md §9
// explicitly allows an inline implementation for single-user testing,
// flagging that production should backgrund it — this module keeps the
// original's synchronous behavior and documents the limitation here
// rather than silently deviating from what was observed).
func (v *Vdev) RecoverySweep(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.recoverNeeded {
		return nil
	}
	v.recoverNeeded = false

	if !v.activemap.AnyDirty() {
		return nil
	}

	it := v.activemap.SyncRewind()
	for {
		rowStart, nrows, extentID := it.SyncOffset()
		if extentID == -1 {
			break
		}

		logrus.Infof("raidy: recovery sweep: re-parity extent %d (rows %d..%d)", extentID, rowStart, rowStart+nrows-1)

		if err := v.reparityRows(ctx, rowStart, nrows); err != nil {
			return fmt.Errorf("raidy: recovery sweep failed on extent %d: %w", extentID, err)
		}

		if v.activemap.ExtentComplete(extentID) {
			if err := v.activemap.Flush(ctx, v.children); err != nil {
				return err
			}
		}
	}

	logrus.Info("raidy: recovery sweep complete")
	return nil
}

// reparityRows re-reads every row's data columns in the given range,
// recomputes parity from scratch, and rewrites the parity columns —
// the "synchronous re-parity pass" spec.md §4.3 describes for the
// recovery sweep.
func (v *Vdev) reparityRows(ctx context.Context, rowStart, nrows int64) error {
	// An extent can reach past the vdev's last row; only existing rows
	// are re-paritied.
	totalRows := v.asize / (int64(v.stripeSize) * int64(v.ndata))
	if rowStart+nrows > totalRows {
		nrows = totalRows - rowStart
	}
	if nrows <= 0 {
		return nil
	}

	offset := rowStart * int64(v.stripeSize) * int64(v.ndata)
	size := nrows * int64(v.stripeSize) * int64(v.ndata)

	payload := make([]byte, size)
	m, err := BuildMap(v.ndata, v.nparity, v.stripeSize, v.activemapSize, offset, int(size), false, payload)
	if err != nil {
		return err
	}

	for _, rr := range m.Rows {
		if err := v.readRowDataAndParity(ctx, rr); err != nil {
			return err
		}
		if err := ReconstructRow(v.ndata, v.nparity, rr, rr.ParityEnd-rr.ParityStart); err != nil {
			return err
		}
		if err := GenerateParityRow(v.ndata, v.nparity, rr, rr.ParityEnd-rr.ParityStart); err != nil {
			return err
		}
		for _, c := range rr.ParityCols() {
			if err := v.children[c.Child].Write(ctx, c.Offset, c.Data); err != nil {
				return fmt.Errorf("raidy: recovery write failed on child %d: %w", c.Child, err)
			}
		}
	}
	return nil
}

// readRowDataAndParity reads every data and parity column of rr from
// its child, leaving a nil Data buffer for any column whose child is
// unhealthy or whose read failed (so ReconstructRow can fill it back
// in).
func (v *Vdev) readRowDataAndParity(ctx context.Context, rr *Row) error {
	for _, c := range rr.Cols {
		ch := v.children[c.Child]
		if !ch.Healthy() {
			c.Skipped = true
			c.Data = nil
			continue
		}
		buf, err := ch.Read(ctx, c.Offset, c.Size)
		if err != nil {
			c.Err = err
			c.Tried = true
			c.Data = nil
			continue
		}
		c.Data = buf
		c.Tried = true
	}
	return nil
}
