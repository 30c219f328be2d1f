package raidy

import (
	"context"
	"fmt"
	"sync"

	"github.com/Anthya1104/raidy/internal/raidy/child"
	"github.com/sirupsen/logrus"
)

// Read implements the read path from spec.md §2/§4.1: the mapper builds
// a read-only map and one child read is issued per participating data
// column. Only when a column comes back unhealthy or errored, or (for
// a full-stripe read with verification enabled) when recomputed parity
// disagrees with what is on disk, are the row's parity columns also
// read and reconstruction run.
func (v *Vdev) Read(ctx context.Context, offset int64, size int) ([]byte, error) {
	v.mu.RLock()
	ndata, nparity, stripeSize, amSize := v.ndata, v.nparity, v.stripeSize, v.activemapSize
	children := v.children
	verifyReads := v.verifyReads
	v.mu.RUnlock()

	payload := make([]byte, size)
	m, err := BuildMap(ndata, nparity, stripeSize, amSize, offset, size, false, payload)
	if err != nil {
		return nil, err
	}

	var logicalErr error
	for _, rr := range m.Rows {
		if err := v.readRow(ctx, children, rr, verifyReads); err != nil {
			logicalErr = worstErr(logicalErr, err)
		}
	}
	if logicalErr != nil {
		return nil, logicalErr
	}
	return payload, nil
}

// readRow issues one read per participating data column, escalating to
// a full-row parity read plus reconstruction when any column is
// unhealthy or errored, or when a full-stripe verification read
// disagrees with the on-disk parity (spec.md §4.4's read-side
// verification, gated behind the verifyReads option).
func (v *Vdev) readRow(ctx context.Context, children []child.Child, rr *Row, verifyReads bool) error {
	var targets []*Column
	for _, c := range rr.DataCols() {
		if c.Size > 0 {
			targets = append(targets, c)
		}
	}

	dispatchReads(ctx, children, targets)

	degraded := false
	for _, c := range targets {
		if c.Skipped || c.Err != nil {
			degraded = true
		}
	}
	if degraded {
		return v.reconstructRowRead(ctx, children, rr)
	}

	if verifyReads && rr.FullStripe {
		parityTargets := rr.ParityCols()
		dispatchReads(ctx, children, parityTargets)
		for _, c := range parityTargets {
			if c.Skipped || c.Err != nil {
				return v.reconstructRowRead(ctx, children, rr)
			}
		}
		shardSize := rr.ParityEnd - rr.ParityStart
		if err := VerifyParityRow(v.ndata, v.nparity, rr, shardSize); err != nil {
			logrus.Warnf("raidy: row %d failed read verification, reconstructing: %v", rr.RowIndex, err)
			return v.reconstructRowRead(ctx, children, rr)
		}
	}

	return rr.Err()
}

// dispatchReads issues one concurrent read per column directly into
// each column's Data buffer, using the row's atomic todo counter for
// fan-in (spec.md §9 design note) — the same shape as
// dispatchRowWrites's write-side fan-in.
func dispatchReads(ctx context.Context, children []child.Child, cols []*Column) {
	if len(cols) == 0 {
		return
	}
	rr := cols[0].Row
	rr.todo.Store(int32(len(cols)))
	done := make(chan struct{})

	for _, c := range cols {
		c := c
		go func() {
			ch := children[c.Child]
			c.Tried = true
			if !ch.Healthy() {
				c.Skipped = true
			} else if buf, err := ch.Read(ctx, c.Offset, c.Size); err != nil {
				c.Err = err
			} else {
				if c.Data == nil {
					c.Data = make([]byte, c.Size)
				}
				copy(c.Data, buf)
			}
			if rr.todo.Add(-1) == 0 {
				close(done)
			}
		}()
	}
	<-done
}

// reconstructRowRead re-reads every column of the row over its shared
// [ParityStart, ParityEnd) sub-range, reconstructs any missing shard
// via Reed-Solomon, and overlays the result back onto each originally
// requested data column's Data window. This mirrors rmwComputeParity's
// full-row read, generalized to the read path (spec.md §4.4).
func (v *Vdev) reconstructRowRead(ctx context.Context, children []child.Child, rr *Row) error {
	shardSize := rr.ParityEnd - rr.ParityStart
	if shardSize <= 0 {
		return rr.Err()
	}
	rowBase := rr.RowIndex*int64(v.stripeSize) + int64(rr.ParityStart) + v.activemapSize

	shards := make([][]byte, v.ndata+v.nparity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(len(rr.Cols))
	for _, c := range rr.Cols {
		c := c
		go func() {
			defer wg.Done()
			ch := children[c.Child]
			if !ch.Healthy() {
				mu.Lock()
				c.Skipped = true
				mu.Unlock()
				return
			}
			buf, err := ch.Read(ctx, rowBase, shardSize)
			mu.Lock()
			defer mu.Unlock()
			c.Tried = true
			if err != nil {
				c.Err = err
				return
			}
			if c.IsParity {
				shards[v.ndata+indexOfParity(rr, c)] = buf
			} else {
				shards[c.DataIdx] = buf
			}
		}()
	}
	wg.Wait()

	missing := 0
	for _, s := range shards {
		if s == nil {
			missing++
		}
	}
	if missing > v.nparity {
		err := fmt.Errorf("raidy: row %d: %w (%d missing, %d parity)", rr.RowIndex, ErrTooManyFailures, missing, v.nparity)
		rr.setErr(err)
		return err
	}

	if missing > 0 {
		enc, err := encoderFor(v.ndata, v.nparity)
		if err != nil {
			rr.setErr(err)
			return err
		}
		if err := enc.Reconstruct(shards); err != nil {
			err = fmt.Errorf("raidy: row %d: failed to reconstruct for read: %w", rr.RowIndex, err)
			rr.setErr(err)
			return err
		}
	}

	for _, c := range rr.DataCols() {
		if c.Size == 0 {
			continue
		}
		overlayStart := int(c.Offset - rowBase)
		copy(c.Data, shards[c.DataIdx][overlayStart:overlayStart+c.Size])
	}

	return nil
}
