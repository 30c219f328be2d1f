package raidy

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Write implements the write state machine from spec.md §4.2: activemap
// write-start, per-row full-stripe or read-modify-write dispatch, and
// activemap write-complete — flushing the activemap only when the
// "needs sync" signal demands it.
func (v *Vdev) Write(ctx context.Context, offset int64, data []byte) error {
	v.mu.RLock()
	ndata, nparity, stripeSize, amSize := v.ndata, v.nparity, v.stripeSize, v.activemapSize
	children := v.children
	v.mu.RUnlock()

	m, err := BuildMap(ndata, nparity, stripeSize, amSize, offset, len(data), true, data)
	if err != nil {
		return err
	}
	if len(m.Rows) == 0 {
		return nil
	}

	rowStart := m.Rows[0].RowIndex
	nrows := m.Rows[len(m.Rows)-1].RowIndex - rowStart + 1

	// Entry: activemap write-start happens-before any data write.
	if v.activemap.WriteStart(rowStart, nrows) {
		v.stats.activemapUpdatesOnWriteStart.Add(1)
		logrus.Debugf("raidy: activemap write-start flush for rows %d..%d", rowStart, rowStart+nrows-1)
		if err := v.activemap.Flush(ctx, children); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Add(len(m.Rows))
	for _, rr := range m.Rows {
		rr := rr
		go func() {
			defer wg.Done()
			v.writeRow(ctx, rr)
		}()
	}
	wg.Wait()

	var logicalErr error
	for _, rr := range m.Rows {
		logicalErr = worstErr(logicalErr, rr.Err())
		if rr.FullStripe {
			v.stats.fullStripeWrites.Add(1)
		} else {
			v.stats.partialStripeWrites.Add(1)
		}
	}
	v.stats.writes.Add(1)

	// Exit: activemap write-complete, regardless of per-row outcome —
	// consistency is re-established by resilver, not by RMW retries
	// (spec.md §4.2 Failure semantics).
	if v.activemap.WriteComplete(rowStart, nrows) {
		v.stats.activemapUpdatesOnWriteDone.Add(1)
		logrus.Debugf("raidy: activemap write-complete flush for rows %d..%d", rowStart, rowStart+nrows-1)
		if err := v.activemap.Flush(ctx, children); err != nil {
			return err
		}
	}

	return logicalErr
}

// writeRow drives a single row through INIT -> (READ_OLD ->)
// PARITY_COMPUTE -> WRITE_ALL -> DONE.
func (v *Vdev) writeRow(ctx context.Context, rr *Row) {
	rr.setState(rowInit)

	if rr.FullStripe {
		rr.DoneReading = true
		rr.setState(rowParityCompute)
		if err := GenerateParityRow(v.ndata, v.nparity, rr, rr.ParityEnd-rr.ParityStart); err != nil {
			rr.setErr(err)
			return
		}
	} else {
		rr.setState(rowReadOld)
		if err := v.rmwComputeParity(ctx, rr); err != nil {
			rr.setErr(err)
			return
		}
	}

	rr.setState(rowWriteAll)
	v.dispatchRowWrites(ctx, rr)
	rr.setState(rowDone)
}

// rmwComputeParity implements the read-modify-write parity
// recomputation described in spec.md §4.2: it reads old data for every
// data column (even ones this write did not itself touch, since a
// row's parity byte at a given position depends on every data column
// at that position) and the old parity, reconstructs any that are
// missing due to a faulted child, overlays the new bytes for the
// columns this write touched, and re-encodes.
//
// This generalizes the spec's "dispatch reads for every participating
// data column" to "every data column whose slot overlaps the row's
// computed parity extent" — necessary for correctness whenever a
// partial write's parity extent is not entirely covered by a single
// data column (documented resolution of spec.md §9's open
// ambiguity around row > ndata column-placement coverage).
func (v *Vdev) rmwComputeParity(ctx context.Context, rr *Row) error {
	shardSize := rr.ParityEnd - rr.ParityStart
	rowBase := rr.RowIndex*int64(v.stripeSize) + int64(rr.ParityStart) + v.activemapSize

	oldShards := make([][]byte, v.ndata+v.nparity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(len(rr.Cols))
	for _, c := range rr.Cols {
		c := c
		go func() {
			defer wg.Done()
			ch := v.children[c.Child]
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
				c.Prev = buf
			} else {
				oldShards[c.DataIdx] = buf
			}
		}()
	}
	wg.Wait()
	rr.setState(rowParityCompute)

	missing := 0
	for _, c := range rr.Cols {
		if c.IsParity {
			idx := v.ndata + indexOfParity(rr, c)
			oldShards[idx] = c.Prev
			if c.Prev == nil {
				missing++
			}
		} else if oldShards[c.DataIdx] == nil {
			missing++
		}
	}
	if missing > v.nparity {
		return fmt.Errorf("raidy: row %d: %w (%d missing, %d parity)", rr.RowIndex, ErrTooManyFailures, missing, v.nparity)
	}

	enc, err := encoderFor(v.ndata, v.nparity)
	if err != nil {
		return err
	}
	if missing > 0 {
		if err := enc.Reconstruct(oldShards); err != nil {
			return fmt.Errorf("raidy: row %d: failed to reconstruct old data for RMW: %w", rr.RowIndex, err)
		}
	}

	// Record the reconstructed old state on each column (spec.md §3's
	// "previously-on-disk" buffer) and overlay new bytes where this
	// write actually touched the row.
	newShards := make([][]byte, v.ndata+v.nparity)
	for _, c := range rr.DataCols() {
		old := oldShards[c.DataIdx]
		neu := append([]byte(nil), old...)
		if c.Size > 0 {
			overlayStart := int(c.Offset - rowBase)
			copy(neu[overlayStart:overlayStart+c.Size], c.Data)
			c.Prev = append([]byte(nil), old[overlayStart:overlayStart+c.Size]...)
		}
		newShards[c.DataIdx] = neu
	}
	for i, c := range rr.ParityCols() {
		newShards[v.ndata+i] = make([]byte, shardSize)
		_ = c
	}

	if err := enc.Encode(newShards); err != nil {
		return fmt.Errorf("raidy: row %d: failed to re-encode parity for RMW: %w", rr.RowIndex, err)
	}

	for _, c := range rr.DataCols() {
		if c.Size > 0 {
			overlayStart := int(c.Offset - rowBase)
			c.Data = newShards[c.DataIdx][overlayStart : overlayStart+c.Size]
		}
	}
	for i, c := range rr.ParityCols() {
		c.Data = newShards[v.ndata+i]
	}

	rr.DoneReading = true
	return nil
}

func indexOfParity(rr *Row, target *Column) int {
	for i, c := range rr.ParityCols() {
		if c == target {
			return i
		}
	}
	return -1
}

// dispatchRowWrites writes every participating data column and every
// parity column of rr concurrently. Completion fan-in uses the row's
// atomic todo counter rather than a lock (spec.md §9 design note): the
// goroutine whose decrement hits zero closes done and the caller
// proceeds — within a single row, all child writes are independent and
// may reorder (spec.md §5).
//
// An unhealthy or failed child is only promoted to a row-level error
// once the count of skipped/failed columns exceeds nparity: up to
// nparity simultaneous write failures are exactly what this row's
// parity is sized to tolerate. Write still runs write-complete for the
// row's extent, so the recovery sweep does not revisit it and the
// missed column is not rewritten when the child returns.
func (v *Vdev) dispatchRowWrites(ctx context.Context, rr *Row) {
	var targets []*Column
	for _, c := range rr.DataCols() {
		if c.Size > 0 {
			targets = append(targets, c)
		}
	}
	targets = append(targets, rr.ParityCols()...)

	if len(targets) == 0 {
		return
	}

	rr.todo.Store(int32(len(targets)))
	done := make(chan struct{})

	var mu sync.Mutex
	failed := 0

	for _, c := range targets {
		c := c
		go func() {
			ch := v.children[c.Child]
			c.Tried = true
			if !ch.Healthy() {
				c.Skipped = true
				mu.Lock()
				failed++
				mu.Unlock()
			} else if err := ch.Write(ctx, c.Offset, c.Data); err != nil {
				c.Err = err
				mu.Lock()
				failed++
				mu.Unlock()
			}
			if rr.todo.Add(-1) == 0 {
				close(done)
			}
		}()
	}

	<-done

	if failed > v.nparity {
		rr.setErr(fmt.Errorf("raidy: row %d: %w (%d child writes failed, %d parity)", rr.RowIndex, ErrTooManyFailures, failed, v.nparity))
	}
}
