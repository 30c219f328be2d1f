package raidy

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Column is the per-row, per-column descriptor ("rc" in spec.md §3):
// one child's contribution to one row.
type Column struct {
	Row *Row // non-owning back-reference; the row owns the column

	Child  int   // child index within the vdev
	Offset int64 // child-relative byte offset
	Size   int   // I/O size; 0 means "not participating this row"

	IsParity bool
	DataIdx  int // ascending data-column index, meaningful iff !IsParity

	Data []byte // new data (write) or destination (read) buffer
	Prev []byte // previously-on-disk buffer, write path only
	Orig []byte // original-data buffer, reconstruction path only

	Err error

	Tried           bool
	Skipped         bool
	NeedOrigRestore bool
	ForceRepair     bool
	AllowRepair     bool
}

// rowState is the write state machine's per-row state (spec.md §4.2).
type rowState int32

const (
	rowInit rowState = iota
	rowReadOld
	rowParityCompute
	rowWriteAll
	rowDone
)

// Row is one logical stripe's descriptor ("rr" in spec.md §3).
type Row struct {
	Cols []*Column

	RowIndex int64 // absolute row index within the vdev (logical offset / row width)

	FirstDataCol int // = nparity

	FullStripe bool

	MissingData   int
	MissingParity int
	DoneReading   bool

	// ParityStart/ParityEnd bound the byte sub-range, relative to the
	// row's own S-byte column slot, that every parity column's
	// descriptor spans (spec.md §4.1 step 3).
	ParityStart int
	ParityEnd   int

	todo  atomic.Int32
	mu    sync.Mutex
	state rowState
	err   error
}

func (r *Row) setState(s rowState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Row) State() rowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// setErr records the worst error seen so far for this row.
func (r *Row) setErr(err error) {
	r.mu.Lock()
	r.err = worstErr(r.err, err)
	r.mu.Unlock()
}

// Err returns the row's aggregated worst error.
func (r *Row) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// ParityCols returns this row's parity column descriptors in ascending
// physical order.
func (r *Row) ParityCols() []*Column {
	out := make([]*Column, 0, r.FirstDataCol)
	for _, c := range r.Cols {
		if c.IsParity {
			out = append(out, c)
		}
	}
	return out
}

// DataCols returns this row's data column descriptors ordered by
// ascending DataIdx.
func (r *Row) DataCols() []*Column {
	out := make([]*Column, len(r.Cols)-r.FirstDataCol)
	for _, c := range r.Cols {
		if !c.IsParity {
			out[c.DataIdx] = c
		}
	}
	return out
}

// Map is the descriptor for one logical I/O ("rm" in spec.md §3):
// an array of rows, owned by the logical I/O and released when it
// completes.
type Map struct {
	Rows []*Row

	Ndata   int
	Nparity int

	StripeSize    int
	ActivemapSize int64

	EcksumInjected bool
}

// BuildMap implements the row/column mapper (spec.md §4.1): given a
// logical (offset, size) for this vdev and whether this is a write,
// produce a map of rows, each with fully classified, sized column
// descriptors.
//
// For writes, payload is the caller's write buffer (len == size); data
// columns get windows directly into it. For reads, payload should be a
// freshly allocated buffer of length size that the caller will fill via
// per-column reads and then return.
func BuildMap(ndata, nparity, stripeSize int, activemapSize int64, offset int64, size int, isWrite bool, payload []byte) (*Map, error) {
	if ndata <= 0 || nparity <= 0 {
		return nil, fmt.Errorf("raidy: %w: ndata=%d nparity=%d", ErrConfigInvalid, ndata, nparity)
	}
	if stripeSize <= 0 {
		return nil, fmt.Errorf("raidy: %w: stripe size must be > 0", ErrConfigInvalid)
	}
	if size < 0 || offset < 0 {
		return nil, fmt.Errorf("raidy: invalid I/O offset=%d size=%d", offset, size)
	}
	if len(payload) != size {
		return nil, fmt.Errorf("raidy: payload length %d does not match size %d", len(payload), size)
	}

	n := ndata + nparity
	rowBytes := int64(stripeSize) * int64(ndata)
	if size == 0 {
		return &Map{Rows: nil, Ndata: ndata, Nparity: nparity, StripeSize: stripeSize, ActivemapSize: activemapSize}, nil
	}

	firstRow := offset / rowBytes
	lastRow := (offset + int64(size) - 1) / rowBytes

	m := &Map{
		Ndata:         ndata,
		Nparity:       nparity,
		StripeSize:    stripeSize,
		ActivemapSize: activemapSize,
	}

	for row := firstRow; row <= lastRow; row++ {
		rowOffset := row * rowBytes

		startInRow := int64(0)
		if offset > rowOffset {
			startInRow = offset - rowOffset
		}
		endInRow := rowBytes
		if offset+int64(size) < rowOffset+rowBytes {
			endInRow = offset + int64(size) - rowOffset
		}
		if startInRow >= endInRow || startInRow >= rowBytes {
			continue
		}
		rowDataSize := endInRow - startInRow
		if rowDataSize > rowBytes {
			return nil, fmt.Errorf("raidy: row %d data size %d exceeds row width %d", row, rowDataSize, rowBytes)
		}

		rr := &Row{
			RowIndex:     row,
			FirstDataCol: nparity,
			FullStripe:   rowDataSize == rowBytes,
			Cols:         make([]*Column, n),
		}

		// Pass 1: classify and size every data column by intersecting
		// its own [dataIdx*S, dataIdx*S+S) slot with [startInRow, endInRow).
		for col := 0; col < n; col++ {
			isParity, dataIdx := columnRole(row, col, ndata, nparity)
			if isParity {
				continue // sized in pass 2, once data extents are known
			}

			slotStart := int64(dataIdx) * int64(stripeSize)
			slotEnd := slotStart + int64(stripeSize)

			intersectStart := startInRow
			if slotStart > intersectStart {
				intersectStart = slotStart
			}
			intersectEnd := endInRow
			if slotEnd < intersectEnd {
				intersectEnd = slotEnd
			}

			c := &Column{
				Row:      rr,
				Child:    col,
				IsParity: false,
				DataIdx:  dataIdx,
			}

			if intersectStart < intersectEnd {
				colIntraOffset := intersectStart - slotStart
				c.Offset = row*int64(stripeSize) + colIntraOffset + activemapSize
				c.Size = int(intersectEnd - intersectStart)

				logicalOffset := rowOffset + intersectStart
				payloadIdx := logicalOffset - offset
				c.Data = payload[payloadIdx : payloadIdx+int64(c.Size)]

				if isWrite {
					c.Prev = nil // allocated lazily by the writer on demand
				}
			}

			rr.Cols[col] = c
		}

		// Pass 2: paritystart/parityend = min/max over participating
		// data columns' positions, expressed relative to the row's own
		// S-byte column slot (spec.md §4.1 step 3).
		parityStart, parityEnd := -1, -1
		for _, col := range rr.Cols {
			if col == nil || col.Size == 0 {
				continue
			}
			relOffset := int(col.Offset - row*int64(stripeSize) - activemapSize)
			relEnd := relOffset + col.Size
			if parityStart == -1 || relOffset < parityStart {
				parityStart = relOffset
			}
			if relEnd > parityEnd {
				parityEnd = relEnd
			}
		}
		if parityStart == -1 {
			// Row spanned but no data column intersected (shouldn't
			// happen given rowDataSize > 0, kept as a defensive guard).
			parityStart, parityEnd = 0, 0
		}
		rr.ParityStart = parityStart
		rr.ParityEnd = parityEnd

		for _, col := range parityColumns(row, ndata, nparity) {
			c := &Column{
				Row:      rr,
				Child:    col,
				IsParity: true,
				DataIdx:  -1,
				Offset:   row*int64(stripeSize) + int64(parityStart) + activemapSize,
				Size:     parityEnd - parityStart,
			}
			rr.Cols[col] = c
		}

		m.Rows = append(m.Rows, rr)
	}

	return m, nil
}
