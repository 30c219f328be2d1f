package raidy

// columnRole resolves the column-placement rule from spec.md §3:
// parity for row r occupies nparity consecutive column positions
// starting at r mod (ndata+nparity), wrapping around; data occupies
// the remaining columns in ascending order within the row.
//
// This is the single source of truth for placement: the mapper
// classifies every column through it, and the parity/reconstruction
// code works from the mapper's classification, so there is exactly one
// rule rather than the two overlapping branches the original source
// left as an open question (spec.md §9).
func columnRole(row int64, col, ndata, nparity int) (isParity bool, dataIdx int) {
	n := ndata + nparity
	parityStart := int(row % int64(n))

	rel := col - parityStart
	if rel < 0 {
		rel += n
	}
	if rel < nparity {
		return true, -1
	}

	// Count non-parity columns with physical index < col to get this
	// column's ascending data index.
	idx := 0
	for c := 0; c < col; c++ {
		r2 := c - parityStart
		if r2 < 0 {
			r2 += n
		}
		if r2 >= nparity {
			idx++
		}
	}
	return false, idx
}

// parityColumns returns, in ascending physical order, the nparity
// column indices that hold parity for row.
func parityColumns(row int64, ndata, nparity int) []int {
	n := ndata + nparity
	parityStart := int(row % int64(n))
	cols := make([]int, nparity)
	for i := 0; i < nparity; i++ {
		cols[i] = (parityStart + i) % n
	}
	return cols
}
