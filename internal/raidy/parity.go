package raidy

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// encoderFor returns a Reed-Solomon encoder for the given ndata/nparity
// shape, built with reedsolomon.New's default encoding matrix. The
// library works in GF(2^8) with the same primitive polynomial as RAID-Z
// (byte-wise for small buffers, SIMD for bulk), but its parity rows are
// not RAID-Z's P/Q/R generator rows 1, 2, 4, so the parity bytes differ
// from RAID-Z's for the same data.
func encoderFor(ndata, nparity int) (reedsolomon.Encoder, error) {
	enc, err := reedsolomon.New(ndata, nparity)
	if err != nil {
		return nil, fmt.Errorf("raidy: failed to create reedsolomon encoder (ndata=%d nparity=%d): %w", ndata, nparity, err)
	}
	return enc, nil
}

// GenerateParityRow computes parity for a single row from its data
// column buffers (spec.md §4.4), writing the result into each parity
// column's Data buffer. Every data column's Data buffer must already
// hold the bytes to protect (the full row for a full-stripe write, or
// the reconstructed-plus-overlaid sub-range for RMW).
func GenerateParityRow(ndata, nparity int, rr *Row, shardSize int) error {
	enc, err := encoderFor(ndata, nparity)
	if err != nil {
		return err
	}

	shards := make([][]byte, ndata+nparity)
	for _, c := range rr.DataCols() {
		if len(c.Data) != shardSize {
			return fmt.Errorf("raidy: row %d data column %d shard size %d != expected %d", rr.RowIndex, c.DataIdx, len(c.Data), shardSize)
		}
		shards[c.DataIdx] = c.Data
	}
	for i, c := range rr.ParityCols() {
		if c.Data == nil {
			c.Data = make([]byte, shardSize)
		}
		shards[ndata+i] = c.Data
	}

	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("raidy: row %d: failed to encode parity: %w", rr.RowIndex, err)
	}
	return nil
}

// GenerateParity computes parity for every row in a map.
func GenerateParity(m *Map) error {
	for _, rr := range m.Rows {
		shardSize := rr.ParityEnd - rr.ParityStart
		if err := GenerateParityRow(m.Ndata, m.Nparity, rr, shardSize); err != nil {
			return err
		}
	}
	return nil
}

// VerifyParityRow re-computes parity from the row's data buffers and
// compares it byte-for-byte against the already-populated parity
// buffers, reporting a checksum mismatch against the first
// disagreeing parity column it finds (spec.md §4.4).
func VerifyParityRow(ndata, nparity int, rr *Row, shardSize int) error {
	want := make(map[int][]byte, nparity)
	for _, c := range rr.ParityCols() {
		want[c.Child] = append([]byte(nil), c.Data...)
	}

	if err := GenerateParityRow(ndata, nparity, rr, shardSize); err != nil {
		return err
	}

	for _, c := range rr.ParityCols() {
		if !bytes.Equal(want[c.Child], c.Data) {
			return fmt.Errorf("raidy: row %d child %d: %w", rr.RowIndex, c.Child, ErrChecksumMismatch)
		}
	}
	return nil
}

// ReconstructRow fills in missing shards (marked by a nil Data buffer)
// using the Reed-Solomon reconstruction routines, covering the
// single/double/triple-target closed-form cases and the general
// Gauss-Jordan case transparently — reedsolomon.Encoder.Reconstruct
// already implements this (spec.md §4.4, reused unchanged per
// spec.md §1).
func ReconstructRow(ndata, nparity int, rr *Row, shardSize int) error {
	enc, err := encoderFor(ndata, nparity)
	if err != nil {
		return err
	}

	shards := make([][]byte, ndata+nparity)
	missing := 0
	for _, c := range rr.DataCols() {
		shards[c.DataIdx] = c.Data
		if c.Data == nil {
			missing++
		}
	}
	for i, c := range rr.ParityCols() {
		shards[ndata+i] = c.Data
		if c.Data == nil {
			missing++
		}
	}

	if missing == 0 {
		return nil
	}
	if missing > nparity {
		return fmt.Errorf("raidy: row %d: %w (%d missing, %d parity)", rr.RowIndex, ErrTooManyFailures, missing, nparity)
	}

	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("raidy: row %d: failed to reconstruct: %w", rr.RowIndex, err)
	}

	// Copy the reconstructed buffers back onto the column descriptors
	// whose Data was nil going in.
	for _, c := range rr.DataCols() {
		if c.Data == nil {
			c.Data = shards[c.DataIdx]
		}
	}
	for i, c := range rr.ParityCols() {
		if c.Data == nil {
			c.Data = shards[ndata+i]
		}
	}
	return nil
}
