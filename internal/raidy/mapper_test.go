package raidy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMap_FullStripeSingleRow(t *testing.T) {
	ndata, nparity, stripe := 3, 1, 4
	payload := []byte("ABCDEFGHIJKL") // 12 bytes = one full row (3*4)

	m, err := BuildMap(ndata, nparity, stripe, 0, 0, len(payload), true, payload)
	require.NoError(t, err)
	require.Len(t, m.Rows, 1)

	rr := m.Rows[0]
	assert.True(t, rr.FullStripe)
	assert.Equal(t, int64(0), rr.RowIndex)
	assert.Equal(t, 0, rr.ParityStart)
	assert.Equal(t, stripe, rr.ParityEnd)

	dataCols := rr.DataCols()
	require.Len(t, dataCols, ndata)
	for i, c := range dataCols {
		assert.Equal(t, stripe, c.Size)
		assert.Equal(t, payload[i*stripe:(i+1)*stripe], c.Data)
	}

	parityCols := rr.ParityCols()
	require.Len(t, parityCols, nparity)
	assert.Equal(t, stripe, parityCols[0].Size)
}

func TestBuildMap_PartialWriteSingleColumn(t *testing.T) {
	ndata, nparity, stripe := 3, 1, 8
	payload := []byte("XY") // 2 bytes, touches only part of one data column

	m, err := BuildMap(ndata, nparity, stripe, 0, 3, len(payload), true, payload)
	require.NoError(t, err)
	require.Len(t, m.Rows, 1)

	rr := m.Rows[0]
	assert.False(t, rr.FullStripe)

	touched := 0
	for _, c := range rr.DataCols() {
		if c.Size > 0 {
			touched++
			assert.Equal(t, payload, c.Data)
		}
	}
	assert.Equal(t, 1, touched, "only one data column should be touched by a 2-byte write inside it")

	// parity sub-range should bound exactly the touched bytes.
	assert.Equal(t, 3, rr.ParityStart)
	assert.Equal(t, 5, rr.ParityEnd)
}

func TestBuildMap_SpansMultipleRows(t *testing.T) {
	ndata, nparity, stripe := 2, 1, 4
	rowBytes := int64(stripe * ndata) // 8 bytes/row
	payload := make([]byte, rowBytes+2)
	for i := range payload {
		payload[i] = byte(i)
	}

	m, err := BuildMap(ndata, nparity, stripe, 0, 0, len(payload), true, payload)
	require.NoError(t, err)
	require.Len(t, m.Rows, 2)

	assert.True(t, m.Rows[0].FullStripe)
	assert.False(t, m.Rows[1].FullStripe)
	assert.Equal(t, int64(0), m.Rows[0].RowIndex)
	assert.Equal(t, int64(1), m.Rows[1].RowIndex)
}

func TestBuildMap_ActivemapOffsetAppliedToChildOffsets(t *testing.T) {
	ndata, nparity, stripe := 2, 1, 4
	amSize := int64(64)

	payload := make([]byte, stripe*ndata)
	m, err := BuildMap(ndata, nparity, stripe, amSize, 0, len(payload), true, payload)
	require.NoError(t, err)
	require.Len(t, m.Rows, 1)

	for _, c := range m.Rows[0].Cols {
		assert.GreaterOrEqual(t, c.Offset, amSize, "every column offset must clear the activemap reservation")
	}
}

func TestBuildMap_RejectsMismatchedPayloadLength(t *testing.T) {
	_, err := BuildMap(3, 1, 4, 0, 0, 10, true, make([]byte, 5))
	assert.Error(t, err)
}

func TestBuildMap_RejectsBadShape(t *testing.T) {
	_, err := BuildMap(0, 1, 4, 0, 0, 4, true, make([]byte, 4))
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestBuildMap_ZeroSizeIsEmptyMap(t *testing.T) {
	m, err := BuildMap(3, 1, 4, 0, 0, 0, true, nil)
	require.NoError(t, err)
	assert.Empty(t, m.Rows)
}
