package raidy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFullStripeRow(t *testing.T, ndata, nparity, stripe int, data []byte) *Row {
	t.Helper()
	m, err := BuildMap(ndata, nparity, stripe, 0, 0, len(data), true, data)
	require.NoError(t, err)
	require.Len(t, m.Rows, 1)
	return m.Rows[0]
}

func TestGenerateParityRow_ThenVerifySucceeds(t *testing.T) {
	ndata, nparity, stripe := 3, 1, 4
	data := []byte("ABCDEFGHIJKL")

	rr := buildFullStripeRow(t, ndata, nparity, stripe, data)
	shardSize := rr.ParityEnd - rr.ParityStart

	require.NoError(t, GenerateParityRow(ndata, nparity, rr, shardSize))
	assert.NoError(t, VerifyParityRow(ndata, nparity, rr, shardSize))
}

func TestVerifyParityRow_DetectsCorruption(t *testing.T) {
	ndata, nparity, stripe := 3, 1, 4
	data := []byte("ABCDEFGHIJKL")

	rr := buildFullStripeRow(t, ndata, nparity, stripe, data)
	shardSize := rr.ParityEnd - rr.ParityStart
	require.NoError(t, GenerateParityRow(ndata, nparity, rr, shardSize))

	rr.ParityCols()[0].Data[0] ^= 0xFF

	err := VerifyParityRow(ndata, nparity, rr, shardSize)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReconstructRow_SingleMissingDataColumn(t *testing.T) {
	ndata, nparity, stripe := 3, 1, 4
	data := []byte("ABCDEFGHIJKL")

	rr := buildFullStripeRow(t, ndata, nparity, stripe, data)
	shardSize := rr.ParityEnd - rr.ParityStart
	require.NoError(t, GenerateParityRow(ndata, nparity, rr, shardSize))

	lost := rr.DataCols()[1]
	want := append([]byte(nil), lost.Data...)
	lost.Data = nil

	require.NoError(t, ReconstructRow(ndata, nparity, rr, shardSize))
	assert.Equal(t, want, lost.Data)
}

func TestReconstructRow_TooManyMissingFails(t *testing.T) {
	ndata, nparity, stripe := 3, 1, 4
	data := []byte("ABCDEFGHIJKL")

	rr := buildFullStripeRow(t, ndata, nparity, stripe, data)
	shardSize := rr.ParityEnd - rr.ParityStart
	require.NoError(t, GenerateParityRow(ndata, nparity, rr, shardSize))

	rr.DataCols()[0].Data = nil
	rr.DataCols()[1].Data = nil

	err := ReconstructRow(ndata, nparity, rr, shardSize)
	assert.ErrorIs(t, err, ErrTooManyFailures)
}

func TestReconstructRow_DoubleParityRecoversTwoMissingData(t *testing.T) {
	ndata, nparity, stripe := 4, 2, 4
	data := []byte("ABCDEFGHIJKLMNOP")

	rr := buildFullStripeRow(t, ndata, nparity, stripe, data)
	shardSize := rr.ParityEnd - rr.ParityStart
	require.NoError(t, GenerateParityRow(ndata, nparity, rr, shardSize))

	wantA := append([]byte(nil), rr.DataCols()[0].Data...)
	wantB := append([]byte(nil), rr.DataCols()[2].Data...)
	rr.DataCols()[0].Data = nil
	rr.DataCols()[2].Data = nil

	require.NoError(t, ReconstructRow(ndata, nparity, rr, shardSize))
	assert.Equal(t, wantA, rr.DataCols()[0].Data)
	assert.Equal(t, wantB, rr.DataCols()[2].Data)
}

func TestGenerateParity_AllRows(t *testing.T) {
	ndata, nparity, stripe := 2, 1, 4
	rowBytes := stripe * ndata
	data := make([]byte, rowBytes*2)
	for i := range data {
		data[i] = byte(i)
	}

	m, err := BuildMap(ndata, nparity, stripe, 0, 0, len(data), true, data)
	require.NoError(t, err)
	require.NoError(t, GenerateParity(m))

	for _, rr := range m.Rows {
		shardSize := rr.ParityEnd - rr.ParityStart
		assert.NoError(t, VerifyParityRow(ndata, nparity, rr, shardSize))
	}
}
