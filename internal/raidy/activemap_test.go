package raidy

import (
	"context"
	"testing"

	"github.com/Anthya1104/raidy/internal/raidy/child"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveMap_InitSizing(t *testing.T) {
	am, err := Init(100, 10, 4096, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(10), am.nextents) // 100 rows / 10 rows-per-extent

	size := am.OnDiskSize()
	assert.Equal(t, int64(0), size%64, "on-disk size must respect alignment")
	assert.GreaterOrEqual(t, size, int64(64))
}

func TestActiveMap_WriteStartWriteCompleteCycle(t *testing.T) {
	am, err := Init(100, 10, 4096, 64)
	require.NoError(t, err)

	assert.True(t, am.WriteStart(0, 5), "first dirty transition needs a sync")
	am.markAllPersisted() // simulate the flush the caller performs on a true return

	assert.False(t, am.WriteStart(1, 3), "already-dirty extent needs no additional sync")

	assert.False(t, am.WriteComplete(1, 3), "extent still dirty from the first write")
	assert.True(t, am.WriteComplete(0, 5), "last writer out clears the extent and needs a sync")
}

func TestActiveMap_MergeAndBitmapRoundtrip(t *testing.T) {
	a, err := Init(100, 10, 4096, 64)
	require.NoError(t, err)
	b, err := Init(100, 10, 4096, 64)
	require.NoError(t, err)

	a.WriteStart(0, 1)
	a.markAllPersisted()
	buf := a.Bitmap()

	b.Merge(buf)
	assert.True(t, b.extents[0].persistedBit)
}

func TestActiveMap_FlushToleratesPartialFailure(t *testing.T) {
	am, err := Init(10, 10, 4096, 64)
	require.NoError(t, err)

	good := child.NewMemChild(0, 4096)
	bad := child.NewMemChild(1, 4096)
	bad.Fault()

	err = am.Flush(context.Background(), []child.Child{good, bad})
	assert.NoError(t, err, "one surviving replica write is enough")
}

func TestActiveMap_FlushFailsWhenEveryChildFails(t *testing.T) {
	am, err := Init(10, 10, 4096, 64)
	require.NoError(t, err)

	c1 := child.NewMemChild(0, 4096)
	c1.Fault()
	c2 := child.NewMemChild(1, 4096)
	c2.Fault()

	err = am.Flush(context.Background(), []child.Child{c1, c2})
	assert.ErrorIs(t, err, ErrActivemapIO)
}

func TestActiveMap_RecoverySweepIteratesDirtyExtents(t *testing.T) {
	am, err := Init(100, 10, 4096, 64)
	require.NoError(t, err)

	am.WriteStart(0, 1)
	am.markAllPersisted()
	am.WriteStart(55, 1)
	am.markAllPersisted()

	it := am.SyncRewind()
	seen := map[int64]bool{}
	for {
		_, _, extentID := it.SyncOffset()
		if extentID == -1 {
			break
		}
		seen[extentID] = true
	}
	assert.True(t, seen[0])
	assert.True(t, seen[5])
	assert.Len(t, seen, 2)
}

func TestActiveMap_ExtentCompleteReportsFullyClean(t *testing.T) {
	am, err := Init(20, 10, 4096, 64)
	require.NoError(t, err)

	am.WriteStart(0, 1)
	am.markAllPersisted()

	assert.True(t, am.ExtentComplete(0))
	assert.False(t, am.AnyDirty())
}
