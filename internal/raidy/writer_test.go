package raidy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVdev_PartialWriteFailsWhenTooManyChildrenDown(t *testing.T) {
	ctx := context.Background()
	stripe := 8
	v, mems := newTestVdev(t, 4, 1, stripe, 4)

	ndata := v.Ndata()
	base := make([]byte, int64(stripe)*int64(ndata))
	require.NoError(t, v.Write(ctx, 0, base))

	mems[1].Fault()
	mems[2].Fault()

	err := v.Write(ctx, 5, []byte{0x01, 0x02})
	assert.Error(t, err, "a partial write needing RMW cannot tolerate two faulted children with nparity=1")
}

func TestVdev_FullStripeWriteTakesNoReadPath(t *testing.T) {
	ctx := context.Background()
	stripe := 8
	v, _ := newTestVdev(t, 3, 1, stripe, 2)

	ndata := v.Ndata()
	payload := make([]byte, int64(stripe)*int64(ndata))
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	require.NoError(t, v.Write(ctx, 0, payload))
	stats := v.Stats()
	assert.Equal(t, int64(1), stats["full_stripe_writes"])
	assert.Equal(t, int64(0), stats["partial_stripe_writes"])
}
