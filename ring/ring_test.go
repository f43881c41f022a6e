package ring

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhub/cellhub/hub"
)

func newTestRing(t *testing.T, capacity uint32) *Ring {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.mem")
	cfg := hub.DefaultConfig(1, capacity)
	h, err := hub.Create(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	peer := h.Peer(0)
	var futexWord atomic.Uint32
	return Open(h, peer.SendRingOffset(), capacity, &futexWord)
}

func Test_EnqueueDequeueFIFOOrder(t *testing.T) {
	r := newTestRing(t, 4)

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, r.TryEnqueue(Desc{ChannelID: i}))
	}

	for i := uint64(0); i < 3; i++ {
		d, ok := r.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, d.ChannelID)
	}

	_, ok := r.TryDequeue()
	assert.False(t, ok)
}

func Test_TryEnqueueReturnsErrFullAtCapacity(t *testing.T) {
	r := newTestRing(t, 2)

	require.NoError(t, r.TryEnqueue(Desc{ChannelID: 1}))
	require.NoError(t, r.TryEnqueue(Desc{ChannelID: 2}))

	assert.ErrorIs(t, r.TryEnqueue(Desc{ChannelID: 3}), ErrFull)
}

func Test_DequeueFreesRoomForFurtherEnqueues(t *testing.T) {
	r := newTestRing(t, 2)

	require.NoError(t, r.TryEnqueue(Desc{ChannelID: 1}))
	require.NoError(t, r.TryEnqueue(Desc{ChannelID: 2}))
	assert.ErrorIs(t, r.TryEnqueue(Desc{ChannelID: 3}), ErrFull)

	_, ok := r.TryDequeue()
	require.True(t, ok)

	assert.NoError(t, r.TryEnqueue(Desc{ChannelID: 3}))
}

func Test_LenTracksOccupancy(t *testing.T) {
	r := newTestRing(t, 4)
	assert.Equal(t, uint32(0), r.Len())

	require.NoError(t, r.TryEnqueue(Desc{ChannelID: 1}))
	assert.Equal(t, uint32(1), r.Len())

	_, ok := r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint32(0), r.Len())
}

func Test_EnqueueBlocksUntilDequeueFreesASlot(t *testing.T) {
	r := newTestRing(t, 1)
	require.NoError(t, r.TryEnqueue(Desc{ChannelID: 1}))

	done := make(chan error, 1)
	go func() { done <- r.Enqueue(Desc{ChannelID: 2}) }()

	select {
	case err := <-done:
		t.Fatalf("Enqueue returned early on a full ring: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	d, ok := r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), d.ChannelID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Enqueue never woke after a slot freed up")
	}

	d, ok = r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(2), d.ChannelID)
}

func Test_DescRoundTripPreservesAllFields(t *testing.T) {
	r := newTestRing(t, 4)

	want := Desc{
		ChannelID:     42,
		CorrelationID: 7,
		SlotRefBits:   0xABCD1234,
		PayloadLen:    128,
		Flags:         FlagRequest | FlagEOS,
		Generation:    9,
	}
	require.NoError(t, r.TryEnqueue(want))

	got, ok := r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, want, got)
}
