package diag

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhub/cellhub/alloc"
	"github.com/cellhub/cellhub/hub"
)

func Test_DumpReportsSizeClassesAndPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.mem")
	h, err := hub.Create(path, hub.DefaultConfig(2, 8))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	a := alloc.New(h, alloc.PolicyBlock)

	h.Peer(0).Flags().Store(uint32(hub.PeerRegistered))

	ref, err := a.Alloc(8, 0)
	require.NoError(t, err)

	snap := Dump(h, a)

	// Peers() only reports claimed (non-EMPTY) slots; peer 1 was never
	// claimed so it does not appear here.
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, uint16(0), snap.Peers[0].PeerID)
	assert.Equal(t, hub.PeerRegistered, snap.Peers[0].Flags)

	assert.True(t, snap.LivePeers.Has(0))
	assert.False(t, snap.LivePeers.Has(1))

	assert.Equal(t, uint32(1), snap.Classes[0].Allocated)

	require.NoError(t, a.Free(ref))
}
