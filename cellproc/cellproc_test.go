package cellproc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhub/cellhub/hub"
	"github.com/cellhub/cellhub/rpc"
)

func Test_ParseArgsValidatesFields(t *testing.T) {
	_, err := ParseArgs("", 0, 3)
	assert.Error(t, err)

	_, err = ParseArgs("/tmp/hub.mem", -1, 3)
	assert.Error(t, err)

	_, err = ParseArgs("/tmp/hub.mem", 0x10000, 3)
	assert.Error(t, err)

	_, err = ParseArgs("/tmp/hub.mem", 0, -1)
	assert.Error(t, err)

	args, err := ParseArgs("/tmp/hub.mem", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, Args{HubPath: "/tmp/hub.mem", PeerID: 0, DoorbellFD: 3}, args)
}

func Test_ParseArgsStringsRejectsNonNumeric(t *testing.T) {
	_, err := ParseArgsStrings("/tmp/hub.mem", "not-a-number", "3")
	assert.Error(t, err)

	_, err = ParseArgsStrings("/tmp/hub.mem", "0", "not-a-number")
	assert.Error(t, err)

	args, err := ParseArgsStrings("/tmp/hub.mem", "0", "3")
	require.NoError(t, err)
	assert.Equal(t, Args{HubPath: "/tmp/hub.mem", PeerID: 0, DoorbellFD: 3}, args)
}

func Test_BootstrapRejectsPeerNotRegisteredPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.mem")
	h, err := hub.Create(path, hub.DefaultConfig(1, 8))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	// peer 0 is left EMPTY; Bootstrap requires REGISTERED_PENDING.

	args := Args{HubPath: path, PeerID: 0, DoorbellFD: 0}
	_, err = Bootstrap(args, rpc.NewDispatcher(), nil)
	assert.Error(t, err)
}
