package rpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhub/cellhub/alloc"
	"github.com/cellhub/cellhub/doorbell"
	"github.com/cellhub/cellhub/hub"
	"github.com/cellhub/cellhub/transport"
)

func Test_EnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	e := envelope{Method: "Echo", Body: []byte("hello")}
	decoded, err := decodeEnvelope(encodeEnvelope(e))
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func Test_DispatcherPanicsOnDuplicateRegistration(t *testing.T) {
	d := NewDispatcher()
	d.Register("Echo", func(*CallContext, []byte) ([]byte, error) { return nil, nil })
	assert.Panics(t, func() {
		d.Register("Echo", func(*CallContext, []byte) ([]byte, error) { return nil, nil })
	})
}

// pairedSessions wires a host-side and cell-side Session over one hub peer
// slot, running both in the background until t's cleanup.
func pairedSessions(t *testing.T, cellDispatcher *Dispatcher) (*Session, *Session) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hub.mem")
	h, err := hub.Create(path, hub.DefaultConfig(1, 8))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	peer := h.Peer(0)
	peer.Flags().Store(uint32(hub.PeerRegistered))

	hostDB, cellDB, err := doorbell.NewPair()
	require.NoError(t, err)
	t.Cleanup(func() { hostDB.Close(); cellDB.Close() })

	a := alloc.New(h, alloc.PolicyBlock)
	hostT := transport.NewHostSide(h, a, peer, hostDB)
	cellT := transport.NewCellSide(h, a, peer, cellDB)

	hostSession := NewSession(hostT, true, NewDispatcher())
	cellSession := NewSession(cellT, false, cellDispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go hostSession.Run(ctx)
	go cellSession.Run(ctx)

	return hostSession, cellSession
}

func Test_UnaryCallHappyPath(t *testing.T) {
	d := NewDispatcher().Register("Echo", func(_ *CallContext, body []byte) ([]byte, error) {
		return body, nil
	})
	hostSession, _ := pairedSessions(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := hostSession.Call(ctx, "Echo", []byte("hello cell"))
	require.NoError(t, err)
	assert.Equal(t, "hello cell", string(resp))
}

func Test_UnknownMethodReturnsMethodUnknown(t *testing.T) {
	hostSession, _ := pairedSessions(t, NewDispatcher())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := hostSession.Call(ctx, "NoSuchMethod", nil)
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
}

func Test_StreamingCallDeliversAllChunksThenEOS(t *testing.T) {
	d := NewDispatcher().RegisterStream("CountTo3", func(_ *CallContext, _ []byte, w *StreamWriter) error {
		for i := 1; i <= 3; i++ {
			if err := w.Send([]byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	hostSession, _ := pairedSessions(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, errc := hostSession.CallStream(ctx, "CountTo3", nil)

	var got []byte
	for chunk := range out {
		got = append(got, chunk...)
	}
	select {
	case err := <-errc:
		require.NoError(t, err)
	default:
	}

	assert.Equal(t, []byte{1, 2, 3}, got)
}
