package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Test_TunnelRoundTripsBytesThroughEchoServer exercises the bidirectional
// path a tunnel must support: the cell side dials a real TCP echo server,
// and bytes written on the host's Tunnel come back read from it.
func Test_TunnelRoundTripsBytesThroughEchoServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	d := NewDispatcher()
	d.RegisterTunnelTarget(ln.Addr().String(), nil)
	hostSession, _ := pairedSessions(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tun, err := hostSession.OpenTunnel(ctx)
	require.NoError(t, err)

	_, err = tun.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := readFull(tun, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, tun.Close())
}

func readFull(t *Tunnel, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := t.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
