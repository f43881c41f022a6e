package rpc

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/cellhub/cellhub/ring"
)

// tunnelMethod is the well-known method name opening a TCP tunnel channel
// (§4.8: "a special TcpTunnel.open method returns a tunnel handle").
const tunnelMethod = "TcpTunnel.open"

// RegisterTunnelTarget exposes the cell side of a tunnel: every
// TcpTunnel.open call dials addr and copies bytes bidirectionally between
// the tunnel channel and that connection until the caller's EOS arrives.
// If the dialed connection closes first, the channel stays open (and no
// EOS is sent to the caller) until that EOS arrives.
func (d *Dispatcher) RegisterTunnelTarget(addr string, log *zap.SugaredLogger) *Dispatcher {
	return d.RegisterStream(tunnelMethod, func(ctx *CallContext, body []byte, w *StreamWriter) error {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			if log != nil {
				log.Warnw("tunnel: failed to dial target", "addr", addr, "error", err)
			}
			return fmt.Errorf("tunnel: dial %s: %w", addr, err)
		}
		defer conn.Close()

		done := make(chan error, 1)
		go func() {
			buf := make([]byte, 32*1024)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					if werr := w.Send(buf[:n]); werr != nil {
						done <- werr
						return
					}
				}
				if err != nil {
					done <- nil
					return
				}
			}
		}()

		for chunk := range ctx.session.tunnelInbound(ctx.ChannelID) {
			if _, err := conn.Write(chunk); err != nil {
				return fmt.Errorf("tunnel: write: %w", err)
			}
		}
		// The caller closed its end (EOS); close conn now so the read
		// goroutine's blocking Read unblocks with an error instead of
		// leaking until the peer also closes its side.
		conn.Close()
		return <-done
	})
}

// OpenTunnel opens a TCP tunnel channel to the peer and returns a
// net.Conn-like pair of io.Reader/io.Writer the caller copies a real
// net.Conn's bytes to/from (§4.8's "copy_bidirectional").
func (s *Session) OpenTunnel(ctx context.Context) (*Tunnel, error) {
	id := s.allocChannelID()
	ch := &channel{id: id, state: StateStreaming, stream: make(chan frameResult, 16)}

	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()

	payload := encodeEnvelope(envelope{Method: tunnelMethod})
	if err := s.t.Send(id, 0, ring.FlagRequest, payload); err != nil {
		s.closeChannel(id, StateFailed)
		return nil, Errorf(KindTransport, "%s", err)
	}

	return &Tunnel{s: s, channelID: id, in: ch.stream}, nil
}

// Tunnel is one open TcpTunnel.open channel, usable as an io.Reader and
// io.Writer so callers can io.Copy a real net.Conn onto it in both
// directions (§4.8).
type Tunnel struct {
	s         *Session
	channelID uint64
	in        chan frameResult
	buf       []byte
}

func (t *Tunnel) Write(p []byte) (int, error) {
	if err := t.s.t.Send(t.channelID, 0, ring.FlagData, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *Tunnel) Read(p []byte) (int, error) {
	for len(t.buf) == 0 {
		res, ok := <-t.in
		if !ok {
			return 0, io.EOF
		}
		if res.err != nil {
			return 0, res.err
		}
		t.buf = res.payload
	}
	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}

// Close sends EOS on the tunnel channel.
func (t *Tunnel) Close() error {
	return t.s.t.Send(t.channelID, 0, ring.FlagEOS, nil)
}

// tunnelInbound exposes a channel's raw DATA stream to the cell-side
// handler in RegisterTunnelTarget, closing when EOS/error arrives.
func (s *Session) tunnelInbound(channelID uint64) <-chan []byte {
	out := make(chan []byte, 16)
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for res := range ch.stream {
			if res.err != nil {
				return
			}
			out <- res.payload
		}
	}()
	return out
}
