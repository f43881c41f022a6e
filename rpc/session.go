package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cellhub/cellhub/ring"
	"github.com/cellhub/cellhub/transport"
)

// ChannelState is a node in the per-channel state machine (§4.8, §8.6):
// Idle -> AwaitingResponse | Streaming -> Closed, with Cancelled and
// Failed reachable from any non-terminal state.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateAwaitingResponse
	StateStreaming
	StateClosed
	StateCancelled
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateStreaming:
		return "Streaming"
	case StateClosed:
		return "Closed"
	case StateCancelled:
		return "Cancelled"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// channel is the session's bookkeeping for one logical RPC call, either
// one this side initiated (Call) or one the peer initiated (dispatched to
// a Handler/StreamHandler).
type channel struct {
	id    uint64
	state ChannelState

	reply  chan frameResult // unary: one slot, closed after use
	stream chan frameResult // streaming: buffered, closed on EOS/error
}

type frameResult struct {
	payload []byte
	kind    ring.Flags
	err     *Error
}

// CallContext is handed to a Handler/StreamHandler so it can observe
// cancellation of the channel it is answering.
type CallContext struct {
	context.Context
	ChannelID uint64
	session   *Session
}

// Cancelled reports whether the caller has cancelled this channel.
func (c *CallContext) Cancelled() bool {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	ch, ok := c.session.channels[c.ChannelID]
	return ok && ch.state == StateCancelled
}

// StreamWriter lets a StreamHandler emit chunks before its final return.
type StreamWriter struct {
	s         *Session
	channelID uint64
}

// Send writes one DATA frame.
func (w *StreamWriter) Send(chunk []byte) error {
	return w.s.t.Send(w.channelID, 0, ring.FlagData, chunk)
}

// Session multiplexes many logical channels over one transport.Transport
// (§4.8). One Session serves exactly one peer connection.
type Session struct {
	t          *transport.Transport
	isHost     bool
	dispatcher *Dispatcher
	log        *zap.SugaredLogger
	pending    *semaphore.Weighted // bounds concurrent outbound calls (§12, resolving the Open Question on overload)

	mu          sync.Mutex
	channels    map[uint64]*channel
	nextOddID   uint64
	nextEvenID  uint64
	dispatchWG  sync.WaitGroup
	closed      atomic.Bool
}

// Option configures a Session at construction.
type Option func(*Session)

// WithLog attaches a logger, mirroring the options pattern used
// throughout this module's ambient stack.
func WithLog(log *zap.SugaredLogger) Option {
	return func(s *Session) { s.log = log }
}

// WithMaxPendingCalls bounds the number of concurrent outbound Call/Stream
// invocations this session will start before blocking the caller,
// addressing the ~8192-call overload observed in practice (§12).
func WithMaxPendingCalls(n int64) Option {
	return func(s *Session) { s.pending = semaphore.NewWeighted(n) }
}

// NewSession wraps t with channel multiplexing. isHost picks this side's
// channel id parity: odd for host-initiated, even for peer-initiated
// (§4.8).
func NewSession(t *transport.Transport, isHost bool, dispatcher *Dispatcher, opts ...Option) *Session {
	s := &Session{
		t:          t,
		isHost:     isHost,
		dispatcher: dispatcher,
		log:        zap.NewNop().Sugar(),
		pending:    semaphore.NewWeighted(8192),
		channels:   make(map[uint64]*channel),
		nextOddID:  1,
		nextEvenID: 2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) allocChannelID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isHost {
		id := s.nextOddID
		s.nextOddID += 2
		return id
	}
	id := s.nextEvenID
	s.nextEvenID += 2
	return id
}

// Run receives frames until ctx is done or the transport's Recv returns an
// error, dispatching each to its channel's state machine or, for a new
// REQUEST, to a freshly spawned handler goroutine.
func (s *Session) Run(ctx context.Context) error {
	for {
		f, err := s.t.Recv(ctx)
		if err != nil {
			return fmt.Errorf("rpc: session recv: %w", err)
		}
		s.handleFrame(ctx, f)
	}
}

func (s *Session) handleFrame(ctx context.Context, f transport.Frame) {
	s.mu.Lock()
	ch, known := s.channels[f.ChannelID]
	s.mu.Unlock()

	switch {
	case f.Flags&ring.FlagRequest != 0:
		if known {
			s.failChannel(f.ChannelID, Errorf(KindChannelProtocol, "REQUEST on already-open channel %d", f.ChannelID))
			return
		}
		s.dispatchRequest(ctx, f)

	case f.Flags&ring.FlagCancel != 0:
		s.mu.Lock()
		if known {
			ch.state = StateCancelled
		}
		s.mu.Unlock()

	case f.Flags&(ring.FlagResponse|ring.FlagData|ring.FlagError|ring.FlagEOS) != 0:
		if !known {
			s.log.Warnw("rpc: frame for unknown channel", "channel_id", f.ChannelID, "flags", f.Flags)
			return
		}
		s.deliverToChannel(ch, f)

	default:
		s.failChannel(f.ChannelID, Errorf(KindChannelProtocol, "frame with no recognized flag on channel %d", f.ChannelID))
	}
}

func (s *Session) deliverToChannel(ch *channel, f transport.Frame) {
	s.mu.Lock()
	state := ch.state
	s.mu.Unlock()

	if state == StateClosed || state == StateFailed {
		return // late/duplicate frame on a channel already torn down
	}

	result := frameResult{payload: f.Payload}
	if f.Flags&ring.FlagError != 0 {
		e, derr := decodeEnvelope(f.Payload)
		msg := string(f.Payload)
		if derr == nil {
			msg = string(e.Body)
		}
		result.err = Errorf(KindTransport, "%s", msg)
	}

	if ch.stream != nil {
		select {
		case ch.stream <- result:
		default:
			s.log.Warnw("rpc: stream channel buffer full, dropping frame", "channel_id", ch.id)
		}
		if f.Flags&ring.FlagEOS != 0 || result.err != nil {
			s.closeChannel(ch.id, StateClosed)
			close(ch.stream)
		}
		return
	}

	select {
	case ch.reply <- result:
	default:
	}
	s.closeChannel(ch.id, StateClosed)
}

func (s *Session) dispatchRequest(ctx context.Context, f transport.Frame) {
	env, err := decodeEnvelope(f.Payload)
	if err != nil {
		s.sendError(f.ChannelID, err)
		return
	}

	m, ok := s.dispatcher.lookup(env.Method)
	if !ok {
		s.sendError(f.ChannelID, Errorf(KindMethodUnknown, "no handler registered for method %q", env.Method))
		return
	}

	ch := &channel{id: f.ChannelID, state: StateAwaitingResponse}
	if m.stream != nil {
		// Streaming handlers (notably tunnel targets) may also receive
		// inbound DATA frames on this same channel, not just emit them via
		// StreamWriter; allocate the inbound buffer up front so
		// tunnelInbound/deliverToChannel never see a nil stream channel.
		ch.stream = make(chan frameResult, 16)
	}
	s.mu.Lock()
	s.channels[f.ChannelID] = ch
	s.mu.Unlock()

	s.dispatchWG.Add(1)
	go func() {
		defer s.dispatchWG.Done()
		cctx := &CallContext{Context: ctx, ChannelID: f.ChannelID, session: s}

		if m.stream != nil {
			s.mu.Lock()
			s.channels[f.ChannelID].state = StateStreaming
			s.mu.Unlock()

			w := &StreamWriter{s: s, channelID: f.ChannelID}
			if err := m.stream(cctx, env.Body, w); err != nil {
				s.sendError(f.ChannelID, Errorf(KindTransport, "%s", err))
				return
			}
			s.t.Send(f.ChannelID, 0, ring.FlagEOS, nil)
			s.closeChannel(f.ChannelID, StateClosed)
			return
		}

		out, err := m.handler(cctx, env.Body)
		if err != nil {
			s.sendError(f.ChannelID, Errorf(KindTransport, "%s", err))
			return
		}
		if sendErr := s.t.Send(f.ChannelID, 0, ring.FlagResponse, out); sendErr != nil {
			s.log.Warnw("rpc: failed to send response", "channel_id", f.ChannelID, "error", sendErr)
		}
		s.closeChannel(f.ChannelID, StateClosed)
	}()
}

func (s *Session) sendError(channelID uint64, e *Error) {
	s.t.Send(channelID, 0, ring.FlagError, encodeEnvelope(envelope{Method: "", Body: []byte(e.Message)}))
	s.closeChannel(channelID, StateFailed)
}

func (s *Session) failChannel(channelID uint64, e *Error) {
	s.closeChannel(channelID, StateFailed)
	s.log.Warnw("rpc: channel protocol violation", "channel_id", channelID, "error", e)
}

func (s *Session) closeChannel(channelID uint64, to ChannelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[channelID]; ok {
		ch.state = to
	}
	delete(s.channels, channelID)
}

// Call sends a unary request and blocks for its response, subject to ctx.
func (s *Session) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	if err := s.pending.Acquire(ctx, 1); err != nil {
		return nil, Errorf(KindBackpressure, "too many pending calls: %s", err)
	}
	defer s.pending.Release(1)

	id := s.allocChannelID()
	ch := &channel{id: id, state: StateAwaitingResponse, reply: make(chan frameResult, 1)}

	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()

	payload := encodeEnvelope(envelope{Method: method, Body: body})
	if err := s.t.Send(id, 0, ring.FlagRequest, payload); err != nil {
		s.closeChannel(id, StateFailed)
		return nil, Errorf(KindTransport, "%s", err)
	}

	select {
	case res := <-ch.reply:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		s.t.Send(id, 0, ring.FlagCancel, nil)
		s.closeChannel(id, StateCancelled)
		return nil, Errorf(KindCancelled, "%s", ctx.Err())
	}
}

// CallStream sends a unary request and returns a channel of response
// chunks, closed when the peer sends EOS or an error.
func (s *Session) CallStream(ctx context.Context, method string, body []byte) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 16)
	errc := make(chan error, 1)

	if err := s.pending.Acquire(ctx, 1); err != nil {
		close(out)
		errc <- Errorf(KindBackpressure, "too many pending calls: %s", err)
		return out, errc
	}

	id := s.allocChannelID()
	ch := &channel{id: id, state: StateStreaming, stream: make(chan frameResult, 16)}

	s.mu.Lock()
	s.channels[id] = ch
	s.mu.Unlock()

	payload := encodeEnvelope(envelope{Method: method, Body: body})
	if err := s.t.Send(id, 0, ring.FlagRequest, payload); err != nil {
		s.pending.Release(1)
		close(out)
		errc <- Errorf(KindTransport, "%s", err)
		return out, errc
	}

	go func() {
		defer s.pending.Release(1)
		defer close(out)
		for res := range ch.stream {
			if res.err != nil {
				errc <- res.err
				return
			}
			select {
			case out <- res.payload:
			case <-ctx.Done():
				s.t.Send(id, 0, ring.FlagCancel, nil)
				errc <- Errorf(KindCancelled, "%s", ctx.Err())
				return
			}
		}
	}()

	return out, errc
}

// Close waits for in-flight handler goroutines to return. It does not
// close the underlying transport; callers own that.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.dispatchWG.Wait()
	return nil
}
