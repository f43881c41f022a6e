// Package doorbell implements the cross-process wakeup primitive: a
// connected, non-blocking datagram socketpair per peer, used to nudge a
// process that might be blocked in epoll/select rather than spinning on
// the ring (§5 of the specification this module implements).
package doorbell

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Doorbell is one end of a socketpair. Signal is called by whichever side
// produced new work; Wait/Drain are called by whichever side consumes it.
// A Doorbell is safe for concurrent Signal and Wait/Drain from different
// goroutines, but not for concurrent Wait calls.
type Doorbell struct {
	fd int
}

// NewPair creates a connected AF_UNIX SOCK_DGRAM socketpair and returns
// the host-side and cell-side Doorbells. host.SpawnCell hands the
// cell-side fd to the child through exec.Cmd.ExtraFiles, which installs
// it as the child's fd 3.
func NewPair() (host *Doorbell, cell *Doorbell, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("doorbell: socketpair: %w", err)
	}
	return &Doorbell{fd: fds[0]}, &Doorbell{fd: fds[1]}, nil
}

// FromFD wraps an already-open, already-connected doorbell fd, as used by
// a cell process that received its fd number on the command line
// (§6: --doorbell-fd).
func FromFD(fd int) *Doorbell {
	return &Doorbell{fd: fd}
}

// FD returns the underlying file descriptor, for handing to the host's
// exec.Cmd.ExtraFiles or to an epoll/kqueue readiness loop.
func (d *Doorbell) FD() int { return d.fd }

// Signal nudges the peer. It is level-triggered and coalescing: multiple
// Signal calls between Drains collapse into "there is work", never
// "there are N units of work" (§5). EAGAIN (the peer's receive buffer is
// full) is not an error.
func (d *Doorbell) Signal() error {
	_, err := unix.Write(d.fd, []byte{0})
	if err == unix.EAGAIN || err == nil {
		return nil
	}
	return fmt.Errorf("doorbell: signal: %w", err)
}

// Drain empties the receive buffer idempotently: calling it when nothing
// is pending is a correct, cheap no-op. A caller should Drain before
// re-checking its ring(s) for work, so that a Signal racing the drain is
// not lost (it will simply be observed on the next poll).
func (d *Doorbell) Drain() error {
	buf := make([]byte, 256)
	for {
		_, err := unix.Read(d.fd, buf)
		if err == nil {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("doorbell: drain: %w", err)
	}
}

// PendingBytes reports how many bytes are queued to be read, for
// diagnostics (SPEC_FULL §12); it does not consume them.
func (d *Doorbell) PendingBytes() (int, error) {
	n, err := unix.IoctlGetInt(d.fd, unix.FIONREAD)
	if err != nil {
		return 0, fmt.Errorf("doorbell: FIONREAD: %w", err)
	}
	return n, nil
}

// Wait blocks until the doorbell is readable or ctx is done, then Drains
// it. It is the async complement to a busy poll loop: callers that also
// need to watch other fds should instead register FD() with their own
// epoll/kqueue and call Drain after waking.
func (d *Doorbell) Wait(ctx context.Context) error {
	pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("doorbell: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		return d.Drain()
	}
}

// Close closes the underlying fd. The host closes its own copy right
// after a successful SpawnCell (the child's inherited copy keeps the
// other end alive); the cell closes its copy at shutdown.
func (d *Doorbell) Close() error {
	return unix.Close(d.fd)
}
