// Package futex wraps the Linux futex(2) syscall for the word-sized
// blocking points used by the ring and the allocator: producers parking on
// a full ring, allocators parking on an empty size class.
package futex

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when the deadline elapses before a Wake.
var ErrTimeout = errors.New("futex: wait timed out")

// Wait blocks while *addr == expected, subject to timeout (zero means no
// timeout). It returns nil on a (possibly spurious) wake, and ErrTimeout on
// expiry. Callers MUST re-check their condition after Wait returns, per the
// usual futex contract.
func Wait(addr *uint32, expected uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		deadline := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &deadline
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expected),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		// EAGAIN: *addr had already changed, treat as a wake.
		// EINTR: spurious signal, caller re-checks and retries.
		return nil
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return errno
	}
}

// Wake wakes up to n waiters parked on addr. It never blocks.
func Wake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(n),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// WakeOne wakes a single waiter, the common case after a push/free.
func WakeOne(addr *uint32) error {
	return Wake(addr, 1)
}
