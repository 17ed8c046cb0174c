// Package errno is the kernel-wide error taxonomy (§7). Every kernel
// subsystem that can fail a syscall reports failure through an Errno value
// rather than a generic Go error, so the syscall dispatcher always has a
// number to place in the caller's errno slot.
//
// The teacher never implements a guest OS itself, but one of the pack
// libraries — gVisor — is a from-scratch reimplementation of the Linux
// syscall ABI surface in Go, including its own numeric errno table
// (gvisor.dev/gvisor/pkg/abi/linux). Using its constants instead of
// hand-rolling new ones keeps the numbers identical to what real Linux
// userland expects, the same reason the teacher keeps its own syscall
// numbering in lockstep with the Linux ABI (internal/linux/defs).
package errno

import (
	"fmt"

	linux "gvisor.dev/gvisor/pkg/abi/linux"
)

// Errno is a kernel-level POSIX-ish error code. The zero value is not a
// valid Errno; use Success-returning (nil) ordinary Go error instead.
type Errno struct {
	no linux.Errno
}

// New wraps a raw Linux errno number.
func New(no linux.Errno) Errno { return Errno{no: no} }

func (e Errno) Error() string {
	return fmt.Sprintf("errno %d: %s", int(e.no), e.no.Error())
}

// Value returns the raw numeric errno, the form placed (negated) into a
// trap frame's a0 on syscall failure (§4.8, §7).
func (e Errno) Value() int64 { return int64(e.no) }

// Generic POSIX-like codes named in §7.
var (
	EPERM   = New(linux.EPERM)
	ENOENT  = New(linux.ENOENT)
	ESRCH   = New(linux.ESRCH)
	EINTR   = New(linux.EINTR)
	EIO     = New(linux.EIO)
	EBADF   = New(linux.EBADF)
	ECHILD  = New(linux.ECHILD)
	EAGAIN  = New(linux.EAGAIN)
	ENOMEM  = New(linux.ENOMEM)
	EACCES  = New(linux.EACCES)
	EFAULT  = New(linux.EFAULT)
	EBUSY   = New(linux.EBUSY)
	EEXIST  = New(linux.EEXIST)
	ENOTDIR = New(linux.ENOTDIR)
	EISDIR  = New(linux.EISDIR)
	EINVAL  = New(linux.EINVAL)
	EMFILE  = New(linux.EMFILE)
	EPIPE   = New(linux.EPIPE)
	ENOSYS  = New(linux.ENOSYS)
	ERANGE  = New(linux.ERANGE)
)

// As extracts an Errno from a generic error, for the dispatcher's final
// translation step. Any non-Errno error is treated as an opaque I/O
// failure, matching §7's "kernel subsystem reports failure... or returning
// a negative value" contract — callers below the syscall boundary are not
// required to know about Errno at all.
func As(err error) (Errno, bool) {
	if err == nil {
		return Errno{}, false
	}
	e, ok := err.(Errno)
	return e, ok
}

// Wrap coerces any error into an Errno, defaulting to EIO when the error
// did not already carry one.
func Wrap(err error) Errno {
	if err == nil {
		return Errno{}
	}
	if e, ok := As(err); ok {
		return e
	}
	return EIO
}
