package capi

import (
	"errors"
	"fmt"
	"syscall"
)

// Errno is an errno value reported by a libibverbs call, either as a return code
// or through errno for calls that return a pointer.
type Errno int32

// Error codes commonly surfaced by the verbs calls wrapped in this package.
const (
	Success         Errno = 0
	ErrPerm         Errno = Errno(syscall.EPERM)
	ErrNoEntry      Errno = Errno(syscall.ENOENT)
	ErrIO           Errno = Errno(syscall.EIO)
	ErrAgain        Errno = Errno(syscall.EAGAIN)
	ErrNoMemory     Errno = Errno(syscall.ENOMEM)
	ErrFault        Errno = Errno(syscall.EFAULT)
	ErrBusy         Errno = Errno(syscall.EBUSY)
	ErrNoDevice     Errno = Errno(syscall.ENODEV)
	ErrInvalid      Errno = Errno(syscall.EINVAL)
	ErrNotSupported Errno = Errno(syscall.EOPNOTSUPP)
	ErrTimedOut     Errno = Errno(syscall.ETIMEDOUT)
)

// Error returns the strerror text for the Errno.
func (e Errno) Error() string {
	if e == Success {
		return "success"
	}
	return syscall.Errno(e).Error()
}

// Is lets errors.Is match an Errno against the equivalent syscall.Errno.
func (e Errno) Is(target error) bool {
	var se syscall.Errno
	if errors.As(target, &se) {
		return Errno(se) == e
	}
	return false
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a verbs return code into a Go error. Zero is success.
// Verbs calls report failures either as a positive errno or as its negation.
func ErrorFromStatus(status int, op string) error {
	if status == 0 {
		return nil
	}
	if status < 0 {
		status = -status
	}
	return Errno(status).WithOp(op)
}

// ErrorFromErrno converts the errno captured by cgo for a call that returned NULL.
// A NULL result with errno unset is reported as ErrIO.
func ErrorFromErrno(err error, op string) error {
	var se syscall.Errno
	if errors.As(err, &se) && se != 0 {
		return Errno(se).WithOp(op)
	}
	return ErrIO.WithOp(op)
}
