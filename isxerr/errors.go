// Package isxerr defines the error-kind taxonomy shared by the bt64 and
// ndx index engines.
package isxerr

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Kind classifies an Error without pinning callers to a specific
// underlying cause. It mirrors the taxonomy in the engines' design
// notes: open/mmap failures, corrupt headers, writer-lock contention,
// structural corruption found by the checker, bad arguments, and
// oversized values.
type Kind int

const (
	// KindOpenFailure covers OS-level open/stat/mmap/truncate errors.
	KindOpenFailure Kind = iota
	// KindCorruptHeader covers magic/version mismatches and bad header counters.
	KindCorruptHeader
	// KindWriterLocked means another live process holds the write lock.
	KindWriterLocked
	// KindStructural covers traversal-time corruption: bad level, bad
	// pagelen, out-of-order keys, out-of-bounds pointers.
	KindStructural
	// KindInvalidArgument covers key/data lengths outside configured bounds.
	KindInvalidArgument
	// KindOversized covers values that exceed the engine's per-record limit.
	KindOversized
)

func (k Kind) String() string {
	switch k {
	case KindOpenFailure:
		return "open-failure"
	case KindCorruptHeader:
		return "corrupt-header"
	case KindWriterLocked:
		return "writer-locked"
	case KindStructural:
		return "structural"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindOversized:
		return "oversized"
	default:
		return "unknown"
	}
}

// Error is the typed error surfaced across the public API boundary.
// No panics or exceptions cross the boundary; every failure comes back
// as an *Error that a caller can classify with Is/Kind. msg carries an
// optional formatted detail that has no underlying cause of its own;
// cause is the wrapped error Unwrap reports, nil when there is none.
type Error struct {
	Kind  Kind
	errno syscall.Errno
	msg   string
	cause error
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.cause != nil:
		return fmt.Sprintf("isx: %s: %s: %v", e.Kind, e.msg, e.cause)
	case e.msg != "":
		return fmt.Sprintf("isx: %s: %s", e.Kind, e.msg)
	case e.cause != nil:
		return fmt.Sprintf("isx: %s: %v", e.Kind, e.cause)
	default:
		return fmt.Sprintf("isx: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Errno returns the errno sentinel associated with this error kind, or
// 0 if none applies. CorruptHeader maps to EUCLEAN and WriterLocked to
// EDEADLK, per the design notes' error-propagation policy.
func (e *Error) Errno() syscall.Errno { return e.errno }

// New builds an Error of the given kind, wrapping cause with a stack
// trace via pkg/errors when cause is non-nil.
func New(kind Kind, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &Error{Kind: kind, cause: wrapped, errno: errnoFor(kind)}
}

// Wrapf builds an Error of the given kind with a formatted message,
// wrapping cause (which may be nil) via pkg/errors. Unwrap reports the
// original cause, nil when none was given, rather than a synthetic
// error manufactured from the message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &Error{Kind: kind, msg: msg, cause: wrapped, errno: errnoFor(kind)}
}

func errnoFor(kind Kind) syscall.Errno {
	switch kind {
	case KindCorruptHeader:
		return syscall.EUCLEAN
	case KindWriterLocked:
		return syscall.EDEADLK
	default:
		return 0
	}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
