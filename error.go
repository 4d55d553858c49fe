package trunkstore

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the named error kinds returned across the
// TrunkAllocator public API boundary. No error carries a backtrace
// across that boundary - callers receive a (Code, Context) pair wrapped
// in Error.
type ErrorCode int

const (
	// Unknown is the zero value; it should never be returned deliberately.
	Unknown ErrorCode = iota
	// NotReady is returned when a public operation is called before
	// recovery completed, or after shutdown has begun.
	NotReady
	// InvalidArgument marks a bad path_index, a zero size, or a region
	// whose fields fall outside the configured bounds.
	InvalidArgument
	// OutOfSpace marks a filesystem reserved-space check failure during
	// precreate.
	OutOfSpace
	// Duplicate marks a release call for a region already known FREE.
	Duplicate
	// NotFound marks a confirm(Success) or internal deletion for a region
	// not currently indexed.
	NotFound
	// Corruption marks a binlog parse error, snapshot parse error, or
	// trunk id reuse detected at creation.
	Corruption
	// IoError marks an underlying read/write/rename/fsync failure; the OS
	// error is preserved via Err.
	IoError
	// Timeout marks a trunk-preallocation peer wait that exceeded its
	// budget.
	Timeout
)

func (c ErrorCode) String() string {
	switch c {
	case NotReady:
		return "NotReady"
	case InvalidArgument:
		return "InvalidArgument"
	case OutOfSpace:
		return "OutOfSpace"
	case Duplicate:
		return "Duplicate"
	case NotFound:
		return "NotFound"
	case Corruption:
		return "Corruption"
	case IoError:
		return "IoError"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is the allocator's error type: a named code, an optional wrapped
// cause, and a free-form context string describing what was being done.
type Error struct {
	Code    ErrorCode
	Err     error
	Context string
}

func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Context)
	}
	return fmt.Errorf("%s: %s: %w", e.Code, e.Context, e.Err).Error()
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e Error) Unwrap() error {
	return e.Err
}

// newError is a small constructor to keep call sites terse.
func newError(code ErrorCode, context string, err error) error {
	return Error{Code: code, Err: err, Context: context}
}

// IsCode reports whether err is a trunkstore.Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
