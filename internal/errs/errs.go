// Package errs defines the error taxonomy shared by every layer of the
// detection core, from crypto primitives up through the detection session.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on failure semantics
// without string matching.
type Kind int

const (
	// InvalidArgument marks a length or parameter violation in a crypto
	// or API call.
	InvalidArgument Kind = iota
	// CryptoFailure marks a non-retryable HKDF or AES failure.
	CryptoFailure
	// BadFormat marks a TEK or signature file that does not conform to
	// the expected container layout.
	BadFormat
	// Underrun marks a length-delimited frame that ended before its
	// declared length was consumed.
	Underrun
	// Overrun marks a length-delimited frame whose declared length
	// extends past the end of the buffer or file.
	Overrun
	// Range marks a value outside its permitted range (e.g. a tag or
	// wire type the framing does not recognize).
	Range
	// StoreFull marks exhausted device storage.
	StoreFull
	// StoreCorrupt marks store corruption; the caller must close the
	// store and schedule a rebuild.
	StoreCorrupt
	// StoreReopen marks a transient I/O failure; the caller may close
	// and reopen the store.
	StoreReopen
	// StoreBusy marks contention the caller may retry after backoff.
	StoreBusy
	// Internal marks a bookkeeping or allocation failure.
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case CryptoFailure:
		return "crypto_failure"
	case BadFormat:
		return "bad_format"
	case Underrun:
		return "underrun"
	case Overrun:
		return "overrun"
	case Range:
		return "range"
	case StoreFull:
		return "store_full"
	case StoreCorrupt:
		return "store_corrupt"
	case StoreReopen:
		return "store_reopen"
	case StoreBusy:
		return "store_busy"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every package in the
// detection core. It carries a Kind so callers can decide whether a
// failure is retryable without parsing the message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a Kind and message.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind, unwrapping
// through any wrapping layers.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
