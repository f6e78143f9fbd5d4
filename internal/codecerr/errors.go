// Package codecerr defines the error taxonomy shared by the decode and
// encode state machines: retryable protocol conditions, caller-sequence
// errors, data corruption, resource exhaustion, and missing backend
// capabilities.
package codecerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers distinguish failure modes with errors.Is.
var (
	ErrAlreadyClosed     = errors.New("codec: input already closed")
	ErrTruncatedStream   = errors.New("codec: stream truncated")
	ErrAPISequence       = errors.New("codec: api sequence error")
	ErrMetadataNotReady  = errors.New("codec: metadata not ready")
	ErrUndersizedBuffer  = errors.New("codec: buffer smaller than required size")
	ErrInvalidFormat     = errors.New("codec: invalid pixel format")
	ErrDecodeCorrupt     = errors.New("codec: corrupt bitstream")
	ErrUnsupported       = errors.New("codec: unsupported by backend")
	ErrMissingCapability = errors.New("codec: backend lacks required capability")
	ErrOutputLimit       = errors.New("codec: output buffer limit reached")
	ErrStreamFailed      = errors.New("codec: stream in error state")
	ErrNameTruncated     = errors.New("codec: name exceeds buffer length")
)

// Class groups errors by how a caller may react to them.
type Class int

// Error classes.
const (
	ClassUnknown Class = iota
	// ClassRetryable conditions need caller action (more input, a buffer)
	// and never invalidate the stream.
	ClassRetryable
	// ClassSequence errors are API misuse by the caller.
	ClassSequence
	// ClassCorrupt errors come from malformed data and are terminal.
	ClassCorrupt
	// ClassResource errors come from allocation limits.
	ClassResource
	// ClassUnsupported errors name a capability the backend does not offer.
	ClassUnsupported
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassSequence:
		return "sequence"
	case ClassCorrupt:
		return "corrupt"
	case ClassResource:
		return "resource"
	case ClassUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error records the operation that failed, its class, and the underlying
// cause.
type Error struct {
	Op    string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err as an *Error for op, deriving the class from err.
func New(op string, err error) *Error {
	return &Error{Op: op, Class: classify(err), Err: err}
}

// Sequence returns a caller-sequence error for op with a formatted detail.
func Sequence(op, format string, args ...any) *Error {
	return &Error{
		Op:    op,
		Class: ClassSequence,
		Err:   fmt.Errorf("%w: %s", ErrAPISequence, fmt.Sprintf(format, args...)),
	}
}

// Corrupt returns a data-corruption error for op with a formatted detail.
func Corrupt(op, format string, args ...any) *Error {
	return &Error{
		Op:    op,
		Class: ClassCorrupt,
		Err:   fmt.Errorf("%w: %s", ErrDecodeCorrupt, fmt.Sprintf(format, args...)),
	}
}

// Unsupported returns an error naming a capability the backend lacks.
func Unsupported(op string) *Error {
	return &Error{Op: op, Class: ClassUnsupported, Err: ErrUnsupported}
}

// ClassOf reports the class of err. Errors that are not *Error are
// classified by the sentinel they wrap.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return classify(err)
}

// IsRetryable reports whether err is a retryable protocol condition.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassRetryable
}

// IsFatal reports whether err invalidates the stream it came from.
func IsFatal(err error) bool {
	switch ClassOf(err) {
	case ClassCorrupt, ClassResource:
		return true
	}
	return errors.Is(err, ErrTruncatedStream) || errors.Is(err, ErrStreamFailed)
}

func classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrDecodeCorrupt), errors.Is(err, ErrTruncatedStream):
		return ClassCorrupt
	case errors.Is(err, ErrOutputLimit):
		return ClassResource
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrMissingCapability):
		return ClassUnsupported
	case errors.Is(err, ErrAPISequence), errors.Is(err, ErrMetadataNotReady),
		errors.Is(err, ErrUndersizedBuffer), errors.Is(err, ErrAlreadyClosed),
		errors.Is(err, ErrInvalidFormat), errors.Is(err, ErrNameTruncated):
		return ClassSequence
	}
	return ClassUnknown
}
