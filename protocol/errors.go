package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated      = errors.New("truncated input")
	ErrUnknownKind    = errors.New("unknown message kind")
	ErrSchemaMismatch = errors.New("fields do not match message kind")
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
	ErrMalformed      = errors.New("malformed message body")
)

// DecodeError is returned for any input that is not exactly one well-formed message.
// Reason is one of the sentinel errors above.
type DecodeError struct {
	Reason error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decoding message: %s", e.Reason)
	}
	return fmt.Sprintf("decoding message: %s: %s", e.Reason, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

func decodeErr(reason error, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
