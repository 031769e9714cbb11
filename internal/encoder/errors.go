package encoder

import (
	"errors"
	"fmt"
)

// Kind classifies why an encode attempt failed.
type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindEncoderFailed Kind = "encoder_failed"
	KindIOFailure     Kind = "io_failure"
	// KindCanceled is reported when the caller's context ends before the
	// encoder finishes, which only happens during shutdown.
	KindCanceled Kind = "canceled"
)

// Error describes a failed encode of a single profile.
type Error struct {
	Kind       Kind
	Profile    string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindEncoderFailed:
		msg := fmt.Sprintf("encode %s: encoder failed (exit %d)", e.Profile, e.ExitCode)
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	default:
		if e.Err != nil {
			return fmt.Sprintf("encode %s: %s: %v", e.Profile, e.Kind, e.Err)
		}
		return fmt.Sprintf("encode %s: %s", e.Profile, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind carried by err, or "" when err is not an
// *Error.
func KindOf(err error) Kind {
	var encErr *Error
	if errors.As(err, &encErr) {
		return encErr.Kind
	}
	return ""
}
