// Package apperr is the error taxonomy shared by the conversation and the job
// pipeline. Every failure that reaches the user is classified by Kind; the
// wrapped cause is only ever logged.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindStaging
	KindTranscode
	KindUpload
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStaging:
		return "staging"
	case KindTranscode:
		return "transcode"
	case KindUpload:
		return "upload"
	default:
		return "internal"
	}
}

// Sentinel causes.
var (
	ErrTooLarge        = errors.New("file exceeds the size limit")
	ErrUnexpectedInput = errors.New("unexpected input for current state")
	ErrEmptyOutput     = errors.New("engine produced no output")
	ErrUnavailable     = errors.New("feature not yet available")
)

// Error wraps a cause with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Detail carries engine diagnostics for the operational log.
	Detail string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func Validation(op string, err error) *Error { return newErr(KindValidation, op, err) }
func Staging(op string, err error) *Error    { return newErr(KindStaging, op, err) }
func Upload(op string, err error) *Error     { return newErr(KindUpload, op, err) }
func Internal(op string, err error) *Error   { return newErr(KindInternal, op, err) }

// Transcode builds a TranscodeError with the engine's diagnostic text.
func Transcode(op string, err error, detail string) *Error {
	e := newErr(KindTranscode, op, err)
	e.Detail = detail
	return e
}

// KindOf reports the kind of the outermost *Error in err's chain.
// Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// DetailOf returns the diagnostic attached to the first *Error carrying one.
func DetailOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Detail != "" {
			return e.Detail
		}
		err = e.Err
	}
	return ""
}
