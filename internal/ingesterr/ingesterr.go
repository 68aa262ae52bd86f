// Package ingesterr defines the structured error taxonomy shared across the
// ingestion core: config, I/O, parse, schema drift, constraint, busy, and
// external-tool failures. Callers use errors.As to read an Error's Kind, or
// errors.Is against the sentinel errors; every wrapped error still carries
// the underlying cause.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion error for callers that need to branch on
// category (retry vs skip vs abort) without string matching.
type Kind string

const (
	KindConfig             Kind = "config"
	KindIO                 Kind = "io"
	KindParse              Kind = "parse"
	KindSchemaDrift        Kind = "schema_drift"
	KindConstraint         Kind = "constraint"
	KindBusy               Kind = "busy"
	KindExternalTool       Kind = "external_tool"
	KindBadQuery           Kind = "bad_query"
	KindNotBackedUp        Kind = "not_backed_up"
	KindCancelled          Kind = "cancelled"
	KindNotFound           Kind = "not_found"
)

// Sentinel errors for errors.Is comparisons that don't need file/line context.
var (
	ErrNotBackedUp = errors.New("session not backed up")
	ErrBadQuery    = errors.New("invalid search query")
	ErrBusy        = errors.New("database busy")
	ErrCancelled   = errors.New("run cancelled")
	ErrNotFound    = errors.New("not found")
)

// Error wraps an underlying cause with a Kind and, where applicable, the
// source location (file path and line/byte offset) that produced it.
type Error struct {
	Kind   Kind
	Path   string
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s:%d: %v", e.Kind, e.Path, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and no location context.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewAt wraps err with a Kind and a file path plus line/byte offset, for
// parse and I/O errors that must be logged with their source location.
func NewAt(kind Kind, path string, offset int64, err error) *Error {
	return &Error{Kind: kind, Path: path, Offset: offset, Err: err}
}

// IsRetryable reports whether the operation that produced err should be
// retried with backoff rather than skipped outright.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindIO, KindBusy, KindExternalTool:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must abort the whole run rather than skip the
// offending record or file.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindConfig
}
