// Package ethoserr defines the stable error taxonomy surfaced at every
// external boundary of the engine: socket protocol, HTTP surface, CLI, and
// MCP tools. Every response envelope carries one of these codes.
package ethoserr

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error classification.
type Code string

const (
	// BadRequest marks malformed or missing input: an empty query, a
	// missing required field, or an unrecognised role/source value.
	BadRequest Code = "bad_request"

	// StoreError marks any persistence failure: connection loss, a
	// constraint violation, or a transaction abort.
	StoreError Code = "store_error"

	// EmbeddingUnavailable marks a gateway failure that survived every
	// retry. In graceful-fallback mode this is suppressed for writes (the
	// embedding is stored as NULL) but it is always surfaced for queries,
	// since a search cannot proceed without a query vector.
	EmbeddingUnavailable Code = "embedding_unavailable"

	// NotFound marks a lookup (e.g. embed_by_id) against an unknown id.
	NotFound Code = "not_found"

	// Internal marks anything unclassified; the underlying message is
	// surfaced as-is.
	Internal Code = "internal"
)

// Error is a typed error carrying a stable Code alongside the usual wrapped
// cause. All external response envelopes derive their "error" field and
// implicit status code from an Error's Code.
type Error struct {
	code  Code
	msg   string
	cause error
}

// New constructs an [Error] with the given code and message, with no
// wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Wrap constructs an [Error] with the given code and message, wrapping
// cause so that errors.Is/As and %w continue to work through it.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{code: code, msg: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error's stable classification.
func (e *Error) Code() Code { return e.code }

// CodeOf extracts the [Code] from err, walking the wrap chain. Unclassified
// errors report [Internal].
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return Internal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
