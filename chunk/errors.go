package chunk

import (
	"errors"
	"fmt"
)

// ErrorKind classifies chunked transfer errors.
type ErrorKind int

const (
	// ErrorConfig indicates a caller-correctable configuration problem
	// (e.g. a zero chunk size). Never retried automatically.
	ErrorConfig ErrorKind = iota
	// ErrorPublish indicates the bus rejected or timed out a fragment send.
	ErrorPublish
	// ErrorFetch indicates a malformed, inconsistent or over-budget inbound
	// fragment. Any partial state for the upload has been evicted.
	ErrorFetch
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case ErrorConfig:
		return "config"
	case ErrorPublish:
		return "publish"
	case ErrorFetch:
		return "fetch"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified chunked transfer error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigError returns an ErrorConfig error.
func ConfigError(format string, args ...any) *Error {
	return &Error{Kind: ErrorConfig, Msg: fmt.Sprintf(format, args...)}
}

// PublishError returns an ErrorPublish error wrapping err (which may be nil).
func PublishError(err error, format string, args ...any) *Error {
	return &Error{Kind: ErrorPublish, Msg: fmt.Sprintf(format, args...), Err: err}
}

// FetchError returns an ErrorFetch error.
func FetchError(format string, args ...any) *Error {
	return &Error{Kind: ErrorFetch, Msg: fmt.Sprintf(format, args...)}
}

func isKind(err error, kind ErrorKind) bool {
	var chunkErr *Error
	if errors.As(err, &chunkErr) {
		return chunkErr.Kind == kind
	}
	return false
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool { return isKind(err, ErrorConfig) }

// IsPublishError reports whether err is a publish error.
func IsPublishError(err error) bool { return isKind(err, ErrorPublish) }

// IsFetchError reports whether err is an inbound fragment error.
func IsFetchError(err error) bool { return isKind(err, ErrorFetch) }
