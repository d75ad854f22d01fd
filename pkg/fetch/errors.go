package fetch

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies a failure for logging and handling.
type Kind string

const (
	// KindFetch means the remote call failed: network, remote-side error or
	// malformed response.
	KindFetch Kind = "fetch"
	// KindCacheBackend means the cache store was unreachable or returned
	// corrupted data.
	KindCacheBackend Kind = "cache_backend"
	// KindConfig means required configuration was missing or invalid.
	KindConfig Kind = "config"
)

// Error codes used by KindFetch errors.
const (
	CodeNetwork           = "network"
	CodeTimeout           = "timeout"
	CodeRemoteStatus      = "remote_status"
	CodeMalformedResponse = "malformed_response"
	CodeBadRequest        = "bad_request"
	CodeUnknown           = "unknown"
)

// Error is a typed failure carrying enough context to diagnose it without
// reproducing it.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Location is the file:line where the error was raised.
	Location string
	// Status holds the remote status code when Code is CodeRemoteStatus.
	Status int
	Err    error
}

// NewError creates an Error and records the caller's location.
func NewError(kind Kind, code, message string, err error) *Error {
	return &Error{
		Kind:     kind,
		Code:     code,
		Message:  message,
		Location: callerLocation(2),
		Err:      err,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error [%s]: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError returns err as a *Error. Errors that are not already typed are
// wrapped as KindFetch with CodeUnknown so that callers and loggers always
// see a kind and a code.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{
		Kind:     KindFetch,
		Code:     CodeUnknown,
		Message:  err.Error(),
		Location: callerLocation(2),
		Err:      err,
	}
}

func callerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
