// Package proxyerr defines the error kinds surfaced by the embed proxy and
// their mapping onto HTTP responses.
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Unknown Kind = iota
	MissingParameter
	InvalidURL
	ForbiddenHost
	UpstreamFetchError
	ParseError
	PatchFetchError
)

// Public messages. Clients only ever see these, never the wrapped cause.
const (
	MsgMissingURL   = "Missing video URL"
	MsgForbidden    = "Forbidden host"
	MsgFetchFailure = "Failed to fetch content"
)

var kindInfo = map[Kind]struct {
	code    string
	status  int
	message string
}{
	Unknown:            {"internal", http.StatusInternalServerError, MsgFetchFailure},
	MissingParameter:   {"missing_parameter", http.StatusBadRequest, MsgMissingURL},
	InvalidURL:         {"invalid_url", http.StatusBadRequest, MsgMissingURL},
	ForbiddenHost:      {"forbidden_host", http.StatusForbidden, MsgForbidden},
	UpstreamFetchError: {"upstream_fetch", http.StatusInternalServerError, MsgFetchFailure},
	ParseError:         {"parse", http.StatusInternalServerError, MsgFetchFailure},
	PatchFetchError:    {"patch_fetch", http.StatusInternalServerError, MsgFetchFailure},
}

func (k Kind) String() string {
	switch k {
	case MissingParameter:
		return "MissingParameter"
	case InvalidURL:
		return "InvalidURL"
	case ForbiddenHost:
		return "ForbiddenHost"
	case UpstreamFetchError:
		return "UpstreamFetchError"
	case ParseError:
		return "ParseError"
	case PatchFetchError:
		return "PatchFetchError"
	}
	return "Unknown"
}

// Error is a classified failure. The cause is kept for logs.
type Error struct {
	Kind Kind
	Err  error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code is the stable machine-readable identifier of the error kind.
func (e *Error) Code() string { return kindInfo[e.Kind].code }

// Status is the HTTP status the error maps to.
func (e *Error) Status() int { return kindInfo[e.Kind].status }

// Message is the client-facing text.
func (e *Error) Message() string { return kindInfo[e.Kind].message }

// KindOf returns the Kind carried by err, or Unknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Unknown
}

// From classifies an arbitrary error, wrapping unclassified ones as Unknown.
func From(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: Unknown, Err: err}
}

// Retryable reports whether the kind may succeed on a retry by the client.
// Client-input errors never do.
func (k Kind) Retryable() bool {
	return k == UpstreamFetchError
}
