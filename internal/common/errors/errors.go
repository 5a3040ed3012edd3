// Package errors provides the CIS error taxonomy (spec §7).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the twelve error categories from spec §7.
type Kind string

const (
	KindConfiguration Kind = "CONFIGURATION"
	KindStorage       Kind = "STORAGE"
	KindExecution     Kind = "EXECUTION"
	KindScheduler     Kind = "SCHEDULER"
	KindIdentity      Kind = "IDENTITY"
	KindMatrix        Kind = "MATRIX"
	KindP2P           Kind = "P2P"
	KindNotFound      Kind = "NOT_FOUND"
	KindInvalidInput  Kind = "INVALID_INPUT"
	KindAlreadyExists Kind = "ALREADY_EXISTS"
	KindTimeout       Kind = "TIMEOUT"
	KindWASM          Kind = "WASM"
)

var httpStatusByKind = map[Kind]int{
	KindConfiguration: http.StatusInternalServerError,
	KindStorage:       http.StatusInternalServerError,
	KindExecution:     http.StatusUnprocessableEntity,
	KindScheduler:     http.StatusConflict,
	KindIdentity:      http.StatusUnauthorized,
	KindMatrix:        http.StatusBadRequest,
	KindP2P:           http.StatusBadGateway,
	KindNotFound:      http.StatusNotFound,
	KindInvalidInput:  http.StatusBadRequest,
	KindAlreadyExists: http.StatusConflict,
	KindTimeout:       http.StatusGatewayTimeout,
	KindWASM:          http.StatusInternalServerError,
}

// CISError is the application-wide error type, carrying a Kind, a
// user-facing message, an optional remediation hint, and the wrapped cause.
type CISError struct {
	Kind       Kind
	Message    string
	Hint       string
	HTTPStatus int
	Err        error
}

func (e *CISError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CISError) Unwrap() error { return e.Err }

func new_(kind Kind, message string) *CISError {
	return &CISError{Kind: kind, Message: message, HTTPStatus: httpStatusByKind[kind]}
}

// NotFound builds a NotFound error for a resource/id pair.
func NotFound(resource, id string) *CISError {
	e := new_(KindNotFound, fmt.Sprintf("%s %q not found", resource, id))
	return e
}

// InvalidInput builds an InvalidInput error for a field/reason pair.
func InvalidInput(field, reason string) *CISError {
	return new_(KindInvalidInput, fmt.Sprintf("invalid %s: %s", field, reason))
}

// AlreadyExists builds an AlreadyExists error for a resource/id pair.
func AlreadyExists(resource, id string) *CISError {
	return new_(KindAlreadyExists, fmt.Sprintf("%s %q already exists", resource, id))
}

// Timeout builds a Timeout error describing what timed out.
func Timeout(operation string) *CISError {
	return new_(KindTimeout, fmt.Sprintf("%s timed out", operation))
}

// Wrap attaches a Kind and message to an underlying error, preserving the
// Kind of an existing CISError if err already is one.
func Wrap(kind Kind, message string, err error) *CISError {
	if err == nil {
		return nil
	}
	var existing *CISError
	if errors.As(err, &existing) {
		kind = existing.Kind
	}
	e := new_(kind, message)
	e.Err = err
	return e
}

// WithHint attaches a remediation hint, e.g. "DID not whitelisted — use `cis network allow <did>`".
func (e *CISError) WithHint(hint string) *CISError {
	e.Hint = hint
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *CISError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus returns the HTTP status code for err, defaulting to 500.
func HTTPStatus(err error) int {
	var e *CISError
	if errors.As(err, &e) {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
