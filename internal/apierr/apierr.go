// Package apierr defines the error kinds surfaced at the API edge and their
// transport mapping. Handlers return *Error values; the write helpers turn
// them into JSON bodies of the form {"error": "...", "code": "..."}.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure independent of transport.
type Kind string

const (
	KindInvalidPayload      Kind = "INVALID_PAYLOAD"
	KindInvalidID           Kind = "INVALID_ID"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindInvalidCredentials  Kind = "INVALID_CREDENTIALS"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindPathEscape          Kind = "PATH_ESCAPE"
	KindUpstreamFailed      Kind = "UPSTREAM_FAILED"
	KindContainerStart      Kind = "CONTAINER_START_FAILED"
	KindContainerExec       Kind = "CONTAINER_EXEC_FAILED"
	KindContainerStop       Kind = "CONTAINER_STOP_FAILED"
	KindUnsupportedLanguage Kind = "UNSUPPORTED_LANGUAGE"
	KindInternal            Kind = "INTERNAL"
)

// Error carries a kind and a caller-safe message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause without exposing it in the API message.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindInvalidPayload, KindInvalidID, KindPathEscape:
		return http.StatusBadRequest
	case KindUnauthorized, KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamFailed, KindContainerStart, KindContainerExec, KindContainerStop:
		return http.StatusBadGateway
	case KindUnsupportedLanguage:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Write maps err to its transport form. Non-*Error values become INTERNAL
// with a generic message so internals never leak to the caller.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = &Error{Kind: KindInternal, Message: "internal error"}
	}
	WriteJSON(w, apiErr.Kind.Status(), map[string]string{
		"error": apiErr.Message,
		"code":  string(apiErr.Kind),
	})
}

// WriteKind is shorthand for Write(New(kind, ...)).
func WriteKind(w http.ResponseWriter, kind Kind, format string, args ...interface{}) {
	Write(w, New(kind, format, args...))
}
