// Package apperr defines the error taxonomy surfaced by the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error carries an HTTP status next to a client-safe message. Err, when
// set, is the underlying cause and is only exposed outside production.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, msg string) *Error {
	return &Error{Status: status, Message: msg}
}

func Wrap(status int, msg string, err error) *Error {
	return &Error{Status: status, Message: msg, Err: err}
}

func Validation(msg string) *Error     { return New(http.StatusBadRequest, msg) }
func Authentication(msg string) *Error { return New(http.StatusUnauthorized, msg) }
func Authorization(msg string) *Error  { return New(http.StatusForbidden, msg) }
func Conflict(msg string) *Error       { return New(http.StatusConflict, msg) }

// NotFound formats the conventional "<resource> not found" message.
func NotFound(resource string) *Error {
	return New(http.StatusNotFound, resource+" not found")
}

func Internal(err error) *Error {
	return Wrap(http.StatusInternalServerError, "internal server error", err)
}

// Status returns the HTTP status carried by err, or 500.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given status.
func Is(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}
