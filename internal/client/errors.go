package client

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrTransient covers network failures, timeouts and 5xx answers.
	ErrTransient = errors.New("transient network error")
	// ErrInvalidCredential means the bearer token is missing, expired or malformed.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNotFound means the addressed resource vanished server-side.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the server refused the write because of concurrent state.
	ErrConflict = errors.New("conflict")
	// ErrValidation means the request was rejected before (or instead of) being applied.
	ErrValidation = errors.New("validation failed")
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto the error taxonomy so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return ErrInvalidCredential
	case e.Status == http.StatusNotFound, e.Status == http.StatusGone:
		return ErrNotFound
	case e.Status == http.StatusConflict:
		return ErrConflict
	case e.Status == http.StatusBadRequest, e.Status == http.StatusUnprocessableEntity:
		return ErrValidation
	case e.Status == http.StatusTooManyRequests, e.Status >= 500:
		return ErrTransient
	}
	return nil
}

// IsConflictOrNotFound reports whether a rename/delete target vanished or
// changed underneath the caller.
func IsConflictOrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Is(target error) bool { return target == ErrTransient }

func (e *transientError) Unwrap() error { return e.err }

// classifyTransportError tags failures that happened before any HTTP answer
// was received. Caller cancellation is passed through untouched.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &transientError{err: err}
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
