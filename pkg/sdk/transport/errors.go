package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies transport failures by how the caller should react.
type Kind int

const (
	// KindTransport is a network failure, timeout or server error: retry
	// with back-off.
	KindTransport Kind = iota

	// KindAuth is a rejected request (4xx): surface it, never retry.
	KindAuth

	// KindConfig is missing endpoint or key: fail fast, never retry.
	KindConfig

	// KindRejected is a request the server refused for its content (400,
	// 413, 422). Resending it cannot help, but other requests may succeed.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindConfig:
		return "config"
	case KindRejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every HTTPTransport call that fails.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindTransport
	}
	return false
}

// KindOf returns the kind of err, KindTransport for foreign errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransport
}

func statusError(status int, msg string) *Error {
	kind := KindTransport
	switch {
	// Timeouts and throttling are transient even though they are 4xx
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		kind = KindRejected
	case status >= 400 && status < 500:
		kind = KindAuth
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Kind: kind, Status: status, Err: errors.New(msg)}
}
