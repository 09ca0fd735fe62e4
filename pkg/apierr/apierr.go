// Package apierr holds the error taxonomy shared by the vendor API clients.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork covers connectivity failures, timeouts and 5xx responses.
	ErrNetwork = errors.New("network error")
	// ErrAuth is returned when the vendor rejects the credentials or the session token.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound is returned when a sensor or outlet is unknown to the vendor account.
	ErrNotFound = errors.New("not found")
	// ErrAPI is any other rejection by the vendor.
	ErrAPI = errors.New("api error")
)

// Error describes a failed vendor call. It matches its Kind with errors.Is.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Network(op string, err error) error {
	return &Error{Kind: ErrNetwork, Op: op, Err: err}
}

func Auth(op string, err error) error {
	return &Error{Kind: ErrAuth, Op: op, Err: err}
}

func NotFound(op string, err error) error {
	return &Error{Kind: ErrNotFound, Op: op, Err: err}
}

// FromStatus maps a non-2xx HTTP status onto the taxonomy.
func FromStatus(op string, code int) error {
	e := &Error{Op: op, StatusCode: code}
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		e.Kind = ErrAuth
	case code == http.StatusNotFound:
		e.Kind = ErrNotFound
	case code == http.StatusTooManyRequests, code >= 500:
		e.Kind = ErrNetwork
	default:
		e.Kind = ErrAPI
	}
	return e
}

// Kind returns a short label for err, used for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrAPI):
		return "api"
	default:
		return "other"
	}
}
