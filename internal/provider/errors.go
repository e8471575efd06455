package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Errors surfaced by adapters.
var (
	// ErrNotFound indicates the provider has no record for the identifier.
	// Permanent: never retried.
	ErrNotFound = errors.New("provider record not found")

	// ErrMalformedRequest indicates the provider rejected the request
	// shape. Permanent: never retried.
	ErrMalformedRequest = errors.New("malformed provider request")
)

// transportError wraps a network-level failure. Always transient.
type transportError struct{ err error }

func (e *transportError) Error() string { return "provider transport error: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// statusError wraps a non-200 provider response.
type statusError struct {
	provider string
	code     int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider %s returned status %d: %s", e.provider, e.code, e.body)
}

// throttled reports whether the provider explicitly signaled rate limiting.
func throttled(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusTooManyRequests
}

// transient classifies retryable failures: network errors plus the
// 429/500/503/504 profile.
func transient(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// permanentFromStatus maps permanent provider statuses onto sentinel
// errors so callers can test with errors.Is.
func permanentFromStatus(err error) error {
	var se *statusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	default:
		return err
	}
}
