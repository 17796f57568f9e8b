package sentinelhub

import (
	"errors"
	"fmt"
)

// Error kinds reported by the provider client
const (
	KindAuthentication  = "AuthenticationError"
	KindProductNotFound = "ProductNotFoundError"
	KindQuotaExceeded   = "QuotaExceededError"
	KindExternalService = "ExternalServiceError"
)

var (
	ErrAuthentication  = errors.New("authentication failed")
	ErrProductNotFound = errors.New("product not found")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrExternalService = errors.New("external service error")
	// ErrMissingCredentials is returned by NewClient when no client id or secret is configured
	ErrMissingCredentials = errors.New("provider credentials not configured; set SH_CLIENT_ID and SH_CLIENT_SECRET")
)

// APIError describes a failed provider call
type APIError struct {
	kind       string
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

// Kind returns the error class, e.g. QuotaExceededError
func (e *APIError) Kind() string {
	return e.kind
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthentication:
		return e.kind == KindAuthentication
	case ErrProductNotFound:
		return e.kind == KindProductNotFound
	case ErrQuotaExceeded:
		return e.kind == KindQuotaExceeded
	case ErrExternalService:
		return e.kind == KindExternalService
	}
	return false
}

// kindForStatus classifies an HTTP status code
func kindForStatus(code int) string {
	switch {
	case code == 401 || code == 403:
		return KindAuthentication
	case code == 404:
		return KindProductNotFound
	case code == 429:
		return KindQuotaExceeded
	default:
		return KindExternalService
	}
}

// retryable reports whether a response with code may succeed on a later attempt
func retryable(code int) bool {
	return code == 429 || code >= 500
}
