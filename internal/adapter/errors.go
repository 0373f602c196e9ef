package adapter

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies upstream failures at the adapter boundary.
type FailureKind int

const (
	// FailureTransient covers network hiccups and 5xx responses; safe
	// to retry after reconnect or backoff.
	FailureTransient FailureKind = iota
	// FailureRateLimited means the platform pushed back; the request
	// scheduler waits rather than fails unless the wait budget is spent.
	FailureRateLimited
	// FailureAuth covers signature/credential rejections.
	FailureAuth
	// FailureFatal is unrecoverable; the owning adapter shuts down.
	FailureFatal
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimited:
		return "rate_limited"
	case FailureAuth:
		return "auth_failed"
	case FailureFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// APIError is a classified upstream failure.
type APIError struct {
	Kind     FailureKind
	Platform string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d code=%s): %s", e.Platform, e.Kind, e.Status, e.Code, e.Message)
}

var (
	// ErrSessionLost fails every request pending on a session whose
	// transport dropped. In-flight exchange-side effects are not rolled
	// back; reconnect reconciliation detects them.
	ErrSessionLost = errors.New("session lost")
	// ErrRequestTimeout surfaces a request whose rate-limit wait
	// exceeded the configured budget.
	ErrRequestTimeout = errors.New("request wait budget exceeded")
	// ErrAuthFailed marks handshake or signature rejection during
	// session establishment.
	ErrAuthFailed = errors.New("authentication failed")
)

// IsRateLimited reports whether err is a classified rate-limit failure.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == FailureRateLimited
}

// IsFatal reports whether err should shut the adapter down.
func IsFatal(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == FailureFatal
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	if errors.Is(err, ErrAuthFailed) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == FailureAuth
}

// ClassifyStatus maps an HTTP status code into the failure taxonomy.
func ClassifyStatus(status int) FailureKind {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		// Binance uses 418 for rate-limit bans.
		return FailureRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status >= 500:
		return FailureTransient
	case status >= 400:
		return FailureFatal
	default:
		return FailureTransient
	}
}
