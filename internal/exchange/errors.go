// errors.go maps exchange failures into a closed error taxonomy.
//
// HTTP status codes and the error strings the exchange embeds in order
// responses are both classified into APIError kinds. Callers branch on the
// kind to decide whether to retry, pause, re-quantize, or drop.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind is the closed set of failure categories.
type ErrorKind string

const (
	KindAuthentication      ErrorKind = "authentication"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindBadRequest          ErrorKind = "bad_request"
	KindNotFound            ErrorKind = "not_found"
	KindRateLimited         ErrorKind = "rate_limited"
	KindInsufficientFunds   ErrorKind = "insufficient_funds"
	KindSizeTooSmall        ErrorKind = "size_too_small"
	KindBadSymbol           ErrorKind = "bad_symbol"
	KindMaintenance         ErrorKind = "maintenance"
	KindPostOnlyViolation   ErrorKind = "post_only_violation"
	KindPriceTooAccurate    ErrorKind = "price_too_accurate"
	KindInternalServerError ErrorKind = "internal_server_error"
	KindAttemptedRetries    ErrorKind = "attempted_retries"
	KindCircuitBreakerOpen  ErrorKind = "circuit_breaker_open"
	KindUnknown             ErrorKind = "unknown"
)

// APIError is a classified exchange failure. ErrorResponse carries the raw
// error object from order placement responses when present.
type APIError struct {
	Kind          ErrorKind
	Status        int
	Code          string
	Message       string
	CoolDown      time.Duration // nonzero for rate limit / maintenance pauses
	ErrorResponse json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange: %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Kind, e.Message)
}

// Retriable reports whether the caller may retry the operation after a
// backoff.
func (e *APIError) Retriable() bool {
	switch e.Kind {
	case KindRateLimited, KindMaintenance, KindInternalServerError:
		return true
	}
	return false
}

// ErrKind extracts the taxonomy kind from any error chain. Returns
// KindUnknown for errors that are not APIErrors.
func ErrKind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// restBody is the error envelope on non-2xx REST responses.
type restBody struct {
	Error        string `json:"error"`
	ErrorDetails string `json:"error_details"`
	Message      string `json:"message"`
}

// classifyStatus maps one HTTP response into the taxonomy.
func classifyStatus(status int, body []byte, retryAfter time.Duration) *APIError {
	var rb restBody
	_ = json.Unmarshal(body, &rb)
	msg := rb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	e := &APIError{Status: status, Code: rb.Error, Message: msg}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthentication
	case status == http.StatusForbidden:
		e.Kind = KindUnauthorized
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.CoolDown = retryAfter
		if e.CoolDown <= 0 {
			e.CoolDown = 10 * time.Second
		}
	case status == http.StatusServiceUnavailable:
		e.Kind = KindMaintenance
		e.CoolDown = 30 * time.Second
	case status >= 500:
		e.Kind = KindInternalServerError
	case status == http.StatusBadRequest:
		e.Kind = classifyReason(rb.Error)
		if e.Kind == KindUnknown {
			e.Kind = KindBadRequest
		}
	default:
		e.Kind = KindUnknown
	}
	return e
}

// classifyReason maps an exchange failure-reason string (from order
// placement responses or 400 bodies) into the taxonomy. Matching is by
// substring because the exchange uses several variants per condition.
func classifyReason(reason string) ErrorKind {
	r := strings.ToUpper(reason)
	switch {
	case r == "":
		return KindUnknown
	case strings.Contains(r, "INSUFFICIENT_FUND"):
		return KindInsufficientFunds
	case strings.Contains(r, "SIZE_TOO_SMALL") || strings.Contains(r, "BELOW_MIN"):
		return KindSizeTooSmall
	case strings.Contains(r, "PRICE_PRECISION") || strings.Contains(r, "SIZE_PRECISION") || strings.Contains(r, "TOO_ACCURATE"):
		return KindPriceTooAccurate
	case strings.Contains(r, "POST_ONLY"):
		return KindPostOnlyViolation
	case strings.Contains(r, "PRODUCT") || strings.Contains(r, "UNKNOWN_SYMBOL"):
		return KindBadSymbol
	case strings.Contains(r, "RATE_LIMIT"):
		return KindRateLimited
	case strings.Contains(r, "MAINTENANCE"):
		return KindMaintenance
	case strings.Contains(r, "UNAUTHORIZED") || strings.Contains(r, "PERMISSION"):
		return KindUnauthorized
	case strings.Contains(r, "INVALID"):
		return KindBadRequest
	default:
		return KindUnknown
	}
}
