package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// StatusError is a venue error with an HTTP-like status code. The simulator
// returns these; the Alpaca client surfaces *alpaca.APIError which carries
// the same information. Classification functions accept both.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker: status %d: %s", e.Code, e.Message)
}

// statusCode extracts an HTTP status code from err, or 0 if it has none.
func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	var ae *alpaca.APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// IsAuthError reports whether err is a credential rejection. These are fatal
// and must never be retried against the rejecting endpoint.
func IsAuthError(err error) bool {
	code := statusCode(err)
	return code == 401 || code == 403
}

// IsValidation reports whether err is a malformed-request rejection. The
// order is marked failed and the request is not retried.
func IsValidation(err error) bool {
	code := statusCode(err)
	return code == 400 || code == 422
}

// IsNotFound reports whether err is a venue "unknown order" response.
func IsNotFound(err error) bool {
	return statusCode(err) == 404
}

// IsTransient reports whether err is worth retrying: venue 5xx, timeouts,
// and network failures. Auth and validation errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code := statusCode(err); code != 0 {
		return code >= 500 || code == 429
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	// Unclassified errors from the HTTP layer (connection resets, EOF) are
	// treated as transient rather than silently dropped.
	return true
}
