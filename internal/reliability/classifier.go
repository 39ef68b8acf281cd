// Package reliability decides which remote failures are worth another try
// and how long to wait before it.
package reliability

import (
	"net/http"
	"time"
)

// IsRetryableHTTPStatus reports whether a task API status means the request
// may succeed later unchanged. 501 and the other 5xx codes that describe a
// permanent server condition are excluded.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ExponentialBackoff doubles base per attempt and never exceeds limit.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 || base >= limit {
		return limit
	}
	if attempt <= 0 {
		return base
	}
	// Past this many doublings base would pass any sane limit.
	if attempt >= 32 {
		return limit
	}
	if d := base << attempt; d > 0 && d < limit {
		return d
	}
	return limit
}
