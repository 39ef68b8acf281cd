package reliability

import (
	"net/http"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := map[int]bool{
		http.StatusOK:                  false,
		http.StatusBadRequest:          false,
		http.StatusNotFound:            false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusNotImplemented:      false,
		http.StatusServiceUnavailable:  true,
	}
	for code, want := range cases {
		if got := IsRetryableHTTPStatus(code); got != want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 25 * time.Millisecond
	limit := time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, base},
		{0, base},
		{1, 50 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{6, limit},
		{64, limit},
	}
	for _, tc := range cases {
		if got := ExponentialBackoff(tc.attempt, base, limit); got != tc.want {
			t.Fatalf("ExponentialBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
	if got := ExponentialBackoff(2, 0, limit); got != limit {
		t.Fatalf("ExponentialBackoff(zero base) = %v, want %v", got, limit)
	}
}
