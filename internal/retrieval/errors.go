package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrTimeout       = errors.New("retrieval timed out")
)

// APIError is an error reported by the workflow API, either as an HTTP
// status or as an error event inside the stream.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("workflow API error")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// Unwrap maps upstream codes onto ErrRateLimited and ErrQuotaExceeded.
func (e *APIError) Unwrap() error {
	code := strings.ToLower(e.Code)
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(code, "quota") || strings.Contains(msg, "quota"):
		return ErrQuotaExceeded
	case e.Status == http.StatusTooManyRequests,
		code == "rate_limit_exceeded", code == "too_many_requests",
		strings.Contains(msg, "rate limit"):
		return ErrRateLimited
	}
	return nil
}

// Retryable reports whether err is a transient failure worth retrying:
// rate limits, quota signals, timeouts and 5xx responses.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return false
}

// statusLabel buckets err for metrics.
func statusLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
