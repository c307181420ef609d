package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by the gateway client. The
// router and executor branch on concrete types (quota, rate limit) without
// caring which vendor produced them.
type Error interface {
	error
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type httpErrorBase struct {
	modelID    string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.modelID != "" {
		return fmt.Sprintf("model %s (status=%d): %s", e.modelID, e.statusCode, msg)
	}
	return fmt.Sprintf("completion failed (status=%d): %s", e.statusCode, msg)
}
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type AccessDeniedError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type ContextLengthError struct{ httpErrorBase }
type ContentFilterError struct{ httpErrorBase }
type QuotaExceededError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus classifies a gateway failure by status code, refining
// ambiguous codes with message hints.
func ErrorFromHTTPStatus(modelID string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		modelID:    strings.TrimSpace(modelID),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		base.retryable = false
		if err := classifyByMessage(base); err != nil {
			return err
		}
		return &InvalidRequestError{base}
	case 401:
		base.retryable = false
		return &AuthenticationError{base}
	case 402:
		base.retryable = false
		return &QuotaExceededError{base}
	case 403:
		base.retryable = false
		return &AccessDeniedError{base}
	case 404:
		base.retryable = false
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 413:
		base.retryable = false
		return &ContextLengthError{base}
	case 429:
		// 429 with a quota hint means the tier is out of budget, not busy.
		if lower := strings.ToLower(message); strings.Contains(lower, "quota") || strings.Contains(lower, "billing") {
			base.retryable = false
			return &QuotaExceededError{base}
		}
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// classifyByMessage refines classification when the status code is ambiguous
// and the gateway tunnels the real failure in text.
func classifyByMessage(base httpErrorBase) error {
	lower := strings.ToLower(base.message)
	switch {
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{base}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{base}
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		return &QuotaExceededError{base}
	case strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"):
		return &NotFoundError{base}
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key"):
		return &AuthenticationError{base}
	}
	return nil
}

// NewRequestTimeoutError wraps a non-HTTP timeout (context deadline on the
// transport) into the hierarchy. These are retryable: the next attempt may
// land on a healthier backend.
func NewRequestTimeoutError(modelID, message string) error {
	return &RequestTimeoutError{httpErrorBase{
		modelID:   strings.TrimSpace(modelID),
		message:   message,
		retryable: true,
	}}
}

// NewQuotaExceededError reports an exhausted tier detected outside an HTTP
// exchange, e.g. by a router quota probe.
func NewQuotaExceededError(modelID, message string) error {
	return &QuotaExceededError{httpErrorBase{
		modelID:   strings.TrimSpace(modelID),
		message:   message,
		retryable: false,
	}}
}

// ParseRetryAfter parses a Retry-After header value as integer seconds or an
// HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsQuotaExceeded reports whether err means the model's quota tier has no
// budget left. The router treats this differently from a rate limit: under
// best_first it blocks instead of downgrading.
func IsQuotaExceeded(err error) bool {
	var e *QuotaExceededError
	return errors.As(err, &e)
}

func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsRetryable walks the chain for a typed error and reports its retry
// advice. Untyped errors are not retryable.
func IsRetryable(err error) bool {
	var le Error
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return false
}

// RetryAfterOf extracts the provider's retry hint, if any.
func RetryAfterOf(err error) *time.Duration {
	var le Error
	if errors.As(err, &le) {
		return le.RetryAfter()
	}
	return nil
}
