package apierror

import (
	"fmt"
	"time"
)

// Kind classifies a provider failure. One tagged type replaces a
// class-per-kind exception hierarchy: callers switch on Kind instead of
// type-asserting.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindRateLimit          Kind = "rate_limit"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindInvalidRequest     Kind = "invalid_request"
	KindServerError        Kind = "server_error"
	KindGeneric            Kind = "generic"
)

// RetryPolicy is advisory data for callers; this layer never retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
}

// Error is a provider failure classified into the fixed taxonomy. The
// message combines kind-specific guidance with the original provider text
// so users get actionable advice without losing diagnostic detail.
type Error struct {
	Kind       Kind
	Provider   string
	Message    string
	Retryable  bool
	StatusCode int
	Details    map[string]string
	Retry      RetryPolicy
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// retryPolicies is the fixed policy table keyed by kind. Rate limits wait
// out the provider window without exponential growth; server errors back
// off exponentially; everything else is a single attempt.
var retryPolicies = map[Kind]RetryPolicy{
	KindRateLimit:   {MaxAttempts: 5, BaseDelay: 60 * time.Second, MaxDelay: 300 * time.Second},
	KindServerError: {MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Exponential: true},
}

var defaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

// PolicyFor returns the retry policy for a kind, defaulting to a single
// attempt with no delay.
func PolicyFor(kind Kind) RetryPolicy {
	if policy, ok := retryPolicies[kind]; ok {
		return policy
	}
	return defaultRetryPolicy
}

// retryableKind covers transient failure kinds. Timeouts and network
// failures are classified as server errors upstream, so they inherit the
// retryable flag here.
func retryableKind(kind Kind) bool {
	switch kind {
	case KindServerError, KindRateLimit:
		return true
	default:
		return false
	}
}
