package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// ErrorInfo is the structured record extracted from a raw provider
// failure before classification. Quota holds the rate-limit headers the
// provider attached to the failure, keyed by detail name.
type ErrorInfo struct {
	Type         string
	Code         string
	Message      string
	Param        string
	RequestID    string
	Organization string
	Quota        map[string]string
}

// HTTPFailure is a non-2xx provider response handed to the mapper by the
// communication layer.
type HTTPFailure struct {
	Provider   string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

func (f *HTTPFailure) Error() string {
	return f.Provider + " request failed with status " + http.StatusText(f.StatusCode)
}

// errorEnvelope is the standard provider JSON failure shape:
// {"error":{"type","code","message","param"}}.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// keywordRule maps message substrings to an inferred error type. Rules are
// evaluated in order and the first match wins; overlapping matches resolve
// by list position, not specificity, and downstream retry selection depends
// on that exact order.
type keywordRule struct {
	keywords []string
	errType  string
}

var keywordRules = []keywordRule{
	{keywords: []string{"api key", "api-key", "authentication", "unauthorized"}, errType: "authentication_error"},
	{keywords: []string{"rate limit", "too many requests"}, errType: "rate_limit_error"},
	{keywords: []string{"quota", "billing"}, errType: "insufficient_quota"},
	{keywords: []string{"timeout", "timed out"}, errType: "timeout"},
	{keywords: []string{"server error", "internal error", "bad gateway", "service unavailable", "overloaded"}, errType: "server_error"},
}

// typeKinds is the fixed error-type to kind table. Absent types map to the
// generic kind.
var typeKinds = map[string]Kind{
	"authentication_error": KindInvalidCredentials,
	"invalid_api_key":      KindInvalidCredentials,
	"permission_error":     KindInvalidCredentials,
	"rate_limit_error":     KindRateLimit,
	"rate_limit_exceeded":  KindRateLimit,
	"insufficient_quota":   KindQuotaExceeded,
	"quota_exceeded":       KindQuotaExceeded,
	"invalid_request_error": KindInvalidRequest,
	"invalid_request":       KindInvalidRequest,
	"not_found_error":       KindInvalidRequest,
	"server_error":          KindServerError,
	"api_error":             KindServerError,
	"overloaded_error":      KindServerError,
	"timeout":               KindServerError,
	"network_error":         KindServerError,
}

// guidance holds the canned, kind-specific sentence prepended to the
// original provider message.
var guidance = map[Kind]string{
	KindInvalidCredentials: "Authentication failed - check that the API key is set and valid.",
	KindRateLimit:          "Rate limit reached - slow down requests or raise the account limit.",
	KindQuotaExceeded:      "Usage quota exhausted - check the account billing and plan limits.",
	KindInvalidRequest:     "The request was rejected as invalid - check model name and parameters.",
	KindServerError:        "Provider server error - the request can usually be retried.",
	KindGeneric:            "The provider returned an unexpected error.",
}

// Mapper classifies raw provider failures into *Error values. Mapping is
// pure aside from the structured log emitted at the mapping site; callers
// own throwing and retry behavior.
type Mapper struct {
	provider string
	logger   *slog.Logger
	nowMS    func() int64
}

func NewMapper(provider string, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{provider: provider, logger: logger, nowMS: nowUnixMS}
}

// Map classifies err. It never returns nil for a non-nil input and the
// result is deterministic: mapping the same failure twice yields the same
// kind and retryable flag.
func (m *Mapper) Map(err error) *Error {
	if err == nil {
		return nil
	}

	var mapped *Error
	if errors.As(err, &mapped) {
		return mapped
	}

	statusCode := 0
	var info ErrorInfo

	var failure *HTTPFailure
	switch {
	case errors.As(err, &failure):
		statusCode = failure.StatusCode
		info = extractInfo(failure)
	default:
		info = ErrorInfo{Message: err.Error()}
		if isTransportError(err) {
			info.Type = "network_error"
		}
	}

	if info.Type == "" {
		info.Type = inferType(info.Message)
	}
	if info.Type == "" && statusCode > 0 {
		info.Type = typeForStatus(statusCode)
	}

	kind, ok := typeKinds[info.Type]
	if !ok {
		kind = KindGeneric
	}
	// Unknown transport failures are assumed transient.
	if kind == KindGeneric && statusCode == 0 && isTransportError(err) {
		kind = KindServerError
	}

	result := &Error{
		Kind:       kind,
		Provider:   m.provider,
		Message:    enhanceMessage(kind, m.provider, info.Message),
		Retryable:  retryableKind(kind),
		StatusCode: statusCode,
		Details:    infoDetails(info),
		Retry:      PolicyFor(kind),
	}
	if kind == KindRateLimit && failure != nil {
		result.Retry.BaseDelay = RateLimitDelay(failure.Headers, m.nowMS())
	}

	m.logger.Error("provider call failed",
		"provider", m.provider,
		"status_code", statusCode,
		"error_type", info.Type,
		"error_kind", string(kind),
		"request_id", info.RequestID,
		"retryable", result.Retryable,
	)

	return result
}

// extractInfo prefers structured envelope fields, then falls back to the
// raw body text.
func extractInfo(failure *HTTPFailure) ErrorInfo {
	info := ErrorInfo{}
	if failure.Headers != nil {
		info.RequestID = failure.Headers.Get("X-Request-Id")
		info.Organization = failure.Headers.Get("Openai-Organization")
		info.Quota = quotaDetails(failure.Headers)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(failure.Body, &envelope); err == nil && envelope.Error.Message != "" {
		info.Type = strings.ToLower(strings.TrimSpace(envelope.Error.Type))
		info.Code = strings.TrimSpace(envelope.Error.Code)
		info.Message = envelope.Error.Message
		info.Param = strings.TrimSpace(envelope.Error.Param)
		return info
	}

	info.Message = strings.TrimSpace(string(failure.Body))
	if info.Message == "" {
		info.Message = failure.Error()
	}
	return info
}

// inferType matches the message against the ordered keyword rules. First
// match wins by list order - intentionally not by specificity.
func inferType(message string) string {
	lowered := strings.ToLower(message)
	for _, rule := range keywordRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return rule.errType
			}
		}
	}
	return ""
}

func typeForStatus(statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return "authentication_error"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limit_error"
	case statusCode == http.StatusPaymentRequired:
		return "insufficient_quota"
	case statusCode >= 500:
		return "server_error"
	case statusCode >= 400:
		return "invalid_request_error"
	default:
		return ""
	}
}

func enhanceMessage(kind Kind, provider, original string) string {
	prefix, ok := guidance[kind]
	if !ok {
		prefix = guidance[KindGeneric]
	}
	if kind == KindServerError {
		// Keep the provider name in the canned sentence so aggregated logs
		// from multiple drivers stay attributable.
		prefix = providerDisplayName(provider) + " server error - the request can usually be retried."
	}
	original = strings.TrimSpace(original)
	if original == "" {
		return prefix
	}
	return prefix + " " + original
}

// quotaHeaders maps rate-limit response headers to detail keys.
var quotaHeaders = map[string]string{
	"X-Ratelimit-Limit-Requests":     "ratelimit_limit_requests",
	"X-Ratelimit-Remaining-Requests": "ratelimit_remaining_requests",
	"X-Ratelimit-Limit-Tokens":       "ratelimit_limit_tokens",
	"X-Ratelimit-Remaining-Tokens":   "ratelimit_remaining_tokens",
}

func quotaDetails(headers http.Header) map[string]string {
	var quota map[string]string
	for header, key := range quotaHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if quota == nil {
			quota = map[string]string{}
		}
		quota[key] = value
	}
	return quota
}

func infoDetails(info ErrorInfo) map[string]string {
	details := map[string]string{}
	if info.RequestID != "" {
		details["request_id"] = info.RequestID
	}
	if info.Param != "" {
		details["param"] = info.Param
	}
	if info.Code != "" {
		details["code"] = info.Code
	}
	if info.Organization != "" {
		details["organization"] = info.Organization
	}
	for key, value := range info.Quota {
		details[key] = value
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

func providerDisplayName(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		return "OpenAI"
	case "xai":
		return "xAI"
	case "anthropic":
		return "Anthropic"
	case "":
		return "Provider"
	default:
		return provider
	}
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
