package apierror

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// defaultRateLimitDelay applies when the 429 response carries no reset
	// information.
	defaultRateLimitDelay = 60 * time.Second
	// minRateLimitDelay floors reset-derived delays so clock skew cannot
	// produce an immediate retry.
	minRateLimitDelay = time.Second
)

func nowUnixMS() int64 {
	return time.Now().UnixMilli()
}

// RateLimitDelay extracts the wait before retrying a 429: Retry-After
// seconds first, then X-RateLimit-Reset as epoch seconds relative to
// nowMS, else the 60s default.
func RateLimitDelay(headers http.Header, nowMS int64) time.Duration {
	if headers == nil {
		return defaultRateLimitDelay
	}

	if retryAfter := strings.TrimSpace(headers.Get("Retry-After")); retryAfter != "" {
		if seconds, err := strconv.ParseFloat(retryAfter, 64); err == nil && seconds >= 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}

	if reset := strings.TrimSpace(headers.Get("X-RateLimit-Reset")); reset != "" {
		if epochSeconds, err := strconv.ParseInt(reset, 10, 64); err == nil {
			delayMS := epochSeconds*1000 - nowMS
			if delayMS < minRateLimitDelay.Milliseconds() {
				delayMS = minRateLimitDelay.Milliseconds()
			}
			return time.Duration(delayMS) * time.Millisecond
		}
	}

	return defaultRateLimitDelay
}
