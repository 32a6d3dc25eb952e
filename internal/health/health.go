// Package health probes provider availability and credential validity.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelbridge/bridge/internal/apierror"
	"github.com/modelbridge/bridge/internal/provider"
)

// Status is the health state of a provider.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result is one provider health probe outcome.
type Result struct {
	Provider    string        `json:"provider"`
	Status      Status        `json:"status"`
	Latency     time.Duration `json:"latency"`
	Message     string        `json:"message,omitempty"`
	ModelCount  int           `json:"model_count,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
}

// Checker probes drivers. A probe is one model-listing call; optionally a
// cheap completion call on top via CheckCompletion.
type Checker struct {
	logger  *slog.Logger
	timeout time.Duration
	nowFn   func() time.Time
}

const defaultProbeTimeout = 10 * time.Second

func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		logger:  logger,
		timeout: defaultProbeTimeout,
		nowFn:   time.Now,
	}
}

// statusForError grades a probe failure. Rate limiting means the
// credentials work and the service answers, so it degrades rather than
// fails; credential and quota problems are hard failures.
func statusForError(err error) (Status, string) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case apierror.KindRateLimit:
			return StatusDegraded, apiErr.Message
		case apierror.KindServerError:
			if apiErr.Retryable {
				return StatusDegraded, apiErr.Message
			}
			return StatusUnhealthy, apiErr.Message
		default:
			return StatusUnhealthy, apiErr.Message
		}
	}
	return StatusUnhealthy, err.Error()
}

// Check probes one driver by listing its models.
func (c *Checker) Check(ctx context.Context, driver provider.Driver) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.nowFn()
	models, err := driver.ListModels(ctx)
	latency := c.nowFn().Sub(start)

	result := Result{
		Provider:    driver.Name(),
		Latency:     latency,
		LastChecked: c.nowFn().UTC(),
	}
	if err != nil {
		result.Status, result.Message = statusForError(err)
		c.logger.Warn("provider health probe failed",
			"provider", driver.Name(),
			"status", string(result.Status),
			"latency_ms", latency.Milliseconds(),
			"error", err)
		return result
	}

	result.Status = StatusHealthy
	result.ModelCount = len(models)
	if len(models) == 0 {
		result.Status = StatusDegraded
		result.Message = "model listing succeeded but returned no models"
	}
	return result
}

// CheckCompletion extends the probe with a one-token completion round
// trip, catching keys that can list models but not complete.
func (c *Checker) CheckCompletion(ctx context.Context, driver provider.Driver, model string) Result {
	result := c.Check(ctx, driver)
	if result.Status == StatusUnhealthy {
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.nowFn()
	opts := provider.Options{provider.OptMaxTokens: 1}
	if model != "" {
		opts[provider.OptModel] = model
	}
	_, err := driver.Send(ctx, []provider.Message{{Role: provider.RoleUser, Content: "ping"}}, opts)
	result.Latency += c.nowFn().Sub(start)
	if err != nil {
		status, message := statusForError(err)
		result.Status = status
		result.Message = fmt.Sprintf("completion probe: %s", message)
	}
	return result
}

// ValidateCredentials reports whether the driver's key can authenticate.
// Rate limiting counts as valid; only credential failures invalidate.
func (c *Checker) ValidateCredentials(ctx context.Context, driver provider.Driver) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := driver.ListModels(ctx)
	if err == nil {
		return true, nil
	}

	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case apierror.KindInvalidCredentials:
			return false, nil
		case apierror.KindRateLimit, apierror.KindQuotaExceeded:
			return true, nil
		}
	}
	return false, err
}

// CheckAll probes every driver in the registry and returns results keyed
// by provider name.
func (c *Checker) CheckAll(ctx context.Context, registry *provider.Registry) map[string]Result {
	results := make(map[string]Result)
	for _, name := range registry.Names() {
		driver, ok := registry.Get(name)
		if !ok {
			continue
		}
		results[name] = c.Check(ctx, driver)
	}
	return results
}
