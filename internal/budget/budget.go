// Package budget enforces daily token/cost ceilings and request rates
// per provider, on top of the usage ledger.
package budget

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/modelbridge/bridge/internal/ledger"
)

// Policy is one set of ceilings. Zero fields disable that ceiling.
type Policy struct {
	RequestsPerMinute int
	MaxTokensPerDay   int64
	MaxCostPerDay     float64
}

func (p Policy) enabled() bool {
	return p.RequestsPerMinute > 0 || p.MaxTokensPerDay > 0 || p.MaxCostPerDay > 0
}

func (p Policy) dailyEnabled() bool {
	return p.MaxTokensPerDay > 0 || p.MaxCostPerDay > 0
}

// Config holds the global ceiling plus per-provider overrides.
type Config struct {
	Global      Policy
	PerProvider map[string]Policy
}

// LimitResult is a denied request. Nil means allowed.
type LimitResult struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// TotalsReader is the slice of the ledger store the enforcer reads.
type TotalsReader interface {
	Totals(ctx context.Context, providerName string, from, to time.Time) (*ledger.Totals, error)
}

// Enforcer checks every outgoing call against the configured budgets.
// Daily usage comes from the ledger; the per-minute window is in-memory
// and per-process.
type Enforcer struct {
	store TotalsReader
	cfg   Config
	nowFn func() time.Time

	mu        sync.Mutex
	requests  map[string][]time.Time
	lastSweep time.Time
}

const rateStateSweepInterval = 2 * time.Minute

func NewEnforcer(store TotalsReader, cfg Config) *Enforcer {
	return &Enforcer{
		store:    store,
		cfg:      cfg,
		nowFn:    func() time.Time { return time.Now().UTC() },
		requests: map[string][]time.Time{},
	}
}

func (e *Enforcer) Enabled() bool {
	if e == nil {
		return false
	}
	if e.cfg.Global.enabled() {
		return true
	}
	for _, policy := range e.cfg.PerProvider {
		if policy.enabled() {
			return true
		}
	}
	return false
}

// policyFor resolves the policy for one provider. The returned scope is
// the provider filter daily totals are read with: the provider name for
// an override, empty for the global policy so its ceilings apply to the
// combined spend of every provider.
func (e *Enforcer) policyFor(providerName string) (Policy, string) {
	if policy, ok := e.cfg.PerProvider[providerName]; ok {
		return policy, providerName
	}
	return e.cfg.Global, ""
}

// Check gates one outgoing call. A nil result means the call may
// proceed; the rate window is charged on success.
func (e *Enforcer) Check(ctx context.Context, providerName string) (*LimitResult, error) {
	if e == nil || !e.Enabled() {
		return nil, nil
	}
	providerName = strings.TrimSpace(providerName)
	now := e.nowFn().UTC()
	policy, dailyScope := e.policyFor(providerName)

	if result, err := e.checkDailyUsage(ctx, policy, dailyScope, now); err != nil || result != nil {
		return result, err
	}
	return e.checkRate(policy, providerName, now), nil
}

func (e *Enforcer) checkDailyUsage(ctx context.Context, policy Policy, scope string, now time.Time) (*LimitResult, error) {
	if e.store == nil || !policy.dailyEnabled() {
		return nil, nil
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	totals, err := e.store.Totals(ctx, scope, dayStart, now)
	if err != nil {
		return nil, err
	}
	if totals == nil {
		return nil, nil
	}
	if policy.MaxTokensPerDay > 0 && totals.TotalTokens >= policy.MaxTokensPerDay {
		return &LimitResult{
			Code:    "DAILY_TOKENS_EXCEEDED",
			Message: "daily token budget exceeded for " + providerLabel(scope),
		}, nil
	}
	if policy.MaxCostPerDay > 0 && totals.TotalCost >= policy.MaxCostPerDay {
		return &LimitResult{
			Code:    "DAILY_COST_EXCEEDED",
			Message: "daily cost budget exceeded for " + providerLabel(scope),
		}, nil
	}
	return nil, nil
}

func (e *Enforcer) checkRate(policy Policy, providerName string, now time.Time) *LimitResult {
	if policy.RequestsPerMinute <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeSweepRateState(now)

	events := pruneOldRequests(e.requests[providerName], now)
	if len(events) >= policy.RequestsPerMinute {
		e.requests[providerName] = events
		return &LimitResult{
			Code:              "RATE_LIMIT_EXCEEDED",
			Message:           "request rate budget exceeded for " + providerLabel(providerName),
			RetryAfterSeconds: retryAfterSeconds(events, now),
		}
	}
	e.requests[providerName] = append(events, now)
	return nil
}

func (e *Enforcer) maybeSweepRateState(now time.Time) {
	if !e.lastSweep.IsZero() && now.Sub(e.lastSweep) < rateStateSweepInterval {
		return
	}
	for key, events := range e.requests {
		pruned := pruneOldRequests(events, now)
		if len(pruned) == 0 {
			delete(e.requests, key)
			continue
		}
		e.requests[key] = pruned
	}
	e.lastSweep = now
}

func providerLabel(providerName string) string {
	if providerName == "" {
		return "all providers"
	}
	return providerName
}

func pruneOldRequests(events []time.Time, now time.Time) []time.Time {
	if len(events) == 0 {
		return nil
	}
	cutoff := now.Add(-1 * time.Minute)
	keepIdx := 0
	for keepIdx < len(events) && events[keepIdx].Before(cutoff) {
		keepIdx++
	}
	if keepIdx >= len(events) {
		return nil
	}
	out := make([]time.Time, len(events)-keepIdx)
	copy(out, events[keepIdx:])
	return out
}

func retryAfterSeconds(events []time.Time, now time.Time) int {
	if len(events) == 0 {
		return 1
	}
	wait := events[0].Add(time.Minute).Sub(now).Seconds()
	if wait <= 1 {
		return 1
	}
	return int(math.Ceil(wait))
}
