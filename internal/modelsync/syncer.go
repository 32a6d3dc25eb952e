package modelsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelbridge/bridge/internal/provider"
)

// DefaultCacheTTL bounds how stale an in-memory listing may get before
// Models falls through to the store.
const DefaultCacheTTL = time.Hour

// Syncer pulls provider model listings into the store and serves cached
// reads. One Syncer covers all registered providers.
type Syncer struct {
	registry *provider.Registry
	store    Store
	logger   *slog.Logger
	ttl      time.Duration
	nowFn    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedListing
}

type cachedListing struct {
	records   []Record
	fetchedAt time.Time
}

func NewSyncer(registry *provider.Registry, store Store, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		registry: registry,
		store:    store,
		logger:   logger,
		ttl:      DefaultCacheTTL,
		nowFn:    time.Now,
		cache:    map[string]cachedListing{},
	}
}

// Sync fetches one provider's listing and upserts it. The cache entry is
// refreshed on success and left alone on failure, so a flaky provider
// keeps serving its last good listing.
func (s *Syncer) Sync(ctx context.Context, providerName string) (int, error) {
	driver, ok := s.registry.Get(providerName)
	if !ok {
		return 0, fmt.Errorf("unknown provider %q", providerName)
	}

	models, err := driver.ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s models: %w", providerName, err)
	}
	if err := s.store.Upsert(ctx, providerName, models); err != nil {
		return 0, err
	}

	records, err := s.store.List(ctx, providerName)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.cache[providerName] = cachedListing{records: records, fetchedAt: s.nowFn()}
	s.mu.Unlock()

	s.logger.Info("model listing synced",
		"provider", providerName,
		"models", len(models))
	return len(models), nil
}

// SyncAll syncs every registered provider. Per-provider failures are
// logged and collected; the remaining providers still sync.
func (s *Syncer) SyncAll(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	var firstErr error
	for _, name := range s.registry.Names() {
		count, err := s.Sync(ctx, name)
		if err != nil {
			s.logger.Warn("model sync failed", "provider", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		counts[name] = count
	}
	return counts, firstErr
}

// Models serves the provider's listing from the in-memory cache when
// fresh, falling back to the store otherwise. It never calls the
// provider; use Sync for that.
func (s *Syncer) Models(ctx context.Context, providerName string) ([]Record, error) {
	s.mu.RLock()
	entry, ok := s.cache[providerName]
	s.mu.RUnlock()
	if ok && s.nowFn().Sub(entry.fetchedAt) < s.ttl {
		return entry.records, nil
	}

	records, err := s.store.List(ctx, providerName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[providerName] = cachedListing{records: records, fetchedAt: s.nowFn()}
	s.mu.Unlock()
	return records, nil
}

// ContextLength reports the synced context window for a model, or zero
// when the model is unknown.
func (s *Syncer) ContextLength(ctx context.Context, providerName, modelID string) int {
	record, err := s.store.Get(ctx, providerName, modelID)
	if err != nil {
		return 0
	}
	return record.ContextLength
}
