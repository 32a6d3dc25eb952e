package modelsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelbridge/bridge/internal/provider"
	"github.com/modelbridge/bridge/internal/storage"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	store := NewSQLStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreUpsertAndList(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	models := []provider.Model{
		{ID: "gpt-4o", DisplayName: "GPT-4o", OwnedBy: "system", ContextLength: 128000},
		{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", OwnedBy: "system", ContextLength: 128000, Capabilities: []string{"chat", "vision"}},
	}
	if err := store.Upsert(ctx, "openai", models); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	records, err := store.List(ctx, "openai")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].ModelID != "gpt-4o" {
		t.Errorf("records[0].ModelID = %q, want gpt-4o (sorted)", records[0].ModelID)
	}
	if len(records[1].Capabilities) != 2 {
		t.Errorf("Capabilities = %v, want [chat vision]", records[1].Capabilities)
	}
	if records[0].SyncedAt.IsZero() {
		t.Error("SyncedAt is zero")
	}
}

func TestSQLStoreUpsertReplacesByKey(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "openai", []provider.Model{{ID: "gpt-4o", ContextLength: 8192}}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := store.Upsert(ctx, "openai", []provider.Model{{ID: "gpt-4o", ContextLength: 128000}}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	record, err := store.Get(ctx, "openai", "gpt-4o")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.ContextLength != 128000 {
		t.Errorf("ContextLength = %d, want updated 128000", record.ContextLength)
	}

	records, err := store.List(ctx, "openai")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) = %d, want 1 after re-upsert", len(records))
	}
}

func TestSQLStoreProvidersIsolated(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	_ = store.Upsert(ctx, "openai", []provider.Model{{ID: "shared-name"}})
	_ = store.Upsert(ctx, "xai", []provider.Model{{ID: "shared-name"}})

	records, err := store.List(ctx, "openai")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) = %d, want 1 per provider", len(records))
	}

	if _, err := store.Get(ctx, "anthropic", "shared-name"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown provider err = %v, want ErrNotFound", err)
	}
}

type listDriver struct {
	name      string
	models    []provider.Model
	err       error
	listCalls int
}

func (d *listDriver) Name() string { return d.name }
func (d *listDriver) Send(ctx context.Context, messages []provider.Message, opts provider.Options) (*provider.Response, error) {
	return nil, errors.New("not implemented")
}
func (d *listDriver) SendStream(ctx context.Context, messages []provider.Message, opts provider.Options) (*provider.Stream, error) {
	return nil, errors.New("not implemented")
}
func (d *listDriver) ListModels(ctx context.Context) ([]provider.Model, error) {
	d.listCalls++
	return d.models, d.err
}
func (d *listDriver) ContextWindow(model string) int { return 0 }
func (d *listDriver) EstimateSplitRatio() float64    { return 0.70 }

func TestSyncerSyncAndCachedModels(t *testing.T) {
	t.Parallel()

	driver := &listDriver{name: "openai", models: []provider.Model{{ID: "gpt-4o"}}}
	registry := provider.NewRegistry(driver)
	syncer := NewSyncer(registry, testStore(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	count, err := syncer.Sync(context.Background(), "openai")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	// Cached read must not hit the provider again.
	records, err := syncer.Models(context.Background(), "openai")
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(records) != 1 || records[0].ModelID != "gpt-4o" {
		t.Errorf("records = %+v", records)
	}
	if driver.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1", driver.listCalls)
	}
}

func TestSyncerCacheExpiry(t *testing.T) {
	t.Parallel()

	driver := &listDriver{name: "openai", models: []provider.Model{{ID: "gpt-4o"}}}
	registry := provider.NewRegistry(driver)
	store := testStore(t)
	syncer := NewSyncer(registry, store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	syncer.nowFn = func() time.Time { return now }

	if _, err := syncer.Sync(context.Background(), "openai"); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Write a second model behind the cache's back; a fresh cache hides it.
	if err := store.Upsert(context.Background(), "openai", []provider.Model{{ID: "gpt-4o-mini"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	records, _ := syncer.Models(context.Background(), "openai")
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1 while cache fresh", len(records))
	}

	now = now.Add(DefaultCacheTTL + time.Minute)
	records, err := syncer.Models(context.Background(), "openai")
	if err != nil {
		t.Fatalf("Models after expiry: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want 2 after cache expiry", len(records))
	}
}

func TestSyncerSyncUnknownProvider(t *testing.T) {
	t.Parallel()

	syncer := NewSyncer(provider.NewRegistry(), testStore(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := syncer.Sync(context.Background(), "nope"); err == nil {
		t.Fatal("Sync(nope) succeeded, want error")
	}
}

func TestSyncerSyncAllCollectsFailures(t *testing.T) {
	t.Parallel()

	healthy := &listDriver{name: "openai", models: []provider.Model{{ID: "gpt-4o"}}}
	broken := &listDriver{name: "xai", err: errors.New("listing down")}
	registry := provider.NewRegistry(healthy, broken)
	syncer := NewSyncer(registry, testStore(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	counts, err := syncer.SyncAll(context.Background())
	if err == nil {
		t.Fatal("SyncAll err = nil, want first failure surfaced")
	}
	if counts["openai"] != 1 {
		t.Errorf("openai count = %d, want 1 despite xai failure", counts["openai"])
	}
	if _, ok := counts["xai"]; ok {
		t.Error("xai present in counts despite failure")
	}
}
