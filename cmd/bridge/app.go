package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelbridge/bridge/internal/budget"
	"github.com/modelbridge/bridge/internal/config"
	"github.com/modelbridge/bridge/internal/ledger"
	"github.com/modelbridge/bridge/internal/modelsync"
	"github.com/modelbridge/bridge/internal/observability"
	"github.com/modelbridge/bridge/internal/pricing"
	"github.com/modelbridge/bridge/internal/provider"
	"github.com/modelbridge/bridge/internal/storage"
	"github.com/modelbridge/bridge/internal/version"
)

const ledgerShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const providerHTTPTimeout = 120 * time.Second

// app wires the configured providers, storage, ledger pipeline, and
// budget enforcement behind one handle shared by the CLI commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	otel     *observability.Runtime
	registry *provider.Registry

	db           *storage.DB
	syncer       *modelsync.Syncer
	ledgerStore  *ledger.SQLStore
	ledgerWriter *ledger.Writer
	enforcer     *budget.Enforcer
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	otelRuntime, err := observability.Setup(ctx, cfg.Observability.OTel, version.String(), logger)
	if err != nil {
		// Instrumentation failures never block the call path.
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
		otelRuntime = &observability.Runtime{}
	}

	db, err := openStorage(cfg)
	if err != nil {
		_ = otelRuntime.Shutdown(context.Background())
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	registry := buildRegistry(cfg, otelRuntime, logger)
	ledgerStore := ledger.NewSQLStore(db)
	ledgerWriter := ledger.NewWriter(ledgerStore, cfg.Ledger.BufferSize)
	ledgerWriter.SetWriteFailureHandler(func(failure ledger.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		otelRuntime.RecordLedgerWriteFailure(failure.ErrorClass, failure.FailedCount)
		logger.Error("usage ledger persistence failed; records dropped",
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
	})
	ledgerWriter.Start(context.Background())

	application := &app{
		cfg:          cfg,
		logger:       logger,
		otel:         otelRuntime,
		registry:     registry,
		db:           db,
		syncer:       modelsync.NewSyncer(registry, modelsync.NewSQLStore(db), logger),
		ledgerStore:  ledgerStore,
		ledgerWriter: ledgerWriter,
		enforcer:     budget.NewEnforcer(ledgerStore, budgetConfig(cfg)),
	}
	return application, nil
}

// Close drains the ledger queue, closes storage, and flushes telemetry.
func (a *app) Close() {
	if a == nil {
		return
	}

	if a.ledgerWriter != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ledgerShutdownTimeout)
		if err := a.ledgerWriter.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("failed to flush pending usage records before shutdown", "error", err)
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close storage", "error", err)
		}
	}
	if a.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		if err := a.otel.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("failed to shutdown opentelemetry providers", "error", err)
		}
		cancel()
	}
}

func openStorage(cfg config.Config) (*storage.DB, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return storage.OpenSQLite(cfg.Storage.Path)
	case "postgres":
		return storage.OpenPostgres(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// buildRegistry registers a driver for every provider with credentials.
// The shared HTTP client carries the OpenTelemetry transport so provider
// calls are traced end to end.
func buildRegistry(cfg config.Config, otelRuntime *observability.Runtime, logger *slog.Logger) *provider.Registry {
	httpClient := &http.Client{
		Timeout:   providerHTTPTimeout,
		Transport: otelRuntime.WrapHTTPTransport(nil),
	}
	pricingTTL := time.Duration(cfg.Cache.PricingTTLMinutes) * time.Minute

	registry := provider.NewRegistry()
	if cfg.Providers.OpenAI.Enabled() {
		registry.Register(provider.NewOpenAI(provider.Config{
			APIKey:     cfg.Providers.OpenAI.APIKey,
			BaseURL:    cfg.Providers.OpenAI.BaseURL,
			HTTPClient: httpClient,
			Logger:     logger,
			Pricing:    pricing.NewCachedSource(pricing.OpenAISource(), pricingTTL),
		}))
	}
	if cfg.Providers.XAI.Enabled() {
		registry.Register(provider.NewXAI(provider.Config{
			APIKey:     cfg.Providers.XAI.APIKey,
			BaseURL:    cfg.Providers.XAI.BaseURL,
			HTTPClient: httpClient,
			Logger:     logger,
			Pricing:    pricing.NewCachedSource(pricing.XAISource(), pricingTTL),
		}))
	}
	if cfg.Providers.Anthropic.Enabled() {
		registry.Register(provider.NewAnthropic(provider.Config{
			APIKey:     cfg.Providers.Anthropic.APIKey,
			BaseURL:    cfg.Providers.Anthropic.BaseURL,
			HTTPClient: httpClient,
			Logger:     logger,
			Pricing:    pricing.NewCachedSource(pricing.AnthropicSource(), pricingTTL),
		}))
	}
	return registry
}

func budgetConfig(cfg config.Config) budget.Config {
	out := budget.Config{
		Global: budget.Policy{
			RequestsPerMinute: cfg.Budgets.Global.RequestsPerMinute,
			MaxTokensPerDay:   cfg.Budgets.Global.MaxTokensPerDay,
			MaxCostPerDay:     cfg.Budgets.Global.MaxCostPerDay,
		},
	}
	if len(cfg.Budgets.PerProvider) > 0 {
		out.PerProvider = make(map[string]budget.Policy, len(cfg.Budgets.PerProvider))
		for name, policy := range cfg.Budgets.PerProvider {
			out.PerProvider[name] = budget.Policy{
				RequestsPerMinute: policy.RequestsPerMinute,
				MaxTokensPerDay:   policy.MaxTokensPerDay,
				MaxCostPerDay:     policy.MaxCostPerDay,
			}
		}
	}
	return out
}

// defaultModelFor resolves the configured default model for a provider;
// empty means the driver's own default wins.
func defaultModelFor(cfg config.Config, providerName string) string {
	switch providerName {
	case "openai":
		return strings.TrimSpace(cfg.Providers.OpenAI.DefaultModel)
	case "xai":
		return strings.TrimSpace(cfg.Providers.XAI.DefaultModel)
	case "anthropic":
		return strings.TrimSpace(cfg.Providers.Anthropic.DefaultModel)
	default:
		return ""
	}
}

func newCommandLogger(errOut io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
