package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Providers     ProvidersConfig     `yaml:"providers"`
	Storage       StorageConfig       `yaml:"storage"`
	Budgets       BudgetsConfig       `yaml:"budgets"`
	Cache         CacheConfig         `yaml:"cache"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	XAI       ProviderConfig `yaml:"xai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// Enabled reports whether the provider has credentials and should be
// registered.
func (c ProviderConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type BudgetsConfig struct {
	Global      BudgetPolicyConfig            `yaml:"global"`
	PerProvider map[string]BudgetPolicyConfig `yaml:"per_provider"`
}

type BudgetPolicyConfig struct {
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	MaxTokensPerDay   int64   `yaml:"max_tokens_per_day"`
	MaxCostPerDay     float64 `yaml:"max_cost_per_day"`
}

type CacheConfig struct {
	PricingTTLMinutes int `yaml:"pricing_ttl_minutes"`
	ModelTTLMinutes   int `yaml:"model_ttl_minutes"`
}

type LedgerConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "modelbridge"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/bridge.db",
		},
		Cache: CacheConfig{
			PricingTTLMinutes: 24 * 60,
			ModelTTLMinutes:   60,
		},
		Ledger: LedgerConfig{
			BufferSize: 256,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	for name, provider := range map[string]ProviderConfig{
		"providers.openai":    cfg.Providers.OpenAI,
		"providers.xai":       cfg.Providers.XAI,
		"providers.anthropic": cfg.Providers.Anthropic,
	} {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	if err := validateBudgetPolicy("budgets.global", cfg.Budgets.Global); err != nil {
		return err
	}
	for providerName, policy := range cfg.Budgets.PerProvider {
		switch providerName {
		case "openai", "xai", "anthropic":
		default:
			return fmt.Errorf("budgets.per_provider key must be one of openai, xai, anthropic (got %q)", providerName)
		}
		if err := validateBudgetPolicy("budgets.per_provider."+providerName, policy); err != nil {
			return err
		}
	}

	if cfg.Cache.PricingTTLMinutes < 0 {
		return fmt.Errorf("cache.pricing_ttl_minutes must be >= 0 (got %d)", cfg.Cache.PricingTTLMinutes)
	}
	if cfg.Cache.ModelTTLMinutes < 0 {
		return fmt.Errorf("cache.model_ttl_minutes must be >= 0 (got %d)", cfg.Cache.ModelTTLMinutes)
	}
	if cfg.Ledger.BufferSize <= 0 {
		return fmt.Errorf("ledger.buffer_size must be > 0 (got %d)", cfg.Ledger.BufferSize)
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateProvider(name string, provider ProviderConfig) error {
	base := strings.TrimSpace(provider.BaseURL)
	if base == "" {
		return nil
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("parse %s.base_url: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s.base_url must include scheme and host (got %q)", name, provider.BaseURL)
	}
	return nil
}

func validateBudgetPolicy(name string, policy BudgetPolicyConfig) error {
	if policy.RequestsPerMinute < 0 {
		return fmt.Errorf("%s.requests_per_minute must be >= 0 (got %d)", name, policy.RequestsPerMinute)
	}
	if policy.MaxTokensPerDay < 0 {
		return fmt.Errorf("%s.max_tokens_per_day must be >= 0 (got %d)", name, policy.MaxTokensPerDay)
	}
	if policy.MaxCostPerDay < 0 {
		return fmt.Errorf("%s.max_cost_per_day must be >= 0 (got %f)", name, policy.MaxCostPerDay)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	applyProviderEnv := func(prefix string, provider *ProviderConfig) {
		if apiKey := os.Getenv("MODELBRIDGE_" + prefix + "_API_KEY"); apiKey != "" {
			provider.APIKey = apiKey
		}
		if baseURL := os.Getenv("MODELBRIDGE_" + prefix + "_BASE_URL"); baseURL != "" {
			provider.BaseURL = baseURL
		}
		if model := os.Getenv("MODELBRIDGE_" + prefix + "_DEFAULT_MODEL"); model != "" {
			provider.DefaultModel = model
		}
	}
	applyProviderEnv("OPENAI", &cfg.Providers.OpenAI)
	applyProviderEnv("XAI", &cfg.Providers.XAI)
	applyProviderEnv("ANTHROPIC", &cfg.Providers.Anthropic)

	// Bare provider keys also work, matching the SDK conventions.
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = apiKey
	}
	if apiKey := os.Getenv("XAI_API_KEY"); apiKey != "" && cfg.Providers.XAI.APIKey == "" {
		cfg.Providers.XAI.APIKey = apiKey
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" && cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = apiKey
	}

	if storageDriver := os.Getenv("MODELBRIDGE_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("MODELBRIDGE_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("MODELBRIDGE_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if bufferSize := os.Getenv("MODELBRIDGE_LEDGER_BUFFER_SIZE"); bufferSize != "" {
		v, err := strconv.Atoi(bufferSize)
		if err != nil {
			return fmt.Errorf("invalid MODELBRIDGE_LEDGER_BUFFER_SIZE: %w", err)
		}
		cfg.Ledger.BufferSize = v
	}

	return applyOTelEnv(cfg)
}

// applyOTelEnv honors the standard OTEL_* environment variables.
func applyOTelEnv(cfg *Config) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
