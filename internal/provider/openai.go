package provider

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/modelbridge/bridge/internal/apierror"
	"github.com/modelbridge/bridge/internal/cost"
	"github.com/modelbridge/bridge/internal/pricing"
)

// Config carries the per-driver settings every constructor accepts.
// Zero-value fields fall back to the driver's defaults.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Pricing    pricing.Source
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 120 * time.Second}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) pricingOr(fallback pricing.Source) pricing.Source {
	if c.Pricing != nil {
		return c.Pricing
	}
	return fallback
}

const (
	openaiDefaultBaseURL = "https://api.openai.com/v1"
	openaiDefaultModel   = "gpt-4o-mini"
	openaiSplitRatio     = 0.70
)

var openaiContextWindows = map[string]int{
	"gpt-4o":                  128000,
	"gpt-4o-mini":             128000,
	"gpt-4-turbo":             128000,
	"gpt-4":                   8192,
	"gpt-3.5-turbo":           16385,
	"o1":                      200000,
	"o1-mini":                 128000,
	"text-embedding-3-small":  8191,
	"text-embedding-3-large":  8191,
}

// NewOpenAI returns a Driver for the OpenAI chat-completions API.
func NewOpenAI(cfg Config) Driver {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	logger := cfg.logger()
	return &openaiCompat{
		name:           "openai",
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		defaultModel:   openaiDefaultModel,
		splitRatio:     openaiSplitRatio,
		contextWindows: openaiContextWindows,
		defaultWindow:  8192,
		httpClient:     cfg.httpClient(),
		mapper:         apierror.NewMapper("openai", logger),
		calculator:     cost.NewCalculator(cfg.pricingOr(pricing.OpenAISource()), logger),
		logger:         logger,
	}
}
