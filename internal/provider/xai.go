package provider

import (
	"github.com/modelbridge/bridge/internal/apierror"
	"github.com/modelbridge/bridge/internal/cost"
	"github.com/modelbridge/bridge/internal/pricing"
)

const (
	xaiDefaultBaseURL = "https://api.x.ai/v1"
	xaiDefaultModel   = "grok-beta"
	xaiSplitRatio     = 0.75
)

var xaiContextWindows = map[string]int{
	"grok-beta":        131072,
	"grok-2":           131072,
	"grok-2-mini":      131072,
	"grok-vision-beta": 8192,
}

// NewXAI returns a Driver for the xAI API, which speaks the same wire
// format as OpenAI chat completions.
func NewXAI(cfg Config) Driver {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = xaiDefaultBaseURL
	}
	logger := cfg.logger()
	return &openaiCompat{
		name:           "xai",
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		defaultModel:   xaiDefaultModel,
		splitRatio:     xaiSplitRatio,
		contextWindows: xaiContextWindows,
		defaultWindow:  131072,
		httpClient:     cfg.httpClient(),
		mapper:         apierror.NewMapper("xai", logger),
		calculator:     cost.NewCalculator(cfg.pricingOr(pricing.XAISource()), logger),
		logger:         logger,
	}
}
