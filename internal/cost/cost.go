package cost

import (
	"log/slog"
	"math"

	"github.com/modelbridge/bridge/internal/pricing"
)

// Breakdown is the monetary result of one provider call. Total always
// equals InputCost+OutputCost after rounding; all figures are rounded to
// six decimal places.
type Breakdown struct {
	Model            string
	InputTokens      int
	OutputTokens     int
	InputCost        float64
	OutputCost       float64
	TotalCost        float64
	Currency         string
	PricingAvailable bool
}

// Usage carries post-call token counts plus flat-unit quantities for
// non-token billing (images, minutes, characters).
type Usage struct {
	InputTokens  int
	OutputTokens int
	Images       int
	Minutes      float64
	Characters   int
}

// Calculator turns token usage into a cost breakdown using an injected
// pricing source. Missing pricing never fails: it degrades to a zero-cost
// breakdown with PricingAvailable=false and a logged warning so a pricing
// outage cannot block a response.
type Calculator struct {
	source pricing.Source
	logger *slog.Logger
}

func NewCalculator(source pricing.Source, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{source: source, logger: logger}
}

func (c *Calculator) Calculate(model string, usage Usage) Breakdown {
	resolution := c.source.Resolve(model)
	breakdown := Breakdown{
		Model:            resolution.Model,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		Currency:         "USD",
		PricingAvailable: resolution.HasPricing(),
	}

	if !resolution.HasPricing() && resolution.Entry.InputRate == 0 && resolution.Entry.Cost == 0 {
		c.logger.Warn("no pricing data for model, reporting zero cost",
			"model", model, "normalized_model", resolution.Model)
		return breakdown
	}

	entry := resolution.Entry
	if denominator := entry.Unit.TokenDenominator(); denominator > 0 {
		breakdown.InputCost = round6(float64(usage.InputTokens) / denominator * entry.InputRate)
		breakdown.OutputCost = round6(float64(usage.OutputTokens) / denominator * entry.OutputRate)
	} else {
		breakdown.InputCost = round6(entry.Cost * flatQuantity(entry.Unit, usage))
	}
	breakdown.TotalCost = round6(breakdown.InputCost + breakdown.OutputCost)

	return breakdown
}

func flatQuantity(unit pricing.Unit, usage Usage) float64 {
	switch unit {
	case pricing.UnitPerImage:
		if usage.Images <= 0 {
			return 1
		}
		return float64(usage.Images)
	case pricing.UnitPerMinute:
		return usage.Minutes
	case pricing.UnitPer1KChars:
		return float64(usage.Characters) / 1000
	default:
		return 0
	}
}

func round6(value float64) float64 {
	return math.Round(value*1e6) / 1e6
}
