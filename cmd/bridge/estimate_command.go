package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/modelbridge/bridge/internal/cost"
	"github.com/modelbridge/bridge/internal/pricing"
)

// estimateSplitRatios mirrors the drivers' input-share constants so
// estimation needs no credentials.
var estimateSplitRatios = map[string]float64{
	"openai":    0.70,
	"xai":       0.75,
	"anthropic": 0.70,
}

func runEstimate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("estimate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	providerName := flagSet.String("provider", "openai", "Provider whose pricing to use: openai, xai, or anthropic")
	model := flagSet.String("model", "", "Model override (defaults to config, then the provider default)")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("estimate", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	text := strings.Join(flagSet.Args(), " ")
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(errOut, "estimate requires text: bridge estimate [flags] <text>")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	name := strings.ToLower(strings.TrimSpace(*providerName))
	ratio, ok := estimateSplitRatios[name]
	if !ok {
		fmt.Fprintf(errOut, "unknown provider %q: expected openai, xai, or anthropic\n", name)
		return 2
	}
	resolvedModel := nonEmpty(strings.TrimSpace(*model), defaultModelFor(cfg, name))
	if resolvedModel == "" {
		resolvedModel = estimateDefaultModels[name]
	}

	calculator := cost.NewCalculator(pricing.SourceForProvider(name), newCommandLogger(errOut))
	breakdown := calculator.Estimate(resolvedModel, text, cost.EstimateOptions{SplitInputRatio: ratio})

	if normalizedFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(estimateDocument{
			Provider:  name,
			Model:     resolvedModel,
			Breakdown: breakdown,
		}); err != nil {
			fmt.Fprintf(errOut, "failed to write estimate: %v\n", err)
			return 1
		}
		return 0
	}

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "Provider\t%s\n", name)
	fmt.Fprintf(writer, "Model\t%s\n", resolvedModel)
	fmt.Fprintf(writer, "Estimated tokens\t%d in / %d out\n", breakdown.InputTokens, breakdown.OutputTokens)
	if breakdown.PricingAvailable {
		fmt.Fprintf(writer, "Estimated cost\t$%.6f %s\n", breakdown.TotalCost, breakdown.Currency)
	} else {
		fmt.Fprintf(writer, "Estimated cost\tunavailable (no pricing data for model)\n")
	}
	if err := writer.Flush(); err != nil {
		fmt.Fprintf(errOut, "failed to write estimate: %v\n", err)
		return 1
	}
	return 0
}

var estimateDefaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"xai":       "grok-beta",
	"anthropic": "claude-3-5-sonnet",
}

type estimateDocument struct {
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Breakdown cost.Breakdown `json:"breakdown"`
}
