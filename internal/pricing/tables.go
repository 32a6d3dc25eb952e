package pricing

// Built-in pricing tables, USD, effective dates noted per entry. Token
// rates are per the unit on the entry; flat units carry Cost instead.
// Unknown models degrade to each provider's fallback tier rather than
// erroring, so a stale table never blocks a response.

func tokenEntry(input, output float64, effective string) Entry {
	return Entry{
		InputRate:     input,
		OutputRate:    output,
		Unit:          UnitPer1KTokens,
		Currency:      "USD",
		Billing:       BillingPayPerUse,
		EffectiveDate: effective,
	}
}

func flatEntry(cost float64, unit Unit, effective string) Entry {
	return Entry{
		Cost:          cost,
		Unit:          unit,
		Currency:      "USD",
		Billing:       BillingPayPerUse,
		EffectiveDate: effective,
	}
}

// OpenAISource returns the OpenAI pricing table. The fallback tier is the
// GPT-3.5 Turbo rate.
func OpenAISource() *StaticSource {
	return NewStaticSource(map[string]Entry{
		"gpt-4o":            tokenEntry(0.0025, 0.01, "2024-11-20"),
		"gpt-4o-mini":       tokenEntry(0.00015, 0.0006, "2024-07-18"),
		"gpt-4-turbo":       tokenEntry(0.01, 0.03, "2024-04-09"),
		"gpt-4":             tokenEntry(0.03, 0.06, "2023-06-13"),
		"gpt-4-32k":         tokenEntry(0.06, 0.12, "2023-06-13"),
		"gpt-3.5-turbo":     tokenEntry(0.0005, 0.0015, "2024-01-25"),
		"o1":                tokenEntry(0.015, 0.06, "2024-12-17"),
		"o1-preview":        tokenEntry(0.015, 0.06, "2024-09-12"),
		"o1-mini":           tokenEntry(0.003, 0.012, "2024-09-12"),
		"text-embedding-3-small": {
			InputRate:     0.02,
			OutputRate:    0.02,
			Unit:          UnitPer1MTokens,
			Currency:      "USD",
			Billing:       BillingPayPerUse,
			EffectiveDate: "2024-01-25",
		},
		"text-embedding-3-large": {
			InputRate:     0.13,
			OutputRate:    0.13,
			Unit:          UnitPer1MTokens,
			Currency:      "USD",
			Billing:       BillingPayPerUse,
			EffectiveDate: "2024-01-25",
		},
		"dall-e-3":  flatEntry(0.04, UnitPerImage, "2023-11-06"),
		"whisper-1": flatEntry(0.006, UnitPerMinute, "2023-03-01"),
		"tts-1":     flatEntry(0.015, UnitPer1KChars, "2023-11-06"),
	}, tokenEntry(0.0005, 0.0015, "2024-01-25"))
}

// XAISource returns the xAI (Grok) pricing table. The fallback tier is the
// grok-beta rate.
func XAISource() *StaticSource {
	return NewStaticSource(map[string]Entry{
		"grok-beta":        tokenEntry(0.005, 0.015, "2024-11-04"),
		"grok-2":           tokenEntry(0.002, 0.01, "2024-12-12"),
		"grok-2-vision":    tokenEntry(0.002, 0.01, "2024-12-12"),
		"grok-3":           tokenEntry(0.003, 0.015, "2025-02-19"),
		"grok-3-mini":      tokenEntry(0.0003, 0.0005, "2025-02-19"),
		"grok-3-fast":      tokenEntry(0.005, 0.025, "2025-02-19"),
		"grok-3-mini-fast": tokenEntry(0.0006, 0.004, "2025-02-19"),
	}, tokenEntry(0.005, 0.015, "2024-11-04"))
}

// AnthropicSource returns the Anthropic pricing table. The fallback tier is
// the Claude Sonnet rate.
func AnthropicSource() *StaticSource {
	return NewStaticSource(map[string]Entry{
		"claude-opus-4":     tokenEntry(0.015, 0.075, "2025-05-14"),
		"claude-sonnet-4":   tokenEntry(0.003, 0.015, "2025-05-14"),
		"claude-3-7-sonnet": tokenEntry(0.003, 0.015, "2025-02-24"),
		"claude-3-5-sonnet": tokenEntry(0.003, 0.015, "2024-10-22"),
		"claude-3-5-haiku":  tokenEntry(0.0008, 0.004, "2024-10-22"),
		"claude-3-opus":     tokenEntry(0.015, 0.075, "2024-02-29"),
		"claude-3-haiku":    tokenEntry(0.00025, 0.00125, "2024-03-07"),
	}, tokenEntry(0.003, 0.015, "2024-10-22"))
}

// SourceForProvider maps a provider name to its built-in table. Unknown
// providers get the OpenAI table's lookup shape with a zeroed fallback so
// cost math still runs without pricing data.
func SourceForProvider(provider string) *StaticSource {
	switch provider {
	case "openai":
		return OpenAISource()
	case "xai":
		return XAISource()
	case "anthropic":
		return AnthropicSource()
	default:
		return NewStaticSource(nil, Entry{Unit: UnitPer1KTokens, Currency: "USD", Billing: BillingPayPerUse})
	}
}
