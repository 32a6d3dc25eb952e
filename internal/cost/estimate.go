package cost

import "unicode/utf8"

// charsPerToken is the rough character-to-token ratio used for pre-call
// estimation. Non-ASCII text tokenizes denser, so multi-byte runes are
// weighted heavier below.
const charsPerToken = 4

// EstimateOptions controls pre-call estimation. SplitInputRatio is the
// input share of the estimated token budget and is a provider-specific
// constant (OpenAI/Anthropic 0.70, xAI 0.75) - callers must not treat it
// as universal.
type EstimateOptions struct {
	SplitInputRatio float64
}

// EstimateTokens approximates the token count of raw text at ~4 chars per
// token, counting multi-byte runes as two characters to account for denser
// tokenization of non-ASCII and structured content.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	weighted := 0
	for _, r := range text {
		if utf8.RuneLen(r) > 1 {
			weighted += 2
		} else {
			weighted++
		}
	}

	tokens := (weighted + charsPerToken - 1) / charsPerToken
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// Estimate predicts the cost of sending raw text: the character count is
// converted to tokens and split input/output per the provider ratio, then
// priced through the same path as actual usage.
func (c *Calculator) Estimate(model, text string, opts EstimateOptions) Breakdown {
	ratio := opts.SplitInputRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.70
	}

	total := EstimateTokens(text)
	inputTokens := int(float64(total) * ratio)
	outputTokens := total - inputTokens

	return c.Calculate(model, Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Characters:   len(text),
	})
}
