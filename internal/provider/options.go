package provider

// Options is the per-call options map. Only the documented keys below are
// read; unrecognized keys are ignored, never an error. Keys absent from
// the map are omitted from the provider payload - defaults are the
// provider's, not ours.
type Options map[string]any

// Recognized option keys.
const (
	OptModel            = "model"
	OptTemperature      = "temperature"
	OptMaxTokens        = "max_tokens"
	OptTopP             = "top_p"
	OptFrequencyPenalty = "frequency_penalty"
	OptPresencePenalty  = "presence_penalty"
	OptStop             = "stop"
	OptStream           = "stream"
	OptTools            = "tools"
	OptToolChoice       = "tool_choice"
	OptResponseFormat   = "response_format"
	OptSeed             = "seed"
	OptUser             = "user"
)

// passthroughKeys are copied verbatim into the request payload when set.
var passthroughKeys = []string{
	OptTemperature,
	OptMaxTokens,
	OptTopP,
	OptFrequencyPenalty,
	OptPresencePenalty,
	OptStop,
	OptTools,
	OptToolChoice,
	OptResponseFormat,
	OptSeed,
	OptUser,
}

// Model returns the model option, or fallback when unset.
func (o Options) Model(fallback string) string {
	if o == nil {
		return fallback
	}
	if model, ok := o[OptModel].(string); ok && model != "" {
		return model
	}
	return fallback
}

// MaxTokens returns the max_tokens option if set to a usable integer.
func (o Options) MaxTokens() (int, bool) {
	if o == nil {
		return 0, false
	}
	switch v := o[OptMaxTokens].(type) {
	case int:
		return v, v > 0
	case float64:
		return int(v), v > 0
	default:
		return 0, false
	}
}

// apply copies the recognized passthrough options into payload without
// touching keys the caller did not set.
func (o Options) apply(payload map[string]any) {
	for _, key := range passthroughKeys {
		if value, ok := o[key]; ok {
			payload[key] = value
		}
	}
}
