package provider

import "github.com/modelbridge/bridge/internal/cost"

const (
	// perMessageOverheadTokens covers role tags and separators the
	// character heuristic cannot see.
	perMessageOverheadTokens = 4
	// contextUsageThreshold is the share of the context window an
	// estimated request may fill before trimming kicks in.
	contextUsageThreshold = 0.8
)

// EstimateMessageTokens approximates the token footprint of a message
// list, including per-message overhead.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, message := range messages {
		total += cost.EstimateTokens(message.Content) + perMessageOverheadTokens
	}
	return total
}

// TrimToContextWindow drops the oldest non-system messages until the
// estimated token count fits under 80% of the context window. System
// messages are always retained and relative order is preserved. A window
// of zero or less disables trimming.
func TrimToContextWindow(messages []Message, contextWindow int) []Message {
	if contextWindow <= 0 {
		return messages
	}

	budget := int(float64(contextWindow) * contextUsageThreshold)
	if EstimateMessageTokens(messages) <= budget {
		return messages
	}

	retained := make([]Message, len(messages))
	copy(retained, messages)

	for EstimateMessageTokens(retained) > budget {
		dropped := false
		for i, message := range retained {
			if message.Role == RoleSystem {
				continue
			}
			retained = append(retained[:i], retained[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			// Only system messages remain; nothing further can go.
			break
		}
	}

	return retained
}
