package providers

import "strings"

// InferProviderFromModel infers a provider label from a model identifier.
// The wiring layer uses it to pick a client implementation for a
// configured model.
func InferProviderFromModel(model string) string {
	m := strings.TrimSpace(strings.ToLower(model))
	if m == "" {
		return "unknown"
	}

	if idx := strings.Index(m, "/"); idx > 0 {
		switch m[:idx] {
		case "anthropic":
			return "anthropic"
		case "openai":
			return "openai"
		}
	}

	switch {
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "gpt") || strings.Contains(m, "o1") ||
		strings.Contains(m, "o3") || strings.Contains(m, "o4"):
		return "openai"
	default:
		return "unknown"
	}
}
