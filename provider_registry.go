package chatstream

import "strings"

// ProviderID represents a unique provider identifier.
// Using a typed constant prevents typos and provides compile-time safety.
type ProviderID string

// Known provider identifiers
const (
	// ProviderAnthropic is the Claude model family
	ProviderAnthropic ProviderID = "anthropic"

	// ProviderOpenAI is the GPT/o-series model family
	ProviderOpenAI ProviderID = "openai"

	// ProviderGoogle is the Gemini model family
	ProviderGoogle ProviderID = "google"

	// ProviderDeepSeek is the DeepSeek model family (emits a dedicated
	// reasoning_content field for thinking output)
	ProviderDeepSeek ProviderID = "deepseek"

	// ProviderQwen is the Qwen model family (inlines thinking in the text
	// stream between <think> markers)
	ProviderQwen ProviderID = "qwen"

	// ProviderMock is the mock backend for testing (lorem-* models)
	ProviderMock ProviderID = "mock"
)

// String returns the string representation of the provider ID
func (p ProviderID) String() string {
	return string(p)
}

// IsValid returns true if the provider ID is a known provider
func (p ProviderID) IsValid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderDeepSeek, ProviderQwen, ProviderMock:
		return true
	default:
		return false
	}
}

// UsesReasoningMarkers returns true for providers that inline thinking content
// in the text stream between <think>/</think> markers instead of sending a
// dedicated reasoning_content field.
func (p ProviderID) UsesReasoningMarkers() bool {
	return p == ProviderQwen
}

// modelRule pairs a predicate with the provider it classifies to.
// Rules are checked in order; the first match wins.
type modelRule struct {
	matches  func(model string) bool
	provider ProviderID
}

func containsRule(substr string, p ProviderID) modelRule {
	return modelRule{
		matches:  func(model string) bool { return strings.Contains(model, substr) },
		provider: p,
	}
}

func prefixRule(prefix string, p ProviderID) modelRule {
	return modelRule{
		matches:  func(model string) bool { return strings.HasPrefix(model, prefix) },
		provider: p,
	}
}

// modelRules is the ordered classification table. More specific families come
// first; the o-series prefixes are short enough to collide with other vendors'
// names, so they sit at the end.
var modelRules = []modelRule{
	containsRule("claude", ProviderAnthropic),
	containsRule("gemini", ProviderGoogle),
	containsRule("deepseek", ProviderDeepSeek),
	containsRule("qwen", ProviderQwen),
	prefixRule("lorem-", ProviderMock),
	containsRule("chatgpt", ProviderOpenAI),
	containsRule("gpt", ProviderOpenAI),
	prefixRule("o1", ProviderOpenAI),
	prefixRule("o3", ProviderOpenAI),
	prefixRule("o4", ProviderOpenAI),
}

// ClassifyModel infers the provider from a model identifier.
// Unknown models default to ProviderOpenAI, the most common backend.
// Pure function; matching is case-insensitive.
func ClassifyModel(model string) ProviderID {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, rule := range modelRules {
		if rule.matches(m) {
			return rule.provider
		}
	}
	return ProviderOpenAI
}
