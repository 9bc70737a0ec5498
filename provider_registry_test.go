package chatstream

import "testing"

func TestClassifyModel(t *testing.T) {
	tests := []struct {
		model string
		want  ProviderID
	}{
		{"claude-sonnet-4", ProviderAnthropic},
		{"claude-3-5-haiku-latest", ProviderAnthropic},
		{"gpt-4o", ProviderOpenAI},
		{"chatgpt-4o-latest", ProviderOpenAI},
		{"o1-mini", ProviderOpenAI},
		{"o3", ProviderOpenAI},
		{"gemini-2.0-flash", ProviderGoogle},
		{"deepseek-reasoner", ProviderDeepSeek},
		{"qwen-max", ProviderQwen},
		{"Qwen/QwQ-32B", ProviderQwen},
		{"lorem-small", ProviderMock},
		{"  GPT-4O  ", ProviderOpenAI},
		{"totally-unknown-model", ProviderOpenAI},
		{"", ProviderOpenAI},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := ClassifyModel(tt.model); got != tt.want {
				t.Errorf("ClassifyModel(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestProviderID_IsValid(t *testing.T) {
	for _, p := range []ProviderID{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderDeepSeek, ProviderQwen, ProviderMock} {
		if !p.IsValid() {
			t.Errorf("%v.IsValid() = false", p)
		}
	}
	if ProviderID("azure").IsValid() {
		t.Error(`ProviderID("azure").IsValid() = true`)
	}
}

func TestProviderID_UsesReasoningMarkers(t *testing.T) {
	if !ProviderQwen.UsesReasoningMarkers() {
		t.Error("qwen should use inline reasoning markers")
	}
	for _, p := range []ProviderID{ProviderAnthropic, ProviderOpenAI, ProviderDeepSeek} {
		if p.UsesReasoningMarkers() {
			t.Errorf("%v should not use inline reasoning markers", p)
		}
	}
}
