package chatstream

import (
	"encoding/json"
	"testing"
	"time"
)

func processChunks(t *testing.T, provider ProviderID, raws []string) (string, DeltaProcessingResult) {
	t.Helper()

	var content string
	var res DeltaProcessingResult
	state := ReasoningState{}
	var calls []ToolCall
	var detected, buffering, accumulated bool

	for _, raw := range raws {
		res = ProcessStreamDelta(ProcessInput{
			Delta:                     decodeDelta(t, raw),
			Provider:                  provider,
			Model:                     "gpt-4o",
			MessageID:                 "msg-test",
			Reasoning:                 state,
			PendingToolCalls:          calls,
			BufferingForToolCall:      buffering,
			HasDetectedToolCall:       detected,
			ToolCallsFullyAccumulated: accumulated,
			Memo:                      NewTriggerMemo(8),
			Now:                       func() time.Time { return time.Unix(1700000000, 0) },
		})
		content += res.ContentDelta
		state = res.Reasoning
		calls = res.ToolCalls
		detected = res.HasDetectedToolCall
		buffering = res.BufferingForToolCall
		accumulated = res.ToolCallsFullyAccumulated
	}

	return content, res
}

func TestProcessStreamDelta_OrderPreservation(t *testing.T) {
	content, res := processChunks(t, ProviderOpenAI, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})

	if content != "Hello" {
		t.Errorf("content = %q, want Hello (in-order concatenation, no drops, no duplication)", content)
	}
	if !res.StreamCompleted {
		t.Error("finish_reason must mark the stream completed")
	}
	if res.FinishReason != "stop" {
		t.Errorf("finish reason = %q", res.FinishReason)
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(res.ToolCalls))
	}
}

func TestProcessStreamDelta_ToolCallAcrossChunks(t *testing.T) {
	_, res := processChunks(t, ProviderOpenAI, []string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"c1","type":"function","function":{"name":"web_search","arguments":"{\"qu"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"id":"c1","function":{"arguments":"{\"query\":\"cats\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})

	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(res.ToolCalls))
	}
	call := res.ToolCalls[0]
	if call.ID != "c1" {
		t.Errorf("id = %q", call.ID)
	}
	if call.Function.Arguments != `{"query":"cats"}` {
		t.Errorf("arguments = %q", call.Function.Arguments)
	}
	if !res.ToolCallsFullyAccumulated {
		t.Error("finish_reason tool_calls must set full accumulation")
	}
	if res.BufferingForToolCall {
		t.Error("buffering must clear once accumulation is done")
	}
	if !res.HasDetectedToolCall {
		t.Error("detection flag lost")
	}
}

func TestProcessStreamDelta_BufferingWhileAccumulating(t *testing.T) {
	_, res := processChunks(t, ProviderOpenAI, []string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"c1","function":{"name":"web_search","arguments":"{"}}]}}]}`,
	})

	if !res.BufferingForToolCall {
		t.Error("buffering must be set while a tool call is still streaming")
	}
	if res.StreamCompleted {
		t.Error("no finish_reason yet")
	}
}

func TestProcessStreamDelta_TerminalChunkInlineToolCalls(t *testing.T) {
	// provider sends the complete tool call only in the terminal chunk
	_, res := processChunks(t, ProviderOpenAI, []string{
		`{"choices":[{"delta":{"content":""},"finish_reason":"tool_calls","message":{"tool_calls":[{"id":"c9","type":"function","function":{"name":"web_search","arguments":"{\"query\":\"dogs\"}"}}]}}]}`,
	})

	if len(res.ToolCalls) != 1 {
		t.Fatalf("inline terminal tool call not folded in: %d", len(res.ToolCalls))
	}
	if res.ToolCalls[0].ID != "c9" {
		t.Errorf("id = %q", res.ToolCalls[0].ID)
	}
	if !res.ToolCallsFullyAccumulated {
		t.Error("full accumulation must be set")
	}
}

func TestProcessStreamDelta_ReasoningFlow(t *testing.T) {
	content, res := processChunks(t, ProviderDeepSeek, []string{
		`{"choices":[{"delta":{"reasoning_content":"hmm "}}]}`,
		`{"choices":[{"delta":{"reasoning_content":"ok"}}]}`,
		`{"choices":[{"delta":{"content":"Answer"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})

	if content != "Answer" {
		t.Errorf("content = %q", content)
	}
	if res.Reasoning.ReasoningContent != "hmm ok" {
		t.Errorf("reasoning = %q", res.Reasoning.ReasoningContent)
	}
	if res.Reasoning.InReasoningBlock {
		t.Error("reasoning should be closed")
	}
	if res.Reasoning.ReasoningDuration == nil {
		t.Error("duration should be set")
	}
}

func TestProcessStreamDelta_MetadataForcesReasoningClose(t *testing.T) {
	_, res := processChunks(t, ProviderDeepSeek, []string{
		`{"choices":[{"delta":{"reasoning_content":"thinking"}}]}`,
		`{"choices":[{"delta":{"metadata":{"reasoning_complete":true}}}]}`,
	})

	if res.Reasoning.InReasoningBlock {
		t.Error("metadata must force-close the reasoning block")
	}
	if !res.ReasoningClosed {
		t.Error("closure must be reported on the closing chunk")
	}
}

func TestProcessStreamDelta_CodeInterpreterGuard(t *testing.T) {
	tests := []struct {
		name string
		args string
		want bool
	}{
		{name: "empty object", args: `{}`, want: false},
		{name: "empty code", args: `{"code":""}`, want: false},
		{name: "whitespace code", args: `{"code":"  "}`, want: false},
		{name: "real code", args: `{"code":"print(1)"}`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{
					"delta": map[string]any{
						"tool_calls": []map[string]any{{
							"id":       "c1",
							"function": map[string]any{"name": "code_interpreter", "arguments": tt.args},
						}},
					},
				}},
			})
			_, res := processChunks(t, ProviderOpenAI, []string{string(raw)})
			if res.HasCodeInterpreterUpdates != tt.want {
				t.Errorf("HasCodeInterpreterUpdates = %v, want %v", res.HasCodeInterpreterUpdates, tt.want)
			}
		})
	}
}

func TestProcessStreamDelta_NilDelta(t *testing.T) {
	res := ProcessStreamDelta(ProcessInput{Provider: ProviderOpenAI})
	if res.StreamCompleted || res.ContentDelta != "" || len(res.ToolCalls) != 0 {
		t.Errorf("nil delta must be a no-op, got %+v", res)
	}
}

func TestProcessStreamDelta_ToolChoiceNoneIgnoresFragments(t *testing.T) {
	delta := decodeDelta(t, `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_x","type":"function","function":{"name":"web_search","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`)

	res := ProcessStreamDelta(ProcessInput{
		Delta:      delta,
		Provider:   ProviderOpenAI,
		Model:      "gpt-4o",
		MessageID:  "msg-followup",
		ToolChoice: "none",
		Memo:       NewTriggerMemo(8),
		Now:        func() time.Time { return time.Unix(1700000000, 0) },
	})

	if res.HasDetectedToolCall || len(res.ToolCalls) != 0 {
		t.Errorf("tool calls accumulated despite disabled tools: %+v", res.ToolCalls)
	}
	if res.ToolCallsFullyAccumulated || res.BufferingForToolCall {
		t.Error("tool-call flags set despite disabled tools")
	}
	if !res.StreamCompleted {
		t.Error("finish_reason must still complete the stream")
	}
}
