package chatstream

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ProcessInput carries the per-chunk inputs of the stream delta processor:
// the chunk itself plus the session state accumulated so far. The processor
// never mutates the input slices/state; the result carries the updated values.
type ProcessInput struct {
	Delta     *ProviderDelta
	Provider  ProviderID
	Model     string
	MessageID string

	Reasoning                 ReasoningState
	PendingToolCalls          []ToolCall
	BufferingForToolCall      bool
	HasDetectedToolCall       bool
	ToolCallsFullyAccumulated bool

	ToolChoice any

	// Memo is the shared canvas-trigger de-dup memo (may be nil)
	Memo *TriggerMemo

	// Now overrides the clock for tests (nil means time.Now)
	Now func() time.Time

	Logger *zap.Logger
}

// DeltaProcessingResult describes everything that changed while processing
// one chunk. The session controller folds it into the streaming state and
// maps it to callback invocations.
type DeltaProcessingResult struct {
	// ContentDelta is the new visible text from this chunk ("" if none)
	ContentDelta string

	// ReasoningDelta is the new reasoning text from this chunk ("" if none)
	ReasoningDelta string

	// Reasoning is the updated reasoning state
	Reasoning ReasoningState

	// ReasoningClosed is true when this chunk closed the reasoning block
	ReasoningClosed bool

	// ToolCalls is the updated accumulated tool-call list
	ToolCalls []ToolCall

	HasDetectedToolCall       bool
	BufferingForToolCall      bool
	ToolCallsFullyAccumulated bool

	// StreamCompleted is true when the chunk carried any finish_reason
	StreamCompleted bool

	// FinishReason is choice 0's finish_reason ("" if absent)
	FinishReason string

	// CanvasTriggered carries the canvas tool names when this chunk fired the
	// one-shot canvas notification (nil otherwise)
	CanvasTriggered []string

	// HasCodeInterpreterUpdates is true when a code_interpreter call's
	// arguments contain non-trivial code
	HasCodeInterpreterUpdates bool
}

// ProcessStreamDelta orchestrates extraction, tool-call accumulation, and
// reasoning tracking for one incoming chunk.
//
// Sequencing: content/reasoning extraction, reasoning metadata extraction,
// tool-call accumulation (before reasoning processing, since tool-call
// presence drives the buffering flags), reasoning tracking, metadata-driven
// force-close, then finish_reason inspection.
func ProcessStreamDelta(in ProcessInput) DeltaProcessingResult {
	res := DeltaProcessingResult{
		Reasoning:                 in.Reasoning,
		ToolCalls:                 in.PendingToolCalls,
		HasDetectedToolCall:       in.HasDetectedToolCall,
		BufferingForToolCall:      in.BufferingForToolCall,
		ToolCallsFullyAccumulated: in.ToolCallsFullyAccumulated,
	}

	if in.Delta == nil {
		return res
	}

	// 1. extract raw text/reasoning fragments
	content, reasoningDelta := ExtractDeltaContent(in.Delta)

	// 2. out-of-band reasoning signals
	meta := ExtractReasoningMetadata(in.Delta)

	// 3. tool-call accumulation. Fragments are ignored entirely when tool
	// choice is "none" (the follow-up pass): a backend that calls tools anyway
	// must not trigger another execution round.
	toolsDisabled := false
	if s, ok := in.ToolChoice.(string); ok && s == "none" {
		toolsDisabled = true
	}

	if frags := in.Delta.toolCallFragments(); len(frags) > 0 && !toolsDisabled {
		res.ToolCalls = AccumulateToolCalls(res.ToolCalls, frags, in.Provider)
		res.HasDetectedToolCall = true
		res.CanvasTriggered = DetectCanvasTrigger(res.ToolCalls, in.MessageID, in.Memo)
	}

	// 4. reasoning tracking; marker-based providers may reroute part of the
	// content into the reasoning text
	wasOpen := res.Reasoning.InReasoningBlock
	priorReasoningLen := len(res.Reasoning.ReasoningContent)
	res.Reasoning, content = ProcessReasoning(content, reasoningDelta, in.Provider, res.Reasoning, in.Now)

	// 5. explicit completion/transition signal force-closes the block
	if meta.ClosesReasoning() {
		res.Reasoning = ForceCloseReasoning(res.Reasoning, in.Now)
	}

	res.ContentDelta = content
	if len(res.Reasoning.ReasoningContent) > priorReasoningLen {
		res.ReasoningDelta = res.Reasoning.ReasoningContent[priorReasoningLen:]
	}
	res.ReasoningClosed = wasOpen && !res.Reasoning.InReasoningBlock && res.Reasoning.Closed()

	// 6. finish_reason
	finish := in.Delta.finishReason()
	if finish != "" {
		res.StreamCompleted = true
		res.FinishReason = finish
	}
	if finish == "tool_calls" && !toolsDisabled {
		res.ToolCallsFullyAccumulated = true

		// Some providers send the complete tool call only in the terminal
		// chunk, outside the delta. Fold it in now if accumulation saw nothing.
		if len(res.ToolCalls) == 0 {
			if frags := extractInlineToolCalls(in.Delta); len(frags) > 0 {
				res.ToolCalls = AccumulateToolCalls(res.ToolCalls, frags, in.Provider)
				res.HasDetectedToolCall = true
				res.CanvasTriggered = DetectCanvasTrigger(res.ToolCalls, in.MessageID, in.Memo)
			}
		}
	}

	res.BufferingForToolCall = res.HasDetectedToolCall && !res.ToolCallsFullyAccumulated
	res.HasCodeInterpreterUpdates = hasCodeInterpreterUpdates(res.ToolCalls)

	return res
}

// extractInlineToolCalls probes the raw chunk for complete tool calls carried
// outside the delta (terminal-chunk message.tool_calls or a bare top-level
// tool_calls array).
func extractInlineToolCalls(d *ProviderDelta) []ToolCallFragment {
	if d == nil || len(d.Raw) == 0 {
		return nil
	}

	for _, path := range []string{"choices.0.message.tool_calls", "tool_calls"} {
		arr := gjson.GetBytes(d.Raw, path)
		if !arr.IsArray() {
			continue
		}

		var frags []ToolCallFragment
		arr.ForEach(func(_, v gjson.Result) bool {
			frags = append(frags, ToolCallFragment{
				ID:   v.Get("id").String(),
				Type: v.Get("type").String(),
				Function: FunctionFragment{
					Name:      v.Get("function.name").String(),
					Arguments: v.Get("function.arguments").String(),
				},
			})
			return true
		})
		if len(frags) > 0 {
			return frags
		}
	}

	return nil
}

// hasCodeInterpreterUpdates reports whether a code_interpreter call carries
// non-trivial code. Placeholder states while the argument JSON is still
// mid-stream ({}, {"code":""}) do not count.
func hasCodeInterpreterUpdates(calls []ToolCall) bool {
	for i := range calls {
		if calls[i].Function.Name != "code_interpreter" {
			continue
		}
		code := gjson.Get(calls[i].Function.Arguments, "code")
		if code.Exists() && strings.TrimSpace(code.String()) != "" {
			return true
		}
	}
	return false
}
