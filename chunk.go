package chatstream

import "encoding/json"

// Envelope types emitted by the streaming backend.
// Each SSE data line carries one envelope (or the [DONE] sentinel).
const (
	EnvelopeConnection = "connection" // stream established, carries the backend session id
	EnvelopeChunk      = "chunk"      // one provider delta
	EnvelopeComplete   = "complete"   // backend-side completion signal
	EnvelopeError      = "error"      // backend-side failure, fatal to the pass
)

// StreamEnvelope is the wire unit of the streaming backend.
// Ephemeral; consumed immediately and not retained after processing.
type StreamEnvelope struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Chunk     *ProviderDelta `json:"chunk,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ProviderDelta is one OpenAI-style streaming chunk, augmented with the
// reasoning_content field and free-form metadata some providers attach.
//
// Raw preserves the undecoded bytes so the extractor can probe legacy wire
// paths (delta.text, bare top-level content) that the typed shape drops.
type ProviderDelta struct {
	ID      string        `json:"id,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []DeltaChoice `json:"choices"`

	// Raw is the original JSON of this chunk, captured at decode time.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the typed shape and keeps the raw bytes alongside it.
func (d *ProviderDelta) UnmarshalJSON(data []byte) error {
	type alias ProviderDelta
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = ProviderDelta(a)
	d.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// DeltaChoice is one choice in a streaming chunk. Only index 0 is consumed.
type DeltaChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental updates of one chunk.
type Delta struct {
	Role             *string            `json:"role,omitempty"`
	Content          *string            `json:"content,omitempty"`
	ReasoningContent *string            `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallFragment `json:"tool_calls,omitempty"`
	Metadata         json.RawMessage    `json:"metadata,omitempty"`
}

// ToolCallFragment is a partial tool call as emitted by the provider.
// Arguments arrive as the cumulative-so-far string per fragment (replace
// semantics), not as incremental diffs.
type ToolCallFragment struct {
	Index       *int             `json:"index,omitempty"`
	ID          string           `json:"id,omitempty"`
	Type        string           `json:"type,omitempty"`
	Function    FunctionFragment `json:"function"`
	IsStreaming *bool            `json:"is_streaming,omitempty"`
}

// FunctionFragment is the partial function payload of a tool-call fragment.
type FunctionFragment struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// finishReason returns the finish_reason of choice 0, or "" if absent.
func (d *ProviderDelta) finishReason() string {
	if d == nil || len(d.Choices) == 0 || d.Choices[0].FinishReason == nil {
		return ""
	}
	return *d.Choices[0].FinishReason
}

// toolCallFragments returns the tool-call fragments of choice 0.
func (d *ProviderDelta) toolCallFragments() []ToolCallFragment {
	if d == nil || len(d.Choices) == 0 {
		return nil
	}
	return d.Choices[0].Delta.ToolCalls
}
