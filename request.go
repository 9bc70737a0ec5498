package chatstream

// StreamRequest contains the parameters for one streaming turn.
type StreamRequest struct {
	// Provider selects the backend adapter. Empty means infer from Model.
	Provider ProviderID

	// Model is the model identifier (e.g. "gpt-4o", "deepseek-reasoner")
	Model string

	// Messages is the ordered conversation history
	Messages []Message

	// Instructions is optional free-text folded into a system message.
	// Prepended exactly once; ignored when the history already opens with a
	// system message.
	Instructions string

	// Context carries thread/workspace identifiers and attached file
	// references consumed by tool executors
	Context *ContextData

	// Params contains generation parameters (temperature, max tokens, ...)
	Params *RequestParams

	// Tools is the tool definitions offered to the model. Stripped when the
	// resolved model does not support tools.
	Tools []Tool

	// ToolChoice controls whether/which tools may be used
	// ("auto", "none", or a specific tool selector)
	ToolChoice any

	// SessionID keys the session in the cancellation registry. Empty means a
	// generated id; retrieve it via Callbacks.OnConnection or StreamingState.
	SessionID string

	// MessageID identifies the assistant message being produced. Empty means
	// a generated id. The follow-up pass reuses it so the UI sees one
	// continuous answer.
	MessageID string

	// ThreadID is the owning conversation thread (optional)
	ThreadID string

	// Callbacks receive lifecycle events
	Callbacks Callbacks
}

// ContextData is the free-form context bag supplied by the caller.
type ContextData struct {
	ThreadID    string
	WorkspaceID string

	// AttachedFiles references files attached to this turn
	AttachedFiles []string

	// RecentImages lists image URLs referenced earlier in the turn (uploads,
	// vision attachments, freshly generated images). Image editing falls back
	// to these when the tool arguments carry no URLs.
	RecentImages []string
}

// RequestParams represents generation parameters.
// All fields are optional pointers to distinguish "not set" from "set to zero value".
type RequestParams struct {
	// MaxTokens sets the maximum number of tokens to generate
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-2.0)
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP (nucleus sampling) - cumulative probability cutoff (0.0-1.0)
	TopP *float64 `json:"top_p,omitempty"`

	// Stop sequences - generation stops if any of these are generated
	Stop []string `json:"stop,omitempty"`

	// Seed for deterministic sampling (if supported by provider)
	Seed *int `json:"seed,omitempty"`

	// FrequencyPenalty reduces repetition of token sequences (-2.0 to 2.0)
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`

	// PresencePenalty reduces repetition of topics (-2.0 to 2.0)
	PresencePenalty *float64 `json:"presence_penalty,omitempty"`
}

// GetMaxTokens returns MaxTokens or the given default when unset.
func (p *RequestParams) GetMaxTokens(def int) int {
	if p == nil || p.MaxTokens == nil {
		return def
	}
	return *p.MaxTokens
}

// Callbacks receive the discrete lifecycle events of one streaming turn.
// All fields are optional; nil callbacks are skipped. Callbacks are invoked
// from the session's driving goroutine, in chunk order.
type Callbacks struct {
	// OnConnection fires once when the transport stream is established,
	// with the session id usable for Abort.
	OnConnection func(sessionID string)

	// OnUpdate fires with the full accumulated visible content whenever a
	// chunk carried a non-empty content delta. Chunks carrying only reasoning
	// or tool-call data do not fire it.
	OnUpdate func(content string)

	// OnReasoningUpdate fires with the full accumulated reasoning content
	// whenever a chunk carried new reasoning text.
	OnReasoningUpdate func(reasoning string)

	// OnReasoningComplete fires once when the reasoning block closes, with the
	// accumulated reasoning text and the duration in whole seconds.
	OnReasoningComplete func(reasoning string, seconds int)

	// OnToolCall fires when a new tool call is first detected in the stream.
	OnToolCall func(call ToolCall)

	// OnToolCallComplete fires after each tool execution with its result
	// (error-shaped results included).
	OnToolCallComplete func(result ToolCallResult)

	// OnCanvasTrigger fires at most once per canvas tool-name combination.
	OnCanvasTrigger func(toolNames []string)

	// OnComplete fires exactly once per turn with the final visible content.
	// It does not fire for aborted sessions.
	OnComplete func(content string)

	// OnError fires when the turn fails (transport error, fatal processing
	// error). It does not fire for aborted sessions.
	OnError func(err error)
}
