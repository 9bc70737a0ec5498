package chatstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures a streaming client.
type Config struct {
	// BaseURL is the streaming backend root (e.g. "https://api.example.com")
	BaseURL string

	// APIKey authenticates against the backend (sent as a bearer token)
	APIKey string

	// HTTPClient overrides the default HTTP client
	HTTPClient *http.Client

	// Logger receives structured diagnostics; nil means no logging
	Logger *zap.Logger

	// Tools overrides the default tool registry. When nil, a registry with
	// the built-in executors bound to BaseURL/APIKey is created.
	Tools *ToolRegistry
}

// Client drives streaming turns against the backend. Safe for concurrent use;
// each turn owns its own state.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	tools    *ToolRegistry
	sessions *SessionRegistry
	memo     *TriggerMemo
	now      func() time.Time
}

// NewClient creates a streaming client.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tools := cfg.Tools
	if tools == nil {
		tools = NewToolRegistry()
		RegisterBuiltinTools(tools, BackendConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			HTTPClient: cfg.HTTPClient,
		})
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		tools:    tools,
		sessions: NewSessionRegistry(),
		memo:     NewTriggerMemo(DefaultTriggerMemoCapacity),
		now:      time.Now,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.cfg.HTTPClient != nil {
		return c.cfg.HTTPClient
	}
	return http.DefaultClient
}

// Tools returns the client's tool registry for custom registrations.
func (c *Client) Tools() *ToolRegistry {
	return c.tools
}

// Abort cancels an in-flight session. Aborting twice, or aborting an already
// finished session, is a no-op.
func (c *Client) Abort(sessionID string) {
	c.sessions.Abort(sessionID)
}

// ActiveSessions returns the ids of sessions currently in flight.
func (c *Client) ActiveSessions() []string {
	return c.sessions.Active()
}

// SessionRegistry tracks in-flight streaming sessions by id so any one can be
// aborted. Abort is idempotent.
type SessionRegistry struct {
	mu      sync.RWMutex
	cancels map[string]context.CancelFunc
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{cancels: make(map[string]context.CancelFunc)}
}

// Register stores the abort handle for a session.
func (r *SessionRegistry) Register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

// Abort signals the session's abort handle if the session is still in flight.
func (r *SessionRegistry) Abort(id string) {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	delete(r.cancels, id)
	r.mu.Unlock()

	if ok {
		cancel()
	}
}

// Remove drops the session without signalling it.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// Active returns the ids of registered sessions.
func (r *SessionRegistry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.cancels))
	for id := range r.cancels {
		ids = append(ids, id)
	}
	return ids
}

// StreamingState is the session-scoped state of one in-flight model turn.
// Owned exclusively by the session controller; mutated only in response to
// processed deltas, in chunk order.
type StreamingState struct {
	SessionID string
	MessageID string
	ThreadID  string

	// Content is the accumulated visible text, append-only within one pass
	Content string

	Reasoning        ReasoningState
	PendingToolCalls []ToolCall

	HasDetectedToolCall       bool
	BufferingForToolCall      bool
	ToolCallsFullyAccumulated bool

	// Completed latches true exactly once per pass; no further mutation of
	// Content or PendingToolCalls after that
	Completed bool

	Err error

	Metadata map[string]any
}

// newStreamingState creates the fresh state a pass starts from.
func newStreamingState(sessionID, messageID, threadID string) *StreamingState {
	return &StreamingState{
		SessionID: sessionID,
		MessageID: messageID,
		ThreadID:  threadID,
		Metadata:  make(map[string]any),
	}
}

// StreamTurn runs one streaming turn: opens the stream, processes every chunk
// in order, executes any finalized tool calls sequentially, and when tools ran,
// drives a follow-up streaming pass that feeds the results back to the model
// for the user-visible final answer.
//
// The returned state is the final pass's state. Cancellation via Abort (or the
// caller's ctx) yields ErrStreamAborted with no completion callback.
func (c *Client) StreamTurn(ctx context.Context, req *StreamRequest) (*StreamingState, error) {
	if req == nil || req.Model == "" {
		return nil, &ValidationError{Field: "model", Reason: "model is required", Err: ErrInvalidModel}
	}
	if len(req.Messages) == 0 {
		return nil, &ValidationError{Field: "messages", Reason: "at least one message is required", Err: ErrInvalidRequest}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	provider := req.Provider
	if provider == "" {
		provider = ClassifyModel(req.Model)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.sessions.Register(sessionID, cancel)
	defer func() {
		cancel()
		c.sessions.Remove(sessionID)
	}()

	messages := buildTurnMessages(req)

	// Capability gate: tools are only sent upstream when the model supports
	// them; the requested token budget is clamped to the model's ceiling.
	caps := GetCapabilityRegistry()
	tools := req.Tools
	if len(tools) > 0 && !caps.SupportsTools(provider, req.Model) {
		c.logger.Debug("model does not support tools, stripping tool definitions",
			zap.String("model", req.Model), zap.String("provider", provider.String()))
		tools = nil
	}

	body := c.buildChatRequest(req, provider, messages, tools, req.ToolChoice, messageID)

	state, err := c.runPass(ctx, req, provider, body, sessionID, messageID)
	if err != nil {
		return state, err
	}

	if len(state.PendingToolCalls) == 0 {
		return state, nil
	}

	// TOOL_EXECUTING: sequential on purpose; later tools may depend on
	// earlier ones' side effects (a generated image edited right after).
	results, err := c.executeToolCalls(ctx, req, state)
	if err != nil {
		return state, err
	}

	// FOLLOWUP_STREAMING: feed the tool results back with tools disabled so
	// the model produces the final answer without recursing into more calls.
	followupMessages := buildFollowupMessages(messages, state.PendingToolCalls, results)
	followupBody := c.buildChatRequest(req, provider, followupMessages, nil, "none", messageID)

	finalState, err := c.runPass(ctx, req, provider, followupBody, sessionID, messageID)
	if err != nil {
		return finalState, err
	}
	finalState.Metadata["tool_results"] = results
	return finalState, nil
}

// buildTurnMessages assembles the final message array, prepending the
// instructions as a system message exactly once.
func buildTurnMessages(req *StreamRequest) []Message {
	messages := req.Messages
	if req.Instructions == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		return messages
	}

	out := make([]Message, 0, len(messages)+1)
	out = append(out, NewTextMessage(RoleSystem, req.Instructions))
	out = append(out, messages...)
	return out
}

func (c *Client) buildChatRequest(req *StreamRequest, provider ProviderID, messages []Message, tools []Tool, toolChoice any, messageID string) *chatRequest {
	body := &chatRequest{
		Model:      req.Model,
		Provider:   provider.String(),
		Messages:   messages,
		Stream:     true,
		Tools:      tools,
		ToolChoice: toolChoice,
		ThreadID:   req.ThreadID,
		MessageID:  messageID,
	}
	if tools == nil {
		// never send a tool choice without tool definitions
		if s, ok := toolChoice.(string); !ok || s != "none" {
			body.ToolChoice = nil
		}
	}

	if p := req.Params; p != nil {
		maxTokens := p.MaxTokens
		if maxTokens != nil {
			ceiling := GetCapabilityRegistry().MaxOutputTokens(provider, req.Model, *maxTokens)
			if *maxTokens > ceiling {
				clamped := ceiling
				maxTokens = &clamped
			}
		}
		body.MaxTokens = maxTokens
		body.Temperature = p.Temperature
		body.TopP = p.TopP
		body.Stop = p.Stop
		body.Seed = p.Seed
		body.FrequencyPenalty = p.FrequencyPenalty
		body.PresencePenalty = p.PresencePenalty
	}

	return body
}

// runPass drives one streaming pass: open the transport, process chunks in
// order, finalize. Fires OnComplete exactly once when the pass ends with no
// pending tool calls; passes with tool calls leave completion to the caller's
// follow-up pass.
func (c *Client) runPass(ctx context.Context, req *StreamRequest, provider ProviderID, body *chatRequest, sessionID, messageID string) (*StreamingState, error) {
	state := newStreamingState(sessionID, messageID, req.ThreadID)
	cb := req.Callbacks

	envelopes, err := c.openStream(ctx, body)
	if err != nil {
		state.Err = err
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return state, err
	}

	seenCalls := make(map[string]struct{})

loop:
	for env := range envelopes {
		// cooperative cancellation: checked at the top of every iteration
		if ctx.Err() != nil {
			state.Err = ErrStreamAborted
			return state, ErrStreamAborted
		}

		switch env.Type {
		case EnvelopeConnection:
			if env.SessionID != "" {
				state.Metadata["backend_session_id"] = env.SessionID
			}
			if cb.OnConnection != nil {
				cb.OnConnection(sessionID)
			}

		case EnvelopeChunk:
			res := ProcessStreamDelta(ProcessInput{
				Delta:                     env.Chunk,
				Provider:                  provider,
				Model:                     req.Model,
				MessageID:                 messageID,
				Reasoning:                 state.Reasoning,
				PendingToolCalls:          state.PendingToolCalls,
				BufferingForToolCall:      state.BufferingForToolCall,
				HasDetectedToolCall:       state.HasDetectedToolCall,
				ToolCallsFullyAccumulated: state.ToolCallsFullyAccumulated,
				ToolChoice:                body.ToolChoice,
				Memo:                      c.memo,
				Now:                       c.now,
				Logger:                    c.logger,
			})
			c.applyResult(state, res, cb, seenCalls)

			if res.StreamCompleted {
				break loop
			}
			if state.ToolCallsFullyAccumulated && len(state.PendingToolCalls) > 0 {
				break loop
			}

		case EnvelopeComplete:
			break loop

		case EnvelopeError:
			err := &TransportError{Message: env.Error}
			state.Err = err
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return state, err
		}
	}

	if ctx.Err() != nil {
		state.Err = ErrStreamAborted
		return state, ErrStreamAborted
	}

	c.finalizePass(state, cb)
	return state, nil
}

// applyResult folds one processing result into the pass state and maps it to
// callback invocations.
func (c *Client) applyResult(state *StreamingState, res DeltaProcessingResult, cb Callbacks, seenCalls map[string]struct{}) {
	if state.Completed {
		return
	}

	state.Reasoning = res.Reasoning
	state.PendingToolCalls = res.ToolCalls
	state.HasDetectedToolCall = res.HasDetectedToolCall
	state.BufferingForToolCall = res.BufferingForToolCall
	state.ToolCallsFullyAccumulated = res.ToolCallsFullyAccumulated
	if res.FinishReason != "" {
		state.Metadata["finish_reason"] = res.FinishReason
	}
	if res.HasCodeInterpreterUpdates {
		state.Metadata["has_code_interpreter_updates"] = true
	}

	// content updates fire only on new non-empty content, never on
	// reasoning-only or tool-call-only chunks
	if res.ContentDelta != "" {
		state.Content += res.ContentDelta
		if cb.OnUpdate != nil {
			cb.OnUpdate(state.Content)
		}
	}

	if res.ReasoningDelta != "" && cb.OnReasoningUpdate != nil {
		cb.OnReasoningUpdate(state.Reasoning.ReasoningContent)
	}
	if res.ReasoningClosed && cb.OnReasoningComplete != nil {
		seconds := 0
		if state.Reasoning.ReasoningDuration != nil {
			seconds = *state.Reasoning.ReasoningDuration
		}
		cb.OnReasoningComplete(state.Reasoning.ReasoningContent, seconds)
	}

	if cb.OnToolCall != nil {
		for _, call := range state.PendingToolCalls {
			if _, ok := seenCalls[call.ID]; ok {
				continue
			}
			seenCalls[call.ID] = struct{}{}
			cb.OnToolCall(call)
		}
	} else {
		for _, call := range state.PendingToolCalls {
			seenCalls[call.ID] = struct{}{}
		}
	}

	if len(res.CanvasTriggered) > 0 && cb.OnCanvasTrigger != nil {
		cb.OnCanvasTrigger(res.CanvasTriggered)
	}
}

// finalizePass freezes the pass. Guarded by the Completed latch so that
// multiple completion signals (explicit complete envelope, finish_reason,
// natural end-of-stream) cannot fire OnComplete twice.
func (c *Client) finalizePass(state *StreamingState, cb Callbacks) {
	if state.Completed {
		return
	}
	state.Completed = true

	state.PendingToolCalls = FinalizeToolCalls(state.PendingToolCalls, c.logger)

	if len(state.PendingToolCalls) == 0 && cb.OnComplete != nil {
		cb.OnComplete(state.Content)
	}
}

// executeToolCalls runs every finalized tool call sequentially. Each failure
// is captured per call; one failing tool never blocks the others or the
// follow-up pass.
func (c *Client) executeToolCalls(ctx context.Context, req *StreamRequest, state *StreamingState) ([]ToolCallResult, error) {
	tcx := &ToolContext{
		ThreadID: req.ThreadID,
		Logger:   c.logger,
	}
	if req.Context != nil {
		if tcx.ThreadID == "" {
			tcx.ThreadID = req.Context.ThreadID
		}
		tcx.WorkspaceID = req.Context.WorkspaceID
		tcx.RecentImages = append(tcx.RecentImages, req.Context.RecentImages...)
	}

	results := make([]ToolCallResult, 0, len(state.PendingToolCalls))
	for _, call := range state.PendingToolCalls {
		if ctx.Err() != nil {
			state.Err = ErrStreamAborted
			return results, ErrStreamAborted
		}

		res := c.tools.Execute(ctx, call, tcx)
		if res.Err != nil {
			c.logger.Warn("tool execution failed",
				zap.String("tool_name", res.ToolName),
				zap.String("tool_call_id", res.ToolCallID),
				zap.Error(res.Err))
		}

		// a freshly generated image becomes editable by subsequent calls
		if res.Err == nil && res.ToolName == ToolNameGenerateImage {
			if m, ok := res.Result.(map[string]any); ok {
				if url, ok := m["url"].(string); ok && url != "" {
					tcx.RecentImages = append(tcx.RecentImages, url)
				}
			}
		}

		results = append(results, res)
		if req.Callbacks.OnToolCallComplete != nil {
			req.Callbacks.OnToolCallComplete(res)
		}
	}

	return results, nil
}

// buildFollowupMessages appends the synthetic assistant turn carrying the
// finalized tool calls plus one tool-result message per executed call.
// The assistant content is a placeholder; the actual assistant text for this
// turn comes from the follow-up stream.
func buildFollowupMessages(history []Message, calls []ToolCall, results []ToolCallResult) []Message {
	out := make([]Message, 0, len(history)+1+len(results))
	out = append(out, history...)
	out = append(out, Message{
		Role:      RoleAssistant,
		Content:   " ",
		ToolCalls: calls,
	})
	for _, res := range results {
		out = append(out, res.Message())
	}
	return out
}
