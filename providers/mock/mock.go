// Package mock provides a mock streaming backend that speaks the chatstream
// wire envelope. Used for examples and development without requiring real API
// keys; text content is generated lorem ipsum.
package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"
	"github.com/google/uuid"
)

// Handler is an http.Handler implementing the streaming endpoint.
type Handler struct {
	words      int
	chunkDelay time.Duration
	reasoning  string
	toolName   string
	toolArgs   string

	generator *loremgen.Lorem
}

// Option configures the mock handler.
type Option func(*Handler)

// WithWordCount sets how many lorem words one response streams (default 30).
func WithWordCount(n int) Option {
	return func(h *Handler) { h.words = n }
}

// WithChunkDelay inserts a pause between chunks to simulate generation.
func WithChunkDelay(d time.Duration) Option {
	return func(h *Handler) { h.chunkDelay = d }
}

// WithReasoning streams the given text as reasoning_content before the answer.
func WithReasoning(text string) Option {
	return func(h *Handler) { h.reasoning = text }
}

// WithToolCall scripts a tool call: requests that allow tools receive the
// call (arguments split across fragments) ending in finish_reason tool_calls.
// Follow-up requests with tool_choice "none" stream text instead.
func WithToolCall(name, argsJSON string) Option {
	return func(h *Handler) {
		h.toolName = name
		h.toolArgs = argsJSON
	}
}

// NewHandler creates a mock streaming backend.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		words:     30,
		generator: loremgen.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Model      string `json:"model"`
		ToolChoice any    `json:"tool_choice"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		http.Error(w, `{"error":{"message":"invalid request"}}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	write := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
		if h.chunkDelay > 0 {
			time.Sleep(h.chunkDelay)
		}
	}

	write(envelope{Type: "connection", SessionID: uuid.NewString()})

	toolsAllowed := true
	if s, ok := req.ToolChoice.(string); ok && s == "none" {
		toolsAllowed = false
	}

	if h.toolName != "" && toolsAllowed {
		h.streamToolCall(write)
	} else {
		h.streamText(write)
	}

	write(envelope{Type: "complete"})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// streamText emits optional reasoning chunks followed by lorem content,
// one word per chunk, ending with finish_reason stop.
func (h *Handler) streamText(write func(any)) {
	if h.reasoning != "" {
		for _, word := range strings.Fields(h.reasoning) {
			write(chunkEnvelope(deltaPayload{ReasoningContent: strPtr(word + " ")}, nil))
		}
	}

	words := strings.Fields(h.generator.Sentence(h.words, h.words))
	for i, word := range words {
		text := word
		if i < len(words)-1 {
			text += " "
		}
		write(chunkEnvelope(deltaPayload{Content: &text}, nil))
	}

	write(chunkEnvelope(deltaPayload{}, strPtr("stop")))
}

// streamToolCall emits the scripted tool call with its argument string split
// across two fragments (the second carrying the cumulative arguments, as the
// real backend does), ending with finish_reason tool_calls.
func (h *Handler) streamToolCall(write func(any)) {
	callID := "call_" + uuid.NewString()

	half := len(h.toolArgs) / 2
	write(chunkEnvelope(deltaPayload{ToolCalls: []toolCallFragment{{
		ID:       callID,
		Type:     "function",
		Function: functionFragment{Name: h.toolName, Arguments: h.toolArgs[:half]},
	}}}, nil))

	write(chunkEnvelope(deltaPayload{ToolCalls: []toolCallFragment{{
		ID:       callID,
		Function: functionFragment{Arguments: h.toolArgs},
	}}}, nil))

	write(chunkEnvelope(deltaPayload{}, strPtr("tool_calls")))
}

// wire shapes (kept local; the mock is a backend, not a library consumer)

type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Chunk     any    `json:"chunk,omitempty"`
	Error     string `json:"error,omitempty"`
}

type deltaPayload struct {
	Content          *string            `json:"content,omitempty"`
	ReasoningContent *string            `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCallFragment `json:"tool_calls,omitempty"`
}

type toolCallFragment struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function functionFragment `json:"function"`
}

type functionFragment struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func chunkEnvelope(delta deltaPayload, finishReason *string) envelope {
	return envelope{
		Type: "chunk",
		Chunk: map[string]any{
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			}},
		},
	}
}

func strPtr(s string) *string { return &s }
