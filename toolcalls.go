package chatstream

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ToolCall is the accumulated, stable form of a tool invocation.
// Created on first sighting of an id and mutated in place as fragments arrive;
// frozen at finalization (IsStreaming=false, arguments cleaned and validated).
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`

	// IsStreaming is true while argument fragments are still arriving
	IsStreaming bool `json:"-"`

	// Result holds the executor output once the call has been run
	Result any `json:"-"`
}

// FunctionCall is the function payload of an accumulated tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// synthesizeCallID mints a unique id for fragments that arrive without one,
// or whose provider-given id collides with an unrelated call.
func synthesizeCallID() string {
	return "call_" + uuid.NewString()
}

// AccumulateToolCalls merges fragmentary tool-call pieces into the existing
// set of accumulated calls, returning the updated slice.
//
// Fragments carry cumulative-so-far argument strings, so a non-empty incoming
// argument string replaces the stored one verbatim; it is never concatenated.
// Names and types are only ever upgraded from empty, never erased.
//
// Fragments without an id are merged into the most recent still-streaming call
// when one exists, otherwise a fresh id is synthesized immediately so every
// call is keyed by a stable id. Some providers emit colliding ids across
// unrelated calls; a fragment whose id matches an existing call with a
// different, already-known function name gets a fresh id instead of merging.
func AccumulateToolCalls(existing []ToolCall, incoming []ToolCallFragment, provider ProviderID) []ToolCall {
	out := existing

	for _, frag := range incoming {
		idx := -1

		if frag.ID != "" {
			for i := range out {
				if out[i].ID != frag.ID {
					continue
				}
				if frag.Function.Name != "" && out[i].Function.Name != "" && out[i].Function.Name != frag.Function.Name {
					// colliding id on an unrelated call
					continue
				}
				idx = i
				break
			}
		} else {
			// id-less continuation fragment: attach to the latest open call
			for i := len(out) - 1; i >= 0; i-- {
				if out[i].IsStreaming {
					idx = i
					break
				}
			}
		}

		if idx == -1 {
			id := frag.ID
			if id == "" || callIDTaken(out, id) {
				id = synthesizeCallID()
			}
			call := ToolCall{
				ID:          id,
				Type:        "function",
				IsStreaming: true,
			}
			applyFragment(&call, frag)
			out = append(out, call)
			continue
		}

		applyFragment(&out[idx], frag)
	}

	return out
}

func callIDTaken(calls []ToolCall, id string) bool {
	for i := range calls {
		if calls[i].ID == id {
			return true
		}
	}
	return false
}

func applyFragment(call *ToolCall, frag ToolCallFragment) {
	if frag.Type != "" {
		call.Type = frag.Type
	}
	if frag.Function.Name != "" {
		call.Function.Name = frag.Function.Name
	}
	if frag.Function.Arguments != "" {
		call.Function.Arguments = frag.Function.Arguments
	}
	if frag.IsStreaming != nil {
		call.IsStreaming = *frag.IsStreaming
	}
}

// FinalizeToolCalls freezes the accumulated calls: IsStreaming is cleared and
// each argument string is cleaned (trailing commas and surrounding whitespace
// stripped) and validated as parseable JSON. Invalid JSON is left as-is with a
// logged warning rather than silently corrected; the executor will fail fast
// on it and the failure becomes a per-tool error result.
//
// Finalization is idempotent: a second pass over already-finalized calls is a
// no-op change.
func FinalizeToolCalls(calls []ToolCall, logger *zap.Logger) []ToolCall {
	for i := range calls {
		calls[i].IsStreaming = false

		args := cleanArgumentJSON(calls[i].Function.Arguments)
		if args == "" {
			calls[i].Function.Arguments = "{}"
			continue
		}
		if !gjson.Valid(args) {
			if logger != nil {
				logger.Warn("tool call arguments are not valid JSON after cleanup",
					zap.String("tool_call_id", calls[i].ID),
					zap.String("tool_name", calls[i].Function.Name),
					zap.String("arguments", calls[i].Function.Arguments))
			}
			continue
		}
		calls[i].Function.Arguments = args
	}
	return calls
}

// cleanArgumentJSON strips surrounding whitespace and trailing commas before
// closing braces/brackets. String contents are left untouched.
func cleanArgumentJSON(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case ',':
			// drop the comma if the next non-space byte closes a container
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// canvasToolNames returns the sorted names of canvas tools present in the
// call set, or nil when none are.
func canvasToolNames(calls []ToolCall) []string {
	var names []string
	seen := make(map[string]struct{})
	for i := range calls {
		name := calls[i].Function.Name
		if name == "" || !strings.Contains(name, "canvas") {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TriggerMemo is a bounded, insertion-ordered set of previously-fired trigger
// keys. It de-duplicates one-shot notifications (canvas tool detection) across
// chunks: the same key fires once, and the oldest keys are evicted when the
// capacity is exceeded so the memo cannot grow without bound.
//
// The memo is shared across sessions, so keys must include enough of the
// triggering call's identity (the message id) that unrelated sessions cannot
// suppress each other's triggers.
type TriggerMemo struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// DefaultTriggerMemoCapacity bounds the shared canvas-trigger memo.
const DefaultTriggerMemoCapacity = 64

// NewTriggerMemo creates a memo with the given capacity (minimum 1).
func NewTriggerMemo(capacity int) *TriggerMemo {
	if capacity < 1 {
		capacity = 1
	}
	return &TriggerMemo{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// Fire records the key and reports whether this is its first occurrence.
func (m *TriggerMemo) Fire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[key]; ok {
		return false
	}

	m.seen[key] = struct{}{}
	m.order = append(m.order, key)

	for len(m.order) > m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.seen, oldest)
	}

	return true
}

// canvasTriggerKey builds the memo key for a message's canvas tool-name
// combination.
func canvasTriggerKey(messageID string, names []string) string {
	return messageID + "|" + strings.Join(names, ",")
}

// DetectCanvasTrigger checks the accumulated call set for canvas tools and
// fires the one-shot trigger for this message's tool-name combination.
// Returns the triggering names when this is the first sighting, nil otherwise.
func DetectCanvasTrigger(calls []ToolCall, messageID string, memo *TriggerMemo) []string {
	names := canvasToolNames(calls)
	if len(names) == 0 || memo == nil {
		return nil
	}
	if !memo.Fire(canvasTriggerKey(messageID, names)) {
		return nil
	}
	return names
}
