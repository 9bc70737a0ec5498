package chatstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"testing"

	"github.com/tidwall/gjson"
)

// turnRecorder captures every callback invocation of one streaming turn.
type turnRecorder struct {
	updates      []string
	reasoning    []string
	reasoningFin []string
	toolCalls    []ToolCall
	toolResults  []ToolCallResult
	completes    []string
	errs         []error
}

func (r *turnRecorder) callbacks() Callbacks {
	return Callbacks{
		OnUpdate:            func(s string) { r.updates = append(r.updates, s) },
		OnReasoningUpdate:   func(s string) { r.reasoning = append(r.reasoning, s) },
		OnReasoningComplete: func(s string, _ int) { r.reasoningFin = append(r.reasoningFin, s) },
		OnToolCall:          func(c ToolCall) { r.toolCalls = append(r.toolCalls, c) },
		OnToolCallComplete:  func(res ToolCallResult) { r.toolResults = append(r.toolResults, res) },
		OnComplete:          func(s string) { r.completes = append(r.completes, s) },
		OnError:             func(err error) { r.errs = append(r.errs, err) },
	}
}

func TestStreamTurn_PlainText(t *testing.T) {
	c, _ := testClient(t, sseHandler(
		`{"type":"connection","session_id":"b1"}`,
		`{"type":"chunk","chunk":{"choices":[{"delta":{"content":"Hel"}}]}}`,
		`{"type":"chunk","chunk":{"choices":[{"delta":{"content":"lo"}}]}}`,
		`{"type":"complete"}`,
		`[DONE]`,
	))

	rec := &turnRecorder{}
	state, err := c.StreamTurn(context.Background(), &StreamRequest{
		Model:     "gpt-4o",
		Messages:  []Message{NewTextMessage(RoleUser, "hi")},
		Callbacks: rec.callbacks(),
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if want := []string{"Hel", "Hello"}; !reflect.DeepEqual(rec.updates, want) {
		t.Errorf("updates = %v, want %v", rec.updates, want)
	}
	if !reflect.DeepEqual(rec.completes, []string{"Hello"}) {
		t.Errorf("completes = %v, want exactly one %q", rec.completes, "Hello")
	}
	if state.Content != "Hello" {
		t.Errorf("state.Content = %q", state.Content)
	}
	if !state.Completed {
		t.Error("state not marked completed")
	}
	if len(rec.errs) != 0 {
		t.Errorf("unexpected errors: %v", rec.errs)
	}
}

func TestStreamTurn_ValidationErrors(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused"})

	tests := []struct {
		name     string
		req      *StreamRequest
		sentinel error
	}{
		{"nil request", nil, ErrInvalidModel},
		{"missing model", &StreamRequest{Messages: []Message{NewTextMessage(RoleUser, "hi")}}, ErrInvalidModel},
		{"no messages", &StreamRequest{Model: "gpt-4o"}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StreamTurn(context.Background(), tt.req)
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("err = %v, want %v", err, tt.sentinel)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
		})
	}
}

// toolLoopBackend serves the first pass (tool call split across chunks) when
// the request carries tool definitions, and the follow-up pass (plain text)
// when it does not. The follow-up request body is retained for inspection.
func toolLoopBackend(t *testing.T) (http.Handler, *[]byte) {
	t.Helper()
	var followupBody []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := readAll(r)
		if gjson.GetBytes(body, "tools.#").Int() > 0 {
			sseHandler(
				`{"type":"connection","session_id":"b2"}`,
				`{"type":"chunk","chunk":{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_ws1","type":"function","function":{"name":"web_search","arguments":"{\"query\":"}}]}}]}}`,
				`{"type":"chunk","chunk":{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":\"go generics\"}"}}]}}]}}`,
				`{"type":"chunk","chunk":{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}}`,
				`{"type":"complete"}`,
				`[DONE]`,
			).ServeHTTP(w, r)
			return
		}
		followupBody = body
		sseHandler(
			`{"type":"chunk","chunk":{"choices":[{"delta":{"content":"Generics arrived in Go 1.18."}}]}}`,
			`{"type":"complete"}`,
			`[DONE]`,
		).ServeHTTP(w, r)
	})
	return handler, &followupBody
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func TestStreamTurn_ToolLoop(t *testing.T) {
	handler, followupBody := toolLoopBackend(t)
	c, _ := testClient(t, handler)

	executed := 0
	_ = c.Tools().Register(ToolNameWebSearch, func(ctx context.Context, args json.RawMessage, tcx *ToolContext) (any, error) {
		executed++
		if got := gjson.GetBytes(args, "query").String(); got != "go generics" {
			t.Errorf("executor args query = %q", got)
		}
		return map[string]any{"results": []string{"go.dev/blog/intro-generics"}}, nil
	})

	rec := &turnRecorder{}
	state, err := c.StreamTurn(context.Background(), &StreamRequest{
		Model:     "gpt-4o",
		Messages:  []Message{NewTextMessage(RoleUser, "when did generics land?")},
		Tools:     []Tool{NewWebSearchTool()},
		Callbacks: rec.callbacks(),
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if executed != 1 {
		t.Errorf("executor ran %d times, want 1", executed)
	}
	if len(rec.toolCalls) != 1 || rec.toolCalls[0].Function.Name != ToolNameWebSearch {
		t.Fatalf("toolCalls = %+v", rec.toolCalls)
	}
	if len(rec.toolResults) != 1 || rec.toolResults[0].Err != nil {
		t.Fatalf("toolResults = %+v", rec.toolResults)
	}
	if state.Content != "Generics arrived in Go 1.18." {
		t.Errorf("final content = %q", state.Content)
	}
	if !reflect.DeepEqual(rec.completes, []string{"Generics arrived in Go 1.18."}) {
		t.Errorf("completes = %v, want exactly one follow-up completion", rec.completes)
	}
	if _, ok := state.Metadata["tool_results"]; !ok {
		t.Error("tool results missing from final state metadata")
	}

	// follow-up request: tools disabled, history carries the assistant tool
	// calls plus one tool-result message
	fb := *followupBody
	if gjson.GetBytes(fb, "tools").Exists() {
		t.Error("follow-up request still carries tool definitions")
	}
	if got := gjson.GetBytes(fb, "tool_choice").String(); got != "none" {
		t.Errorf("follow-up tool_choice = %q, want none", got)
	}
	msgs := gjson.GetBytes(fb, "messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("follow-up messages = %d, want user + assistant + tool", len(msgs))
	}
	if got := msgs[1].Get("tool_calls.0.id").String(); got != "call_ws1" {
		t.Errorf("assistant tool call id = %q", got)
	}
	if got := msgs[2].Get("role").String(); got != "tool" {
		t.Errorf("last message role = %q, want tool", got)
	}
	if got := msgs[2].Get("tool_call_id").String(); got != "call_ws1" {
		t.Errorf("tool message call id = %q", got)
	}
}

func TestStreamTurn_FailingToolStillCompletes(t *testing.T) {
	handler, followupBody := toolLoopBackend(t)
	c, _ := testClient(t, handler)

	_ = c.Tools().Register(ToolNameWebSearch, func(ctx context.Context, args json.RawMessage, tcx *ToolContext) (any, error) {
		return nil, errors.New("search backend down")
	})

	rec := &turnRecorder{}
	state, err := c.StreamTurn(context.Background(), &StreamRequest{
		Model:     "gpt-4o",
		Messages:  []Message{NewTextMessage(RoleUser, "search something")},
		Tools:     []Tool{NewWebSearchTool()},
		Callbacks: rec.callbacks(),
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if len(rec.toolResults) != 1 || rec.toolResults[0].Err == nil {
		t.Fatalf("toolResults = %+v, want one failed result", rec.toolResults)
	}
	if state.Content == "" {
		t.Error("follow-up pass did not run after tool failure")
	}
	if len(rec.completes) != 1 {
		t.Errorf("completes = %v, want exactly one", rec.completes)
	}

	// the model sees the failure as a structured tool message, not an abort
	fb := *followupBody
	if got := gjson.GetBytes(fb, "messages.2.role").String(); got != "tool" {
		t.Fatalf("last message role = %q", got)
	}
	content := gjson.GetBytes(fb, "messages.2.content").String()
	if got := gjson.Get(content, "error").String(); got == "" {
		t.Errorf("tool message content = %q, want embedded error payload", content)
	}
}

func TestStreamTurn_AbortMidStream(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"type":"chunk","chunk":{"choices":[{"delta":{"content":"partial"}}]}}` + "\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// hold the stream open until the client disconnects
		<-r.Context().Done()
	})
	c, _ := testClient(t, handler)

	rec := &turnRecorder{}
	_, err := c.StreamTurn(context.Background(), &StreamRequest{
		Model:     "gpt-4o",
		SessionID: "abortable",
		Messages:  []Message{NewTextMessage(RoleUser, "hi")},
		Callbacks: Callbacks{
			OnUpdate: func(content string) {
				rec.updates = append(rec.updates, content)
				c.Abort("abortable")
			},
			OnComplete: func(s string) { rec.completes = append(rec.completes, s) },
			OnError:    func(e error) { rec.errs = append(rec.errs, e) },
		},
	})

	if !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("err = %v, want ErrStreamAborted", err)
	}
	if len(rec.completes) != 0 {
		t.Errorf("OnComplete fired for aborted session: %v", rec.completes)
	}
	if len(rec.errs) != 0 {
		t.Errorf("OnError fired for aborted session: %v", rec.errs)
	}
	if ids := c.ActiveSessions(); len(ids) != 0 {
		t.Errorf("session still registered after abort: %v", ids)
	}
}

func TestStreamTurn_RedundantCompletionSignals(t *testing.T) {
	// finish_reason stop, an explicit complete envelope, and EOF all signal
	// completion; OnComplete must still fire once
	c, _ := testClient(t, sseHandler(
		`{"type":"chunk","chunk":{"choices":[{"delta":{"content":"done"},"finish_reason":"stop"}]}}`,
		`{"type":"complete"}`,
	))

	rec := &turnRecorder{}
	_, err := c.StreamTurn(context.Background(), &StreamRequest{
		Model:     "gpt-4o",
		Messages:  []Message{NewTextMessage(RoleUser, "hi")},
		Callbacks: rec.callbacks(),
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if len(rec.completes) != 1 {
		t.Errorf("completes = %v, want exactly one", rec.completes)
	}
}

func TestStreamTurn_InstructionsPrependedOnce(t *testing.T) {
	var captured []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = readAll(r)
		sseHandler(`{"type":"complete"}`, `[DONE]`).ServeHTTP(w, r)
	})
	c, _ := testClient(t, handler)

	_, err := c.StreamTurn(context.Background(), &StreamRequest{
		Model:        "gpt-4o",
		Instructions: "be terse",
		Messages:     []Message{NewTextMessage(RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	msgs := gjson.GetBytes(captured, "messages").Array()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system + user", len(msgs))
	}
	if got := msgs[0].Get("role").String(); got != "system" {
		t.Errorf("first role = %q", got)
	}
	if got := msgs[0].Get("content").String(); got != "be terse" {
		t.Errorf("system content = %q", got)
	}

	// an existing system message wins over Instructions
	_, err = c.StreamTurn(context.Background(), &StreamRequest{
		Model:        "gpt-4o",
		Instructions: "ignored",
		Messages: []Message{
			NewTextMessage(RoleSystem, "already here"),
			NewTextMessage(RoleUser, "hi"),
		},
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	msgs = gjson.GetBytes(captured, "messages").Array()
	if len(msgs) != 2 || msgs[0].Get("content").String() != "already here" {
		t.Errorf("messages = %s", string(captured))
	}
}

func TestStreamTurn_ParamsForwardedAndClamped(t *testing.T) {
	var captured []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = readAll(r)
		sseHandler(`{"type":"complete"}`, `[DONE]`).ServeHTTP(w, r)
	})
	c, _ := testClient(t, handler)

	_, err := c.StreamTurn(context.Background(), &StreamRequest{
		Model:    "gpt-4o",
		Messages: []Message{NewTextMessage(RoleUser, "hi")},
		Params: &RequestParams{
			MaxTokens:   intPtr(1_000_000), // above the model's ceiling
			Temperature: float64Ptr(0.2),
			Stop:        []string{"END"},
		},
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if got := gjson.GetBytes(captured, "max_tokens").Int(); got != 16384 {
		t.Errorf("max_tokens = %d, want clamped to 16384", got)
	}
	if got := gjson.GetBytes(captured, "temperature").Float(); got != 0.2 {
		t.Errorf("temperature = %v", got)
	}
	if got := gjson.GetBytes(captured, "stop.0").String(); got != "END" {
		t.Errorf("stop = %q", got)
	}
}

func TestStreamTurn_ReasoningCallbacks(t *testing.T) {
	c, _ := testClient(t, sseHandler(
		`{"type":"chunk","chunk":{"choices":[{"delta":{"reasoning_content":"step one"}}]}}`,
		`{"type":"chunk","chunk":{"choices":[{"delta":{"reasoning_content":", step two"}}]}}`,
		`{"type":"chunk","chunk":{"choices":[{"delta":{"content":"Answer"}}]}}`,
		`{"type":"complete"}`,
		`[DONE]`,
	))

	rec := &turnRecorder{}
	state, err := c.StreamTurn(context.Background(), &StreamRequest{
		Model:     "deepseek-reasoner",
		Messages:  []Message{NewTextMessage(RoleUser, "think hard")},
		Callbacks: rec.callbacks(),
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if len(rec.reasoning) != 2 {
		t.Errorf("reasoning updates = %v, want 2", rec.reasoning)
	}
	if !reflect.DeepEqual(rec.reasoningFin, []string{"step one, step two"}) {
		t.Errorf("reasoning completions = %v", rec.reasoningFin)
	}
	if !reflect.DeepEqual(rec.updates, []string{"Answer"}) {
		t.Errorf("updates = %v", rec.updates)
	}
	if !state.Reasoning.Closed() {
		t.Error("reasoning block still open after content arrived")
	}
}

func TestSessionRegistry_IdempotentAbort(t *testing.T) {
	reg := NewSessionRegistry()

	fired := 0
	reg.Register("s1", func() { fired++ })

	reg.Abort("s1")
	reg.Abort("s1")
	reg.Abort("missing")

	if fired != 1 {
		t.Errorf("cancel fired %d times, want 1", fired)
	}
	if got := reg.Active(); len(got) != 0 {
		t.Errorf("active = %v, want empty", got)
	}
}
