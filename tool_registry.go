package chatstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ToolExecutor runs one tool call with its parsed-JSON argument object and
// returns a JSON-serializable result. Executors may return an error; the
// session converts it into an error-shaped tool result and continues with the
// remaining calls.
type ToolExecutor func(ctx context.Context, args json.RawMessage, tcx *ToolContext) (any, error)

// ToolContext carries the per-turn context tool executors may need.
type ToolContext struct {
	ThreadID    string
	WorkspaceID string

	// RecentImages lists image URLs referenced earlier in this turn; image
	// editing falls back to them when the arguments carry no URLs
	RecentImages []string

	Logger *zap.Logger
}

// ToolCallResult is the outcome of executing one tool call.
// Exactly one execution outcome exists per finalized call: either Result
// holds the executor output or Err holds the failure. Both convert to a
// RoleTool message via Message().
type ToolCallResult struct {
	ToolCallID string
	ToolName   string
	Result     any
	Err        error
}

// Message converts the result into the RoleTool message fed back to the model.
// Failures become {"error": ..., "tool_name": ...} so the model can explain
// them in natural language.
func (r ToolCallResult) Message() Message {
	var payload any
	if r.Err != nil {
		payload = map[string]any{
			"error":     r.Err.Error(),
			"tool_name": r.ToolName,
		}
	} else {
		payload = r.Result
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":"unserializable tool result: %s","tool_name":%q}`, err, r.ToolName))
	}

	return NewToolResultMessage(r.ToolCallID, r.ToolName, string(data))
}

// ToolRegistry manages runtime registration of tool executors.
// The session controller dispatches every tool call through the registry;
// there is no separate hardcoded dispatch path.
type ToolRegistry struct {
	executors map[string]ToolExecutor
	mu        sync.RWMutex
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		executors: make(map[string]ToolExecutor),
	}
}

// Register adds an executor under the given tool name, replacing any previous
// registration. This also allows tests to swap out built-ins.
func (r *ToolRegistry) Register(name string, exec ToolExecutor) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required for tool %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = exec
	return nil
}

// Unregister removes a tool executor.
func (r *ToolRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[name]; !exists {
		return fmt.Errorf("tool %s is not registered", name)
	}
	delete(r.executors, name)
	return nil
}

// IsRegistered checks if a tool executor exists.
func (r *ToolRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.executors[name]
	return exists
}

// List returns all registered tool names.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// Execute runs one finalized tool call. Unknown names and executor failures
// are captured in the result's Err, never propagated as an execution abort.
func (r *ToolRegistry) Execute(ctx context.Context, call ToolCall, tcx *ToolContext) ToolCallResult {
	res := ToolCallResult{
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
	}

	r.mu.RLock()
	exec, exists := r.executors[call.Function.Name]
	r.mu.RUnlock()

	if !exists {
		res.Err = &ToolError{
			ToolName: call.Function.Name,
			CallID:   call.ID,
			Message:  fmt.Sprintf("tool %q is not available", call.Function.Name),
			Err:      ErrUnknownTool,
		}
		return res
	}

	out, err := exec(ctx, json.RawMessage(call.Function.Arguments), tcx)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			res.Err = err
		} else {
			res.Err = &ToolError{
				ToolName: call.Function.Name,
				CallID:   call.ID,
				Message:  err.Error(),
				Err:      err,
			}
		}
		return res
	}

	res.Result = out
	return res
}
