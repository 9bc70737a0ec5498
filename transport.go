package chatstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// streamPath is the backend endpoint establishing the SSE stream.
const streamPath = "/v1/chat/stream"

// chatRequest is the JSON body of the streaming POST.
type chatRequest struct {
	Model       string    `json:"model"`
	Provider    string    `json:"provider,omitempty"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Seed        *int      `json:"seed,omitempty"`

	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`

	Tools      []Tool `json:"tools,omitempty"`
	ToolChoice any    `json:"tool_choice,omitempty"`

	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// openStream POSTs the request and returns a channel of envelopes.
// The channel is closed when the stream ends; a terminal error envelope is
// emitted for transport-level failures mid-stream. Malformed SSE lines are
// logged and skipped, never fatal.
func (c *Client) openStream(ctx context.Context, body *chatRequest) (<-chan StreamEnvelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+streamPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, &TransportError{Message: err.Error(), Retryable: true, Err: ErrBackendUnavailable}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readErrorResponse(resp)
	}

	// Buffered to keep the reader ahead of chunk processing.
	envelopes := make(chan StreamEnvelope, 16)

	go func() {
		defer close(envelopes)
		defer resp.Body.Close()
		c.readEvents(ctx, resp.Body, envelopes)
	}()

	return envelopes, nil
}

// readEvents scans SSE lines and emits envelopes until [DONE], EOF, or
// cancellation.
func (c *Client) readEvents(ctx context.Context, body io.Reader, envelopes chan<- StreamEnvelope) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawTerminal := false

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		// Skip blanks and SSE comments
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		env, ok := c.parseEnvelope(data)
		if !ok {
			continue
		}
		if env.Type == EnvelopeComplete || env.Type == EnvelopeError {
			sawTerminal = true
		}

		select {
		case envelopes <- env:
		case <-ctx.Done():
			return
		}

		if env.Type == EnvelopeError {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case envelopes <- StreamEnvelope{Type: EnvelopeError, Error: fmt.Sprintf("error reading stream: %v", err)}:
		case <-ctx.Done():
		}
		return
	}

	// Natural end-of-stream without an explicit terminal envelope still
	// completes the pass.
	if !sawTerminal && ctx.Err() == nil {
		select {
		case envelopes <- StreamEnvelope{Type: EnvelopeComplete}:
		case <-ctx.Done():
		}
	}
}

// parseEnvelope decodes one data line. Lines that are not envelopes but decode
// as a bare provider chunk (OpenAI-compatible upstreams) are wrapped as chunk
// envelopes. Anything else is logged and skipped.
func (c *Client) parseEnvelope(data string) (StreamEnvelope, bool) {
	var env StreamEnvelope
	if err := json.Unmarshal([]byte(data), &env); err == nil && env.Type != "" {
		return env, true
	}

	var delta ProviderDelta
	if err := json.Unmarshal([]byte(data), &delta); err == nil && len(delta.Choices) > 0 {
		return StreamEnvelope{Type: EnvelopeChunk, Chunk: &delta}, true
	}

	c.logger.Warn("skipping malformed stream line", zap.String("data", truncate(data, 256)))
	return StreamEnvelope{}, false
}

// readErrorResponse converts a non-200 response into a TransportError.
func readErrorResponse(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(msg)
	if json.Unmarshal(msg, &parsed) == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	te := &TransportError{
		StatusCode: resp.StatusCode,
		Message:    message,
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		te.Retryable = true
		te.Err = ErrRateLimited
	case resp.StatusCode >= 500:
		te.Retryable = true
		te.Err = ErrBackendUnavailable
	}
	return te
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
