package chatstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// BackendConfig locates the tool backend the built-in executors call.
// In production this is the same backend that serves the chat stream.
type BackendConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (c BackendConfig) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// postJSON sends one JSON request to the tool backend and decodes the
// response into out.
func (c BackendConfig) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return &TransportError{Message: err.Error(), Retryable: true, Err: ErrBackendUnavailable}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{
			StatusCode: resp.StatusCode,
			Message:    string(msg),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeArgs strictly decodes tool arguments, failing fast on invalid JSON so
// that unfixable argument strings surface as a clear per-tool parse error.
func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

// SearchResult is one ranked web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// RegisterBuiltinTools registers the built-in executors (web search, image
// generation, image editing) against the given backend.
func RegisterBuiltinTools(reg *ToolRegistry, cfg BackendConfig) {
	_ = reg.Register(ToolNameWebSearch, newWebSearchExecutor(cfg))
	_ = reg.Register(ToolNameGenerateImage, newImageGenerationExecutor(cfg))
	_ = reg.Register(ToolNameEditImage, newImageEditExecutor(cfg))
}

func newWebSearchExecutor(cfg BackendConfig) ToolExecutor {
	return func(ctx context.Context, raw json.RawMessage, tcx *ToolContext) (any, error) {
		var args struct {
			Query      string `json:"query"`
			NumResults int    `json:"num_results"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Query == "" {
			return nil, fmt.Errorf("web search requires a query")
		}
		if args.NumResults <= 0 {
			args.NumResults = 5
		}

		var out struct {
			Results []SearchResult `json:"results"`
		}
		err := cfg.postJSON(ctx, "/v1/tools/web-search", map[string]any{
			"query":       args.Query,
			"num_results": args.NumResults,
		}, &out)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"query":   args.Query,
			"results": out.Results,
		}, nil
	}
}

func newImageGenerationExecutor(cfg BackendConfig) ToolExecutor {
	return func(ctx context.Context, raw json.RawMessage, tcx *ToolContext) (any, error) {
		var args struct {
			Prompt  string `json:"prompt"`
			Size    string `json:"size"`
			Quality string `json:"quality"`
			Model   string `json:"model"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Prompt == "" {
			return nil, fmt.Errorf("image generation requires a prompt")
		}
		if args.Size == "" {
			args.Size = "1024x1024"
		}

		var out struct {
			URL           string `json:"url"`
			RevisedPrompt string `json:"revised_prompt"`
			Model         string `json:"model"`
		}
		err := cfg.postJSON(ctx, "/v1/images/generations", map[string]any{
			"prompt":  args.Prompt,
			"size":    args.Size,
			"quality": args.Quality,
			"model":   args.Model,
		}, &out)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"url":            out.URL,
			"model":          out.Model,
			"size":           args.Size,
			"revised_prompt": out.RevisedPrompt,
		}, nil
	}
}

func newImageEditExecutor(cfg BackendConfig) ToolExecutor {
	return func(ctx context.Context, raw json.RawMessage, tcx *ToolContext) (any, error) {
		var args struct {
			Prompt    string   `json:"prompt"`
			ImageURLs []string `json:"image_urls"`
			MaskURL   string   `json:"mask_url"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Prompt == "" {
			return nil, fmt.Errorf("image editing requires a prompt")
		}

		// The model often omits the URLs; fall back to images referenced
		// earlier in the same turn before giving up.
		sources := args.ImageURLs
		if len(sources) == 0 && tcx != nil {
			sources = tcx.RecentImages
		}
		if len(sources) == 0 {
			return nil, &ToolError{
				ToolName: ToolNameEditImage,
				Message:  "no image found to edit in this conversation",
				Err:      ErrNoImageFound,
			}
		}

		var out struct {
			URLs []string `json:"urls"`
		}
		err := cfg.postJSON(ctx, "/v1/images/edits", map[string]any{
			"prompt":     args.Prompt,
			"image_urls": sources,
			"mask_url":   args.MaskURL,
		}, &out)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"urls":          out.URLs,
			"source_images": sources,
		}, nil
	}
}
