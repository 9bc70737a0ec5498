package chatstream

import (
	"errors"
	"fmt"
)

// Built-in tool names
const (
	ToolNameWebSearch       = "web_search"
	ToolNameGenerateImage   = "generate_image"
	ToolNameEditImage       = "edit_image"
	ToolNameCodeInterpreter = "code_interpreter"
)

// Tool describes a function the model may call (OpenAI function format).
type Tool struct {
	// Type is always "function"
	Type string `json:"type"`

	// Function contains the function schema
	Function FunctionDetails `json:"function"`
}

// FunctionDetails is the schema of a callable function.
type FunctionDetails struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Validate checks that the tool definition is well-formed.
func (t *Tool) Validate() error {
	if t.Type != "function" {
		return fmt.Errorf("tool type must be 'function', got %q", t.Type)
	}
	if t.Function.Name == "" {
		return errors.New("tool function name is required")
	}
	return nil
}

// NewWebSearchTool creates the web search tool schema.
func NewWebSearchTool() Tool {
	return Tool{
		Type: "function",
		Function: FunctionDetails{
			Name:        ToolNameWebSearch,
			Description: "Search the web for current information and return ranked sources",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
					"num_results": map[string]any{
						"type":        "integer",
						"description": "Number of results to return (default 5)",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// NewImageGenerationTool creates the image generation tool schema.
func NewImageGenerationTool() Tool {
	return Tool{
		Type: "function",
		Function: FunctionDetails{
			Name:        ToolNameGenerateImage,
			Description: "Generate an image from a text prompt",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "Description of the image to generate",
					},
					"size": map[string]any{
						"type":        "string",
						"description": "Image size, e.g. 1024x1024",
					},
					"quality": map[string]any{
						"type":        "string",
						"description": "Image quality: standard or hd",
					},
					"model": map[string]any{
						"type":        "string",
						"description": "Image model to use",
					},
				},
				"required": []string{"prompt"},
			},
		},
	}
}

// NewImageEditTool creates the image editing tool schema.
// When image_urls is omitted, execution falls back to images referenced
// earlier in the same turn's context.
func NewImageEditTool() Tool {
	return Tool{
		Type: "function",
		Function: FunctionDetails{
			Name:        ToolNameEditImage,
			Description: "Edit one or more existing images according to a text prompt",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "Description of the edit to apply",
					},
					"image_urls": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Source image URLs (defaults to images from the current turn)",
					},
					"mask_url": map[string]any{
						"type":        "string",
						"description": "Optional mask image URL",
					},
				},
				"required": []string{"prompt"},
			},
		},
	}
}

// NewCustomTool creates a custom function tool following the universal
// function calling format.
func NewCustomTool(name, description string, parameters map[string]any) (Tool, error) {
	tool := Tool{
		Type: "function",
		Function: FunctionDetails{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
	if err := tool.Validate(); err != nil {
		return Tool{}, fmt.Errorf("failed to create custom tool: %w", err)
	}
	return tool, nil
}

// DefaultTools returns the built-in tool schemas.
func DefaultTools() []Tool {
	return []Tool{
		NewWebSearchTool(),
		NewImageGenerationTool(),
		NewImageEditTool(),
	}
}
