package chatstream

import "encoding/json"

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in the conversation history.
//
// Content holds plain text for most messages. Multi-part messages (text plus
// attached images) use Parts instead; when Parts is non-empty it takes
// precedence over Content on the wire.
//
// Assistant messages that requested tool execution carry ToolCalls; the
// matching results are RoleTool messages carrying ToolCallID.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant, RoleTool
	Role string `json:"role"`

	// Content is the plain-text body (ignored on the wire when Parts is set)
	Content string `json:"content"`

	// Parts is the multi-part body for content-with-image messages
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls carries the tool invocations of an assistant turn
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a RoleTool message back to the call it answers
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name for RoleTool messages (optional)
	Name string `json:"name,omitempty"`
}

// Content part types
const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	// Type is PartTypeText or PartTypeImageURL
	Type string `json:"type"`

	// Text is set for text parts
	Text string `json:"text,omitempty"`

	// ImageURL is set for image parts
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image attached to a message.
type ImageURL struct {
	URL string `json:"url"`
}

// MarshalJSON emits Parts as the content field when present, matching the
// OpenAI-style content-array wire shape. Plain messages emit a string content.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role       string        `json:"role"`
		Content    any           `json:"content"`
		ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
		ToolCallID string        `json:"tool_call_id,omitempty"`
		Name       string        `json:"name,omitempty"`
	}
	a := alias{
		Role:       m.Role,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if len(m.Parts) > 0 {
		a.Content = m.Parts
	} else {
		a.Content = m.Content
	}
	return json.Marshal(a)
}

// NewTextMessage creates a plain text message.
func NewTextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// NewToolResultMessage creates a RoleTool message answering one tool call.
// Content should be the stringified (JSON) tool result.
func NewToolResultMessage(callID, toolName, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		Name:       toolName,
	}
}

// ImageURLs returns the URLs of all image parts in the message, in order.
func (m *Message) ImageURLs() []string {
	var urls []string
	for _, p := range m.Parts {
		if p.Type == PartTypeImageURL && p.ImageURL != nil && p.ImageURL.URL != "" {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}
