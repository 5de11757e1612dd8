// Package anthropic holds the Anthropic Messages wire shapes.
package anthropic

import (
	"encoding/json"
	"strings"
)

// MessagesRequest represents the Anthropic /v1/messages payload.
type MessagesRequest struct {
	Model       string      `json:"model"`
	Messages    []Message   `json:"messages"`
	System      SystemField `json:"system,omitempty"`
	Tools       []Tool      `json:"tools,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
}

// Tool mirrors the Anthropic tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Message represents one conversation turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content supports string or array-of-blocks payloads.
type Content struct {
	Blocks []ContentBlock
}

// ContentBlock captures text/thinking/tool_use/tool_result/image blocks.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use fields
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`

	// image fields
	Source *ImageSource `json:"source,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// SystemField supports string or array<content_block>.
type SystemField struct {
	Text   string
	Blocks []ContentBlock
}

// MessagesResponse models the Anthropic response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one Anthropic SSE event on either side of the gateway.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Delta struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Message *MessagesResponse `json:"message,omitempty"`
	Usage   *Usage            `json:"usage,omitempty"`
}

// ExtractText flattens the system field into plain text.
func (s SystemField) ExtractText() string {
	if strings.TrimSpace(s.Text) != "" {
		return s.Text
	}
	var b strings.Builder
	for _, block := range s.Blocks {
		if strings.EqualFold(block.Type, "text") {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// MarshalJSON ensures messages always carry an array of content blocks.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Blocks) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON supports string, object and array shapes.
func (c *Content) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		c.Blocks = []ContentBlock{{Type: "text", Text: s}}
		return nil
	}
	if trimmed[0] == '{' {
		var one ContentBlock
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		c.Blocks = []ContentBlock{one}
		return nil
	}
	var arr []ContentBlock
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	c.Blocks = arr
	return nil
}

// UnmarshalJSON tolerates flexible tool_result content shapes.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"]; ok {
		_ = json.Unmarshal(v, &b.Type)
	}
	if v, ok := raw["text"]; ok {
		_ = json.Unmarshal(v, &b.Text)
	}
	if v, ok := raw["thinking"]; ok {
		_ = json.Unmarshal(v, &b.Thinking)
	}
	if v, ok := raw["id"]; ok {
		_ = json.Unmarshal(v, &b.ID)
	}
	if v, ok := raw["name"]; ok {
		_ = json.Unmarshal(v, &b.Name)
	}
	if v, ok := raw["input"]; ok {
		var m map[string]interface{}
		if err := json.Unmarshal(v, &m); err == nil {
			b.Input = m
		}
	}
	if v, ok := raw["tool_use_id"]; ok {
		_ = json.Unmarshal(v, &b.ToolUseID)
	}
	if v, ok := raw["is_error"]; ok {
		_ = json.Unmarshal(v, &b.IsError)
	}
	if v, ok := raw["source"]; ok {
		var src ImageSource
		if err := json.Unmarshal(v, &src); err == nil {
			b.Source = &src
		}
	}
	if v, ok := raw["content"]; ok && len(v) > 0 && string(v) != "null" {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			b.Content = []ContentBlock{{Type: "text", Text: s}}
			return nil
		}
		var arr []ContentBlock
		if err := json.Unmarshal(v, &arr); err == nil {
			b.Content = arr
			return nil
		}
	}
	return nil
}

// MarshalJSON encodes the system field in Anthropic-compatible form.
func (s SystemField) MarshalJSON() ([]byte, error) {
	text := strings.TrimSpace(s.Text)
	switch {
	case len(s.Blocks) > 0 && text != "":
		blocks := make([]ContentBlock, 0, len(s.Blocks)+1)
		blocks = append(blocks, ContentBlock{Type: "text", Text: text})
		blocks = append(blocks, s.Blocks...)
		return json.Marshal(blocks)
	case len(s.Blocks) > 0:
		return json.Marshal(s.Blocks)
	case text != "":
		return json.Marshal(text)
	default:
		return []byte(`""`), nil
	}
}

// UnmarshalJSON allows string or array of blocks.
func (s *SystemField) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(b, &s.Text)
	}
	return json.Unmarshal(b, &s.Blocks)
}

// IsEmpty reports whether the system field carries no content.
func (s SystemField) IsEmpty() bool {
	return strings.TrimSpace(s.Text) == "" && len(s.Blocks) == 0
}

// HasImage reports whether any message carries an image block.
func (r MessagesRequest) HasImage() bool {
	for _, msg := range r.Messages {
		for _, block := range msg.Content.Blocks {
			if strings.EqualFold(block.Type, "image") {
				return true
			}
		}
	}
	return false
}
