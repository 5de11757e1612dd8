package openai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ResponseRequest represents OpenAI's Responses API request.
// https://platform.openai.com/docs/api-reference/responses/create
type ResponseRequest struct {
	Model           string               `json:"model"`
	Input           interface{}          `json:"input,omitempty"`
	Instructions    string               `json:"instructions,omitempty"`
	ID              string               `json:"id,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	TopP            *float64             `json:"top_p,omitempty"`
	MaxOutputTokens *int                 `json:"max_output_tokens,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
	Tools           []ResponseTool       `json:"tools,omitempty"`
	ToolChoice      interface{}          `json:"tool_choice,omitempty"`
	ToolOutputs     []ResponseToolOutput `json:"tool_outputs,omitempty"`
}

// ResponseTool is the Responses API flat tool definition, unlike Chat
// Completions' nested {type, function:{...}} shape.
type ResponseTool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ResponseToolOutput is one entry of a submit_tool_outputs body.
type ResponseToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// Response is the Responses API response object.
type Response struct {
	ID             string           `json:"id"`
	Object         string           `json:"object"`
	CreatedAt      int64            `json:"created_at"`
	Model          string           `json:"model"`
	Status         string           `json:"status"`
	Output         []ResponseOutput `json:"output"`
	OutputText     string           `json:"output_text,omitempty"`
	RequiredAction *RequiredAction  `json:"required_action,omitempty"`
	Usage          *ResponseUsage   `json:"usage,omitempty"`
}

// ResponseOutput is one output item: "message", "function_call" or "reasoning".
type ResponseOutput struct {
	Type      string                   `json:"type"`
	Role      string                   `json:"role,omitempty"`
	Content   []map[string]interface{} `json:"content,omitempty"`
	ID        string                   `json:"id,omitempty"`
	CallID    string                   `json:"call_id,omitempty"`
	Name      string                   `json:"name,omitempty"`
	Arguments string                   `json:"arguments,omitempty"`
}

// RequiredAction asks the client to run tools and submit outputs.
type RequiredAction struct {
	Type              string             `json:"type"`
	SubmitToolOutputs *SubmitToolOutputs `json:"submit_tool_outputs,omitempty"`
}

type SubmitToolOutputs struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

type ResponseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ResponseEvent is one Responses SSE frame: {type, response?, delta?, ...}.
type ResponseEvent struct {
	Type     string    `json:"type"`
	Response *Response `json:"response,omitempty"`
	Delta    string    `json:"delta,omitempty"`
	ItemID   string    `json:"item_id,omitempty"`
	Index    int       `json:"output_index,omitempty"`
}

// NewResponse builds an in-progress Responses object.
func NewResponse(id, model string) Response {
	return Response{
		ID:        id,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Model:     model,
		Status:    "in_progress",
	}
}

// ToTool converts the flat Responses tool to the nested Chat shape.
func (rt ResponseTool) ToTool() Tool {
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        rt.Name,
			Description: rt.Description,
			Parameters:  rt.Parameters,
		},
	}
}

// ToChatCompletionRequest converts a Responses request into the canonical
// Chat Completions request.
func (rr ResponseRequest) ToChatCompletionRequest() ChatCompletionRequest {
	creq := ChatCompletionRequest{
		Model:       rr.Model,
		Stream:      rr.Stream,
		Temperature: rr.Temperature,
		TopP:        rr.TopP,
		MaxTokens:   rr.MaxOutputTokens,
		ToolChoice:  rr.ToolChoice,
	}

	for _, msg := range convertResponsesInput(rr.Input) {
		if msg.Role == "" {
			continue
		}
		creq.Messages = append(creq.Messages, msg)
	}

	if rr.Instructions != "" {
		system := ChatMessage{Role: "system", Content: TextContent(rr.Instructions)}
		creq.Messages = append([]ChatMessage{system}, creq.Messages...)
	}

	if len(rr.Tools) > 0 {
		creq.Tools = make([]Tool, len(rr.Tools))
		for i, rtool := range rr.Tools {
			creq.Tools[i] = rtool.ToTool()
		}
	}

	return creq
}

func convertResponsesInput(input interface{}) []ChatMessage {
	switch v := input.(type) {
	case nil:
		return nil
	case []interface{}:
		var out []ChatMessage
		for _, item := range v {
			out = append(out, convertResponsesItem(item)...)
		}
		return out
	case map[string]interface{}:
		return convertResponsesItem(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []ChatMessage{{Role: "user", Content: TextContent(v)}}
	default:
		return nil
	}
}

func convertResponsesItem(item interface{}) []ChatMessage {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}

	role := strings.ToLower(strings.TrimSpace(asString(m["role"])))
	if role == "" {
		// Continuation items carry a type instead of a role.
		switch strings.ToLower(strings.TrimSpace(asString(m["type"]))) {
		case "function_call_output":
			callID := firstNonEmpty(asString(m["call_id"]), asString(m["tool_call_id"]))
			output := asString(m["output"])
			if callID == "" || output == "" {
				return nil
			}
			return []ChatMessage{{Role: "tool", Content: TextContent(output), ToolCallID: callID}}
		case "function_call":
			tc := toolCallFromBlock(m)
			if tc.Function.Name == "" {
				return nil
			}
			return []ChatMessage{{Role: "assistant", ToolCalls: []ToolCall{tc}}}
		}
		return nil
	}

	content := m["content"]
	switch role {
	case "assistant":
		return assistantMessagesFromContent(content)
	case "tool":
		return toolResultMessages(content)
	case "system", "developer":
		text := collectText(content)
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []ChatMessage{{Role: "system", Content: TextContent(text)}}
	default:
		parts := collectParts(content)
		if len(parts) == 0 {
			text := collectText(content)
			if strings.TrimSpace(text) == "" {
				return nil
			}
			return []ChatMessage{{Role: "user", Content: TextContent(text)}}
		}
		return []ChatMessage{{Role: "user", Content: MessageContent{Parts: parts}}}
	}
}

func assistantMessagesFromContent(content interface{}) []ChatMessage {
	var textParts []string
	var toolCalls []ToolCall

	switch blocks := content.(type) {
	case string:
		if strings.TrimSpace(blocks) != "" {
			textParts = append(textParts, blocks)
		}
	case []interface{}:
		for _, b := range blocks {
			block, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			switch strings.ToLower(asString(block["type"])) {
			case "tool_call", "function_call":
				tc := toolCallFromBlock(block)
				if tc.ID == "" && tc.Function.Name == "" {
					continue
				}
				toolCalls = append(toolCalls, tc)
			case "output_text", "input_text", "text":
				if t := asString(block["text"]); strings.TrimSpace(t) != "" {
					textParts = append(textParts, t)
				}
			}
		}
	}

	msg := ChatMessage{Role: "assistant", Content: TextContent(strings.Join(textParts, "\n"))}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	if msg.Content.IsEmpty() && len(toolCalls) == 0 {
		return nil
	}
	return []ChatMessage{msg}
}

func toolResultMessages(content interface{}) []ChatMessage {
	var out []ChatMessage
	add := func(callID, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		out = append(out, ChatMessage{Role: "tool", Content: TextContent(text), ToolCallID: callID})
	}

	switch blocks := content.(type) {
	case string:
		add("", blocks)
	case []interface{}:
		for _, b := range blocks {
			block, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			typ := strings.ToLower(asString(block["type"]))
			if typ != "tool_result" && typ != "function_call_output" {
				continue
			}
			callID := firstNonEmpty(asString(block["tool_use_id"]), asString(block["tool_call_id"]), asString(block["call_id"]))
			text := firstNonEmpty(asString(block["text"]), asString(block["output"]))
			add(callID, text)
		}
	}
	return out
}

func toolCallFromBlock(block map[string]interface{}) ToolCall {
	id := firstNonEmpty(asString(block["id"]), asString(block["call_id"]), asString(block["tool_call_id"]))
	name := asString(block["name"])

	var args string
	if fn, ok := block["function"].(map[string]interface{}); ok {
		if n := asString(fn["name"]); n != "" && name == "" {
			name = n
		}
		if raw := fn["arguments"]; raw != nil {
			args = stringifyJSON(raw)
		}
	}
	if raw := block["arguments"]; raw != nil && strings.TrimSpace(args) == "" {
		args = stringifyJSON(raw)
	}
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: args}}
}

func collectText(content interface{}) string {
	if s, ok := content.(string); ok {
		return s
	}
	blocks, ok := content.([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		switch strings.ToLower(asString(block["type"])) {
		case "input_text", "output_text", "text":
			if val := strings.TrimSpace(asString(block["text"])); val != "" {
				parts = append(parts, val)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func collectParts(content interface{}) []ContentPart {
	blocks, ok := content.([]interface{})
	if !ok {
		return nil
	}
	var parts []ContentPart
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		switch strings.ToLower(asString(block["type"])) {
		case "input_text", "text":
			if t := asString(block["text"]); strings.TrimSpace(t) != "" {
				parts = append(parts, ContentPart{Type: "text", Text: t})
			}
		case "input_image", "image_url":
			url := asString(block["image_url"])
			if m, ok := block["image_url"].(map[string]interface{}); ok {
				url = asString(m["url"])
			}
			if url != "" {
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
			}
		}
	}
	return parts
}

func stringifyJSON(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.RawMessage:
		return string(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func asString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
