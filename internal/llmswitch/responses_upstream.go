package llmswitch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/wire/openai"
)

// ChatToResponsesRequest converts a canonical Chat request into the Responses
// dialect for upstreams that only speak the Responses API.
func ChatToResponsesRequest(req openai.ChatCompletionRequest) openai.ResponseRequest {
	out := openai.ResponseRequest{
		Model:           req.Model,
		Stream:          req.Stream,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		ToolChoice:      req.ToolChoice,
	}

	var items []interface{}
	var instructions []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if text := m.Content.Plain(); text != "" {
				instructions = append(instructions, text)
			}
		case "tool":
			items = append(items, map[string]interface{}{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  m.Content.Plain(),
			})
		case "assistant":
			if text := m.Content.Plain(); text != "" {
				items = append(items, map[string]interface{}{
					"type": "message",
					"role": "assistant",
					"content": []interface{}{
						map[string]interface{}{"type": "output_text", "text": text},
					},
				})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, map[string]interface{}{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Function.Name,
					"arguments": tc.Function.Arguments,
				})
			}
		default:
			items = append(items, map[string]interface{}{
				"type":    "message",
				"role":    "user",
				"content": responsesUserContent(m.Content),
			})
		}
	}
	out.Input = items
	out.Instructions = strings.Join(instructions, "\n\n")

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.ResponseTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

func responsesUserContent(c openai.MessageContent) []interface{} {
	if c.Parts == nil {
		return []interface{}{
			map[string]interface{}{"type": "input_text", "text": c.Plain()},
		}
	}
	var out []interface{}
	for _, p := range c.Parts {
		switch p.Type {
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, map[string]interface{}{
					"type":      "input_image",
					"image_url": p.ImageURL.URL,
				})
			}
		default:
			if p.Text != "" {
				out = append(out, map[string]interface{}{"type": "input_text", "text": p.Text})
			}
		}
	}
	return out
}

// ResponsesResponseToChat folds an upstream Responses object into the
// canonical Chat response.
func ResponsesResponseToChat(resp openai.Response) openai.ChatCompletionResponse {
	msg := openai.ChatMessage{Role: "assistant"}
	var texts []string
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if t, ok := c["text"].(string); ok && t != "" {
					texts = append(texts, t)
				}
			}
		case "function_call":
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			args := item.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:       id,
				Type:     "function",
				Function: openai.FunctionCall{Name: item.Name, Arguments: args},
			})
		}
	}
	if len(texts) == 0 && resp.OutputText != "" {
		texts = append(texts, resp.OutputText)
	}
	msg.Content = openai.TextContent(strings.Join(texts, ""))

	// A paused upstream turn carries its calls on required_action rather than
	// in the output items.
	if resp.RequiredAction != nil && resp.RequiredAction.SubmitToolOutputs != nil {
		seen := map[string]bool{}
		for _, tc := range msg.ToolCalls {
			seen[tc.ID] = true
		}
		for _, tc := range resp.RequiredAction.SubmitToolOutputs.ToolCalls {
			if seen[tc.ID] {
				continue
			}
			if strings.TrimSpace(tc.Function.Arguments) == "" {
				tc.Function.Arguments = "{}"
			}
			if tc.Type == "" {
				tc.Type = "function"
			}
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
	}

	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	usage := openai.UsageBreakdown{}
	if resp.Usage != nil {
		usage = openai.UsageBreakdown{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return openai.NewCompletionResponse(resp.ID, resp.Model, msg, finish, usage)
}

// ResponsesToChatStream converts upstream Responses SSE events into canonical
// Chat chunks.
type ResponsesToChatStream struct {
	responseID string
	model      string
	finished   bool
	toolIdx    int
}

func NewResponsesToChatStream(model string) *ResponsesToChatStream {
	return &ResponsesToChatStream{model: model}
}

// Feed consumes one upstream event payload and returns the chat-chunk frames
// it maps to.
func (s *ResponsesToChatStream) Feed(data string) ([]Frame, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	if data == "[DONE]" {
		return s.Finish(), nil
	}
	var evt openai.ResponseEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return nil, fmt.Errorf("llmswitch: parse responses event: %w", err)
	}

	switch evt.Type {
	case "response.created":
		if evt.Response != nil {
			s.responseID = evt.Response.ID
			if evt.Response.Model != "" {
				s.model = evt.Response.Model
			}
		}
		return nil, nil
	case "response.output_text.delta":
		if evt.Delta == "" {
			return nil, nil
		}
		return []Frame{s.chunk(openai.ChatMessageDelta{Content: evt.Delta}, "")}, nil
	case "response.output_item.done":
		return nil, nil
	case "response.required_action", "response.completed", "response.incomplete":
		frames := s.completedFrames(evt.Response)
		frames = append(frames, s.Finish()...)
		return frames, nil
	case "response.failed", "error":
		return s.Finish(), nil
	default:
		return nil, nil
	}
}

// completedFrames surfaces tool calls carried only on the final object,
// whether in the output items or on required_action.
func (s *ResponsesToChatStream) completedFrames(resp *openai.Response) []Frame {
	if resp == nil {
		return nil
	}
	var frames []Frame
	seen := map[string]bool{}
	emit := func(id, name, args string) {
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		frames = append(frames, s.chunk(openai.ChatMessageDelta{
			ToolCalls: []openai.ToolCallDelta{{
				Index: s.toolIdx,
				ID:    id,
				Type:  "function",
				Function: &openai.ToolFunctionPart{
					Name:      name,
					Arguments: args,
				},
			}},
		}, ""))
		s.toolIdx++
		seen[id] = true
	}
	for _, item := range resp.Output {
		if item.Type != "function_call" {
			continue
		}
		id := item.CallID
		if id == "" {
			id = item.ID
		}
		emit(id, item.Name, item.Arguments)
	}
	if resp.RequiredAction != nil && resp.RequiredAction.SubmitToolOutputs != nil {
		for _, tc := range resp.RequiredAction.SubmitToolOutputs.ToolCalls {
			if seen[tc.ID] {
				continue
			}
			emit(tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
	}
	finish := "stop"
	if s.toolIdx > 0 {
		finish = "tool_calls"
	}
	frames = append(frames, s.chunk(openai.ChatMessageDelta{}, finish))
	return frames
}

func (s *ResponsesToChatStream) chunk(delta openai.ChatMessageDelta, finish string) Frame {
	choice := openai.ChatCompletionChunkChoice{Delta: delta}
	if finish != "" {
		choice.FinishReason = &finish
	}
	c := openai.ChatCompletionChunk{
		ID:      s.responseID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []openai.ChatCompletionChunkChoice{choice},
	}
	raw, _ := json.Marshal(c)
	return Frame{Data: raw}
}

// Finish emits [DONE] exactly once.
func (s *ResponsesToChatStream) Finish() []Frame {
	if s.finished {
		return nil
	}
	s.finished = true
	return []Frame{DoneFrame}
}
