package llmswitch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/wire/openai"
)

// ChatResponseToResponses maps the canonical Chat response onto a Responses
// API object. Tool calls become a required_action so the client runs them and
// submits outputs.
func ChatResponseToResponses(resp openai.ChatCompletionResponse, responseID, model string) openai.Response {
	out := openai.NewResponse(responseID, model)
	out.Status = "completed"
	if model == "" {
		out.Model = resp.Model
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if text := choice.Message.Content.Plain(); text != "" {
			out.Output = append(out.Output, openai.ResponseOutput{
				Type: "message",
				Role: "assistant",
				Content: []map[string]interface{}{
					{"type": "output_text", "text": text},
				},
			})
			out.OutputText = text
		}
		if len(choice.Message.ToolCalls) > 0 {
			for _, tc := range choice.Message.ToolCalls {
				out.Output = append(out.Output, openai.ResponseOutput{
					Type:      "function_call",
					ID:        "fc_" + tc.ID,
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			out.Status = "requires_action"
			out.RequiredAction = &openai.RequiredAction{
				Type: "submit_tool_outputs",
				SubmitToolOutputs: &openai.SubmitToolOutputs{
					ToolCalls: choice.Message.ToolCalls,
				},
			}
		}
	}

	out.Usage = &openai.ResponseUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	return out
}

// AppendToolOutputs extends a canonical Chat request with the assistant tool
// calls of the paused turn and the client-supplied outputs, producing the
// continuation request for the second upstream call.
func AppendToolOutputs(req openai.ChatCompletionRequest, calls []openai.ToolCall, outputs []openai.ResponseToolOutput) openai.ChatCompletionRequest {
	if len(calls) > 0 {
		req.Messages = append(req.Messages, openai.ChatMessage{
			Role:      "assistant",
			ToolCalls: calls,
		})
	}
	for _, out := range outputs {
		req.Messages = append(req.Messages, openai.ChatMessage{
			Role:       "tool",
			Content:    openai.TextContent(out.Output),
			ToolCallID: out.ToolCallID,
		})
	}
	return req
}

// ChatToResponsesStream converts canonical Chat chunks into Responses API
// events. Tool calls are assembled across deltas and surfaced as a
// response.required_action event at finish.
type ChatToResponsesStream struct {
	responseID string
	model      string
	created    bool
	finished   bool
	text       strings.Builder
	toolByIdx  map[int]*toolAssembly
	sawTools   bool
}

func NewChatToResponsesStream(responseID, model string) *ChatToResponsesStream {
	return &ChatToResponsesStream{
		responseID: responseID,
		model:      model,
		toolByIdx:  map[int]*toolAssembly{},
	}
}

func (s *ChatToResponsesStream) base() openai.Response {
	resp := openai.NewResponse(s.responseID, s.model)
	resp.CreatedAt = time.Now().Unix()
	return resp
}

// Feed consumes one upstream chat chunk payload.
func (s *ChatToResponsesStream) Feed(data string) ([]Frame, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	if data == "[DONE]" {
		return s.Finish(), nil
	}
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("llmswitch: parse chat chunk: %w", err)
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	var frames []Frame
	if !s.created {
		s.created = true
		resp := s.base()
		frames = append(frames, jsonFrame("response.created", openai.ResponseEvent{
			Type:     "response.created",
			Response: &resp,
		}))
	}

	delta := chunk.Choices[0].Delta
	if delta.Content != "" {
		s.text.WriteString(delta.Content)
		frames = append(frames, jsonFrame("response.output_text.delta", openai.ResponseEvent{
			Type:  "response.output_text.delta",
			Delta: delta.Content,
		}))
	}
	for _, tc := range delta.ToolCalls {
		s.sawTools = true
		b, ok := s.toolByIdx[tc.Index]
		if !ok {
			b = &toolAssembly{}
			s.toolByIdx[tc.Index] = b
		}
		if tc.ID != "" {
			b.id = tc.ID
		}
		if tc.Function != nil {
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				b.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	return frames, nil
}

// ToolCalls returns the assembled tool calls in index order.
func (s *ChatToResponsesStream) ToolCalls() []openai.ToolCall {
	if !s.sawTools {
		return nil
	}
	idxs := make([]int, 0, len(s.toolByIdx))
	for k := range s.toolByIdx {
		idxs = append(idxs, k)
	}
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0 && idxs[j] < idxs[j-1]; j-- {
			idxs[j], idxs[j-1] = idxs[j-1], idxs[j]
		}
	}
	calls := make([]openai.ToolCall, 0, len(idxs))
	for _, idx := range idxs {
		tb := s.toolByIdx[idx]
		args := strings.TrimSpace(tb.args.String())
		if args == "" {
			args = "{}"
		}
		calls = append(calls, openai.ToolCall{
			ID:       tb.id,
			Type:     "function",
			Function: openai.FunctionCall{Name: tb.name, Arguments: args},
		})
	}
	return calls
}

// RequiredActionFrame builds the pause event for an assembled tool turn.
func (s *ChatToResponsesStream) RequiredActionFrame(calls []openai.ToolCall) Frame {
	resp := s.base()
	resp.Status = "requires_action"
	resp.RequiredAction = &openai.RequiredAction{
		Type:              "submit_tool_outputs",
		SubmitToolOutputs: &openai.SubmitToolOutputs{ToolCalls: calls},
	}
	return jsonFrame("response.required_action", openai.ResponseEvent{
		Type:     "response.required_action",
		Response: &resp,
	})
}

// HasToolCalls reports whether the stream assembled any tool call.
func (s *ChatToResponsesStream) HasToolCalls() bool { return s.sawTools }

// Finish emits response.completed exactly once.
func (s *ChatToResponsesStream) Finish() []Frame {
	if s.finished {
		return nil
	}
	s.finished = true
	resp := s.base()
	resp.Status = "completed"
	if text := s.text.String(); text != "" {
		resp.Output = append(resp.Output, openai.ResponseOutput{
			Type: "message",
			Role: "assistant",
			Content: []map[string]interface{}{
				{"type": "output_text", "text": text},
			},
		})
		resp.OutputText = text
	}
	return []Frame{jsonFrame("response.completed", openai.ResponseEvent{
		Type:     "response.completed",
		Response: &resp,
	})}
}
