package llmswitch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/wire/anthropic"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// Frame is one outbound SSE frame. Event may be empty for protocols that only
// use data lines (OpenAI Chat).
type Frame struct {
	Event string
	Data  []byte
}

// DoneFrame is the OpenAI terminal marker.
var DoneFrame = Frame{Data: []byte("[DONE]")}

func jsonFrame(event string, payload interface{}) Frame {
	data, _ := json.Marshal(payload)
	return Frame{Event: event, Data: data}
}

// ChatToAnthropicStream converts canonical Chat chunks into Anthropic
// Messages events. The small carried state handles text block bracketing and
// tool-call assembly across deltas.
type ChatToAnthropicStream struct {
	model       string
	started     bool
	textStarted bool
	textDone    bool
	stopped     bool
	totalText   int
	stopReason  string
	toolByIdx   map[int]*toolAssembly
}

type toolAssembly struct {
	id, name string
	args     strings.Builder
	emitted  bool
}

func NewChatToAnthropicStream(model string) *ChatToAnthropicStream {
	return &ChatToAnthropicStream{model: model, toolByIdx: map[int]*toolAssembly{}}
}

// Feed consumes one upstream chunk (raw data payload of an SSE frame) and
// returns the Anthropic frames it maps to. "[DONE]" produces the terminal
// sequence.
func (s *ChatToAnthropicStream) Feed(data string) ([]Frame, error) {
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
	if !s.started {
		s.started = true
		frames = append(frames, jsonFrame("message_start", map[string]interface{}{
			"type": "message_start",
			"message": map[string]interface{}{
				"id":      fmt.Sprintf("msg_%d", time.Now().UnixNano()),
				"type":    "message",
				"role":    "assistant",
				"model":   s.model,
				"content": []interface{}{},
			},
		}))
	}

	choice := chunk.Choices[0]
	delta := choice.Delta
	if delta.Content != "" {
		if !s.textStarted {
			s.textStarted = true
			frames = append(frames, jsonFrame("content_block_start", map[string]interface{}{
				"type":          "content_block_start",
				"index":         0,
				"content_block": map[string]interface{}{"type": "text", "text": ""},
			}))
		}
		s.totalText += len(delta.Content)
		frames = append(frames, jsonFrame("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]interface{}{"type": "text_delta", "text": delta.Content},
		}))
	}
	for _, tc := range delta.ToolCalls {
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
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		switch *choice.FinishReason {
		case "length":
			s.stopReason = "max_tokens"
		case "tool_calls":
			s.stopReason = "tool_use"
		default:
			s.stopReason = "end_turn"
		}
	}
	return frames, nil
}

// Finish emits the terminal Anthropic sequence. Safe to call after an abrupt
// upstream end; message_stop is always produced exactly once.
func (s *ChatToAnthropicStream) Finish() []Frame {
	if s.stopped {
		return nil
	}
	s.stopped = true

	var frames []Frame
	if !s.started {
		frames = append(frames, jsonFrame("message_start", map[string]interface{}{
			"type": "message_start",
			"message": map[string]interface{}{
				"id":      fmt.Sprintf("msg_%d", time.Now().UnixNano()),
				"type":    "message",
				"role":    "assistant",
				"model":   s.model,
				"content": []interface{}{},
			},
		}))
	}
	if s.textStarted && !s.textDone {
		s.textDone = true
		frames = append(frames, jsonFrame("content_block_stop", map[string]interface{}{
			"type": "content_block_stop", "index": 0,
		}))
	}

	idxs := make([]int, 0, len(s.toolByIdx))
	for k := range s.toolByIdx {
		idxs = append(idxs, k)
	}
	sort.Ints(idxs)
	blockIndex := 0
	if s.textStarted {
		blockIndex = 1
	}
	for _, idx := range idxs {
		tb := s.toolByIdx[idx]
		if tb.emitted {
			continue
		}
		tb.emitted = true
		input := map[string]interface{}{}
		if raw := strings.TrimSpace(tb.args.String()); raw != "" && json.Valid([]byte(raw)) {
			_ = json.Unmarshal([]byte(raw), &input)
		}
		frames = append(frames,
			jsonFrame("content_block_start", map[string]interface{}{
				"type":  "content_block_start",
				"index": blockIndex,
				"content_block": map[string]interface{}{
					"type":  "tool_use",
					"id":    tb.id,
					"name":  tb.name,
					"input": input,
				},
			}),
			jsonFrame("content_block_stop", map[string]interface{}{
				"type": "content_block_stop", "index": blockIndex,
			}),
		)
		blockIndex++
	}

	stopReason := s.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	if len(s.toolByIdx) > 0 && stopReason == "end_turn" {
		stopReason = "tool_use"
	}
	frames = append(frames,
		jsonFrame("message_delta", map[string]interface{}{
			"type":  "message_delta",
			"delta": map[string]interface{}{"stop_reason": stopReason},
			"usage": map[string]int{"output_tokens": s.totalText / 4},
		}),
		jsonFrame("message_stop", map[string]interface{}{"type": "message_stop"}),
	)
	return frames
}

// AnthropicToChatStream converts Anthropic Messages events into canonical
// Chat chunks.
type AnthropicToChatStream struct {
	model       string
	id          string
	roleEmitted bool
	finished    bool
	tools       map[int]*toolAssembly
	// chat tool_calls indices are dense regardless of the Anthropic block
	// index, so remember the mapping.
	toolOrder map[int]int
}

func NewAnthropicToChatStream(model string) *AnthropicToChatStream {
	return &AnthropicToChatStream{
		model:     model,
		id:        fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		tools:     map[int]*toolAssembly{},
		toolOrder: map[int]int{},
	}
}

func (s *AnthropicToChatStream) newChunk() openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []openai.ChatCompletionChunkChoice{{Index: 0}},
	}
}

func (s *AnthropicToChatStream) chatIndex(anthropicIdx int) int {
	if i, ok := s.toolOrder[anthropicIdx]; ok {
		return i
	}
	i := len(s.toolOrder)
	s.toolOrder[anthropicIdx] = i
	return i
}

// Feed consumes one Anthropic event payload and returns chat chunk frames.
func (s *AnthropicToChatStream) Feed(data string) ([]Frame, error) {
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		return nil, nil
	}
	var evt anthropic.StreamEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return nil, fmt.Errorf("llmswitch: parse anthropic event: %w", err)
	}

	var frames []Frame
	emit := func(chunk openai.ChatCompletionChunk) {
		data, _ := json.Marshal(chunk)
		frames = append(frames, Frame{Data: data})
	}

	switch evt.Type {
	case "content_block_start":
		if !strings.EqualFold(evt.ContentBlock.Type, "tool_use") {
			return nil, nil
		}
		state := &toolAssembly{id: evt.ContentBlock.ID, name: evt.ContentBlock.Name}
		s.tools[evt.Index] = state
		chunk := s.newChunk()
		delta := &chunk.Choices[0].Delta
		if !s.roleEmitted {
			delta.Role = "assistant"
			s.roleEmitted = true
		}
		delta.ToolCalls = []openai.ToolCallDelta{{
			Index:    s.chatIndex(evt.Index),
			ID:       state.id,
			Type:     "function",
			Function: &openai.ToolFunctionPart{Name: state.name},
		}}
		emit(chunk)
	case "content_block_delta":
		switch {
		case evt.Delta.Text != "":
			chunk := s.newChunk()
			delta := &chunk.Choices[0].Delta
			if !s.roleEmitted {
				delta.Role = "assistant"
				s.roleEmitted = true
			}
			delta.Content = evt.Delta.Text
			emit(chunk)
		case evt.Delta.Thinking != "":
			chunk := s.newChunk()
			chunk.Choices[0].Delta.ReasoningContent = evt.Delta.Thinking
			emit(chunk)
		case evt.Delta.PartialJSON != "":
			state, ok := s.tools[evt.Index]
			if !ok {
				state = &toolAssembly{}
				s.tools[evt.Index] = state
			}
			state.args.WriteString(evt.Delta.PartialJSON)
			chunk := s.newChunk()
			delta := &chunk.Choices[0].Delta
			if !s.roleEmitted {
				delta.Role = "assistant"
				s.roleEmitted = true
			}
			tc := openai.ToolCallDelta{
				Index:    s.chatIndex(evt.Index),
				Type:     "function",
				Function: &openai.ToolFunctionPart{Arguments: evt.Delta.PartialJSON},
			}
			if state.id != "" {
				tc.ID = state.id
			}
			delta.ToolCalls = []openai.ToolCallDelta{tc}
			emit(chunk)
		}
	case "message_delta":
		if evt.Delta.StopReason == "" {
			return nil, nil
		}
		var finish string
		switch evt.Delta.StopReason {
		case "tool_use":
			finish = "tool_calls"
		case "max_tokens":
			finish = "length"
		default:
			finish = "stop"
		}
		chunk := s.newChunk()
		chunk.Choices[0].FinishReason = &finish
		emit(chunk)
	case "message_stop":
		frames = append(frames, s.Finish()...)
	}
	return frames, nil
}

// Finish emits the terminal [DONE] once.
func (s *AnthropicToChatStream) Finish() []Frame {
	if s.finished {
		return nil
	}
	s.finished = true
	return []Frame{DoneFrame}
}
