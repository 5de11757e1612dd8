package pipeline

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/toolgov"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// streamGovernor holds tool-call deltas back from a live stream and re-emits
// them whole, canonicalized, before the finish chunk. Governed calls reach
// the client in the same shape whether the upstream streamed or not; frames
// without tool deltas pass through byte-identical.
type streamGovernor struct {
	snap      *snapshot.Sink
	requestID string

	calls  map[int]*toolAssembly
	maxIdx int

	id      string
	model   string
	created int64
}

type toolAssembly struct {
	id   string
	name string
	args strings.Builder
}

func newStreamGovernor(snap *snapshot.Sink, requestID string) *streamGovernor {
	return &streamGovernor{snap: snap, requestID: requestID, calls: map[int]*toolAssembly{}, maxIdx: -1}
}

// process rewrites one batch of canonical chat frames. Tool-call deltas are
// absorbed; the assembled calls flush ahead of the finish chunk or the
// terminal marker, whichever comes first.
func (g *streamGovernor) process(frames []llmswitch.Frame) ([]llmswitch.Frame, error) {
	var out []llmswitch.Frame
	for _, f := range frames {
		data := strings.TrimSpace(string(f.Data))
		if data == "[DONE]" {
			flushed, err := g.flush()
			if err != nil {
				return nil, err
			}
			out = append(out, flushed...)
			out = append(out, f)
			continue
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
			out = append(out, f)
			continue
		}
		g.remember(chunk)
		c := chunk.Choices[0]
		if len(c.Delta.ToolCalls) > 0 {
			g.absorb(c.Delta.ToolCalls)
			c.Delta.ToolCalls = nil
			if c.Delta.Role == "" && c.Delta.Content == "" && c.Delta.ReasoningContent == "" && c.FinishReason == nil {
				continue
			}
			chunk.Choices[0] = c
			raw, _ := json.Marshal(chunk)
			f = llmswitch.Frame{Event: f.Event, Data: raw}
		}
		if c.FinishReason != nil && *c.FinishReason != "" {
			flushed, err := g.flush()
			if err != nil {
				return nil, err
			}
			out = append(out, flushed...)
		}
		out = append(out, f)
	}
	return out, nil
}

func (g *streamGovernor) remember(chunk openai.ChatCompletionChunk) {
	if chunk.ID != "" {
		g.id = chunk.ID
	}
	if chunk.Model != "" {
		g.model = chunk.Model
	}
	if chunk.Created != 0 {
		g.created = chunk.Created
	}
}

func (g *streamGovernor) absorb(deltas []openai.ToolCallDelta) {
	for _, td := range deltas {
		a, ok := g.calls[td.Index]
		if !ok {
			a = &toolAssembly{}
			g.calls[td.Index] = a
			if td.Index > g.maxIdx {
				g.maxIdx = td.Index
			}
		}
		if td.ID != "" {
			a.id = td.ID
		}
		if td.Function != nil {
			if td.Function.Name != "" {
				a.name = td.Function.Name
			}
			a.args.WriteString(td.Function.Arguments)
		}
	}
}

// flush emits the assembled calls as whole deltas in index order. A governed
// call that cannot be canonicalized fails the stream with a ToolShape error.
func (g *streamGovernor) flush() ([]llmswitch.Frame, error) {
	if len(g.calls) == 0 {
		return nil, nil
	}
	var out []llmswitch.Frame
	for i := 0; i <= g.maxIdx; i++ {
		a, ok := g.calls[i]
		if !ok {
			continue
		}
		args := strings.TrimSpace(a.args.String())
		if args == "" {
			args = "{}"
		}
		call := openai.ToolCall{ID: a.id, Type: "function", Function: openai.FunctionCall{Name: a.name, Arguments: args}}
		if toolgov.Governed(call.Function.Name) {
			fixed, err := toolgov.Normalize(call)
			if err != nil {
				g.snap.CaptureReason("toolgov", gwerr.ReasonOf(err), g.requestID, map[string]interface{}{
					"tool":      call.Function.Name,
					"arguments": call.Function.Arguments,
				})
				return nil, err
			}
			call = fixed
		}
		out = append(out, g.toolChunk(call, i))
	}
	g.calls = map[int]*toolAssembly{}
	g.maxIdx = -1
	return out, nil
}

func (g *streamGovernor) toolChunk(call openai.ToolCall, index int) llmswitch.Frame {
	created := g.created
	if created == 0 {
		created = time.Now().Unix()
	}
	c := openai.ChatCompletionChunk{
		ID:      g.id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   g.model,
		Choices: []openai.ChatCompletionChunkChoice{{
			Delta: openai.ChatMessageDelta{ToolCalls: []openai.ToolCallDelta{{
				Index: index,
				ID:    call.ID,
				Type:  "function",
				Function: &openai.ToolFunctionPart{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			}}},
		}},
	}
	raw, _ := json.Marshal(c)
	return llmswitch.Frame{Data: raw}
}
