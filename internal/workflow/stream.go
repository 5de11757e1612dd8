// Package workflow shapes pipeline results for the client connection: SSE
// pass-through, stream synthesis from JSON, and stream collection into JSON.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/toolgov"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// SSEWriter writes SSE frames to the client with flushing and pre-first-frame
// keepalives.
type SSEWriter struct {
	w          http.ResponseWriter
	flusher    http.Flusher
	wroteFrame bool
}

// NewSSEWriter sets the stream headers. Fails when the connection cannot
// flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, gwerr.New(gwerr.KindBadRequest, "connection does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteFrame emits one frame. A named event gets an event: line.
func (s *SSEWriter) WriteFrame(f llmswitch.Frame) error {
	if f.Event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", f.Event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", f.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	s.wroteFrame = true
	return nil
}

// Heartbeat emits an SSE comment keepalive. Only useful before the first
// real frame; callers stop once WroteFrame reports true.
func (s *SSEWriter) Heartbeat() {
	if s.wroteFrame {
		return
	}
	fmt.Fprint(s.w, ": keepalive\n\n")
	s.flusher.Flush()
}

// WroteFrame reports whether any real frame reached the client.
func (s *SSEWriter) WroteFrame() bool { return s.wroteFrame }

// ErrorFrame renders a typed error as a terminal SSE frame, for failures
// after the stream already started.
func (s *SSEWriter) ErrorFrame(err error) {
	s.WriteFrame(llmswitch.Frame{Event: "error", Data: gwerr.OpenAIBody(err)})
}

// Adapter rewrites canonical chat frames into the entry protocol. Finish
// runs once when the upstream ends, for converters that buffer closing
// state.
type Adapter struct {
	Frame  func(llmswitch.Frame) ([]llmswitch.Frame, error)
	Finish func() []llmswitch.Frame
}

// Identity passes canonical chat frames straight through.
func Identity() Adapter {
	return Adapter{
		Frame:  func(f llmswitch.Frame) ([]llmswitch.Frame, error) { return []llmswitch.Frame{f}, nil },
		Finish: func() []llmswitch.Frame { return nil },
	}
}

// PassThrough pumps the upstream stream to the client, adapting each frame.
// Heartbeats cover the silence before the first upstream frame. Client
// disconnect cancels via ctx.
func PassThrough(ctx context.Context, sw *SSEWriter, stream *pipeline.Stream, adapter Adapter, heartbeatEvery time.Duration) error {
	defer stream.Close()
	if heartbeatEvery <= 0 {
		heartbeatEvery = 10 * time.Second
	}

	type batch struct {
		frames []llmswitch.Frame
		err    error
	}
	frames := make(chan batch, 4)
	go func() {
		defer close(frames)
		for {
			fs, err := stream.Next()
			select {
			case frames <- batch{frames: fs, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return gwerr.Wrap(gwerr.KindTimeout, ctx.Err(), "client disconnected")
		case <-ticker.C:
			sw.Heartbeat()
		case b, ok := <-frames:
			if !ok {
				return writeFrames(sw, adapter.Finish())
			}
			for _, f := range b.frames {
				out, err := adapter.Frame(f)
				if err != nil {
					return err
				}
				if err := writeFrames(sw, out); err != nil {
					return err
				}
			}
			if b.err != nil {
				if b.err == io.EOF {
					return writeFrames(sw, adapter.Finish())
				}
				return b.err
			}
		}
	}
}

func writeFrames(sw *SSEWriter, frames []llmswitch.Frame) error {
	for _, f := range frames {
		if err := sw.WriteFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// Synthesize fabricates an SSE stream from a complete JSON response: role
// first, content in rune-safe slices paced at delta intervals, tool calls
// whole, finish_reason only on the final chunk, then the terminal marker.
func Synthesize(ctx context.Context, sw *SSEWriter, resp *openai.ChatCompletionResponse, adapter Adapter, delta time.Duration) error {
	if len(resp.Choices) == 0 {
		return writeFrames(sw, adapter.Finish())
	}
	choice := resp.Choices[0]
	emit := func(d openai.ChatMessageDelta, finish string) error {
		c := openai.ChatCompletionChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   resp.Model,
		}
		ch := openai.ChatCompletionChunkChoice{Delta: d}
		if finish != "" {
			ch.FinishReason = &finish
		}
		c.Choices = []openai.ChatCompletionChunkChoice{ch}
		raw, _ := json.Marshal(c)
		out, err := adapter.Frame(llmswitch.Frame{Data: raw})
		if err != nil {
			return err
		}
		return writeFrames(sw, out)
	}
	pause := func() error {
		if delta <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return gwerr.Wrap(gwerr.KindTimeout, ctx.Err(), "client disconnected")
		case <-time.After(delta):
			return nil
		}
	}

	if err := emit(openai.ChatMessageDelta{Role: "assistant"}, ""); err != nil {
		return err
	}
	for _, piece := range chunkRunes(choice.Message.Content.Plain(), 64) {
		if err := pause(); err != nil {
			return err
		}
		if err := emit(openai.ChatMessageDelta{Content: piece}, ""); err != nil {
			return err
		}
	}
	for i, tc := range choice.Message.ToolCalls {
		if err := pause(); err != nil {
			return err
		}
		d := openai.ChatMessageDelta{ToolCalls: []openai.ToolCallDelta{{
			Index: i,
			ID:    tc.ID,
			Type:  "function",
			Function: &openai.ToolFunctionPart{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}}}
		if err := emit(d, ""); err != nil {
			return err
		}
	}
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	if err := emit(openai.ChatMessageDelta{}, finish); err != nil {
		return err
	}
	done, err := adapter.Frame(llmswitch.DoneFrame)
	if err != nil {
		return err
	}
	if err := writeFrames(sw, done); err != nil {
		return err
	}
	return writeFrames(sw, adapter.Finish())
}

// chunkRunes splits s into pieces of at most n runes without breaking UTF-8
// sequences.
func chunkRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	var out []string
	var b strings.Builder
	count := 0
	for _, r := range s {
		b.WriteRune(r)
		count++
		if count >= n {
			out = append(out, b.String())
			b.Reset()
			count = 0
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// Collect drains an upstream stream into a complete chat response for
// clients that asked for JSON. No heartbeats: nothing is written until the
// full body exists.
func Collect(ctx context.Context, stream *pipeline.Stream) (*openai.ChatCompletionResponse, error) {
	defer stream.Close()

	var (
		id, model    string
		created      int64
		content      strings.Builder
		reasoning    strings.Builder
		finishReason string
		tools        = map[int]*toolCollect{}
		maxIdx       = -1
	)

	for {
		if ctx.Err() != nil {
			return nil, gwerr.Wrap(gwerr.KindTimeout, ctx.Err(), "client disconnected")
		}
		frames, err := stream.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		for _, f := range frames {
			data := strings.TrimSpace(string(f.Data))
			if data == "" || data == "[DONE]" {
				continue
			}
			var chunk openai.ChatCompletionChunk
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
				continue
			}
			if chunk.ID != "" {
				id = chunk.ID
			}
			if chunk.Model != "" {
				model = chunk.Model
			}
			if chunk.Created != 0 {
				created = chunk.Created
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			content.WriteString(c.Delta.Content)
			reasoning.WriteString(c.Delta.ReasoningContent)
			if c.FinishReason != nil && *c.FinishReason != "" {
				finishReason = *c.FinishReason
			}
			for _, td := range c.Delta.ToolCalls {
				tc, ok := tools[td.Index]
				if !ok {
					tc = &toolCollect{}
					tools[td.Index] = tc
					if td.Index > maxIdx {
						maxIdx = td.Index
					}
				}
				if td.ID != "" {
					tc.id = td.ID
				}
				if td.Function != nil {
					if td.Function.Name != "" {
						tc.name = td.Function.Name
					}
					tc.args.WriteString(td.Function.Arguments)
				}
			}
		}
	}

	msg := openai.ChatMessage{
		Role:             "assistant",
		Content:          openai.TextContent(content.String()),
		ReasoningContent: reasoning.String(),
	}
	for i := 0; i <= maxIdx; i++ {
		tc, ok := tools[i]
		if !ok {
			continue
		}
		args := strings.TrimSpace(tc.args.String())
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:       tc.id,
			Type:     "function",
			Function: openai.FunctionCall{Name: tc.name, Arguments: args},
		})
	}
	if len(msg.ToolCalls) == 0 {
		if call, rest, ok := toolgov.ExtractFromText(content.String()); ok {
			msg.ToolCalls = append(msg.ToolCalls, call)
			msg.Content = openai.TextContent(rest)
			finishReason = "tool_calls"
		}
	}
	for i := range msg.ToolCalls {
		if !toolgov.Governed(msg.ToolCalls[i].Function.Name) {
			continue
		}
		fixed, err := toolgov.Normalize(msg.ToolCalls[i])
		if err != nil {
			return nil, err
		}
		msg.ToolCalls[i] = fixed
	}
	if finishReason == "" {
		if len(msg.ToolCalls) > 0 {
			finishReason = "tool_calls"
		} else {
			finishReason = "stop"
		}
	}

	resp := openai.NewCompletionResponse(id, model, msg, finishReason, openai.UsageBreakdown{})
	if created != 0 {
		resp.Created = created
	}
	return &resp, nil
}

type toolCollect struct {
	id   string
	name string
	args strings.Builder
}
