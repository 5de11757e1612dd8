package workflow

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

func TestChunkRunes(t *testing.T) {
	if got := chunkRunes("", 64); got != nil {
		t.Errorf("empty input = %v", got)
	}

	pieces := chunkRunes(strings.Repeat("a", 130), 64)
	if len(pieces) != 3 || len(pieces[0]) != 64 || len(pieces[2]) != 2 {
		t.Errorf("ascii pieces = %v", lengths(pieces))
	}

	// Multi-byte runes never split mid-sequence.
	text := strings.Repeat("日本語テキスト", 30)
	for _, piece := range chunkRunes(text, 64) {
		if !utf8.ValidString(piece) {
			t.Fatalf("invalid UTF-8 piece: %q", piece)
		}
		if utf8.RuneCountInString(piece) > 64 {
			t.Errorf("piece has %d runes", utf8.RuneCountInString(piece))
		}
	}
	if strings.Join(chunkRunes(text, 64), "") != text {
		t.Error("chunks do not reassemble the input")
	}
}

func lengths(ss []string) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		out[i] = len(s)
	}
	return out
}

// parseSSE splits a recorded response body into (event, data) pairs.
func parseSSE(t *testing.T, body string) []llmswitch.Frame {
	t.Helper()
	var frames []llmswitch.Frame
	var cur llmswitch.Frame
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = []byte(strings.TrimPrefix(line, "data: "))
			frames = append(frames, cur)
			cur = llmswitch.Frame{}
		}
	}
	return frames
}

func TestSSEWriterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("proxy buffering not disabled")
	}

	sw.WriteFrame(llmswitch.Frame{Event: "message_start", Data: []byte(`{}`)})
	body := rec.Body.String()
	if !strings.Contains(body, "event: message_start\ndata: {}\n\n") {
		t.Errorf("body = %q", body)
	}
}

func TestSSEWriterHeartbeatOnlyBeforeFirstFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, _ := NewSSEWriter(rec)

	sw.Heartbeat()
	if !strings.Contains(rec.Body.String(), ": keepalive") {
		t.Error("pre-frame heartbeat missing")
	}

	sw.WriteFrame(llmswitch.Frame{Data: []byte("{}")})
	mark := rec.Body.Len()
	sw.Heartbeat()
	if rec.Body.Len() != mark {
		t.Error("heartbeat written after first frame")
	}
	if !sw.WroteFrame() {
		t.Error("WroteFrame = false")
	}
}

func TestSSEWriterErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, _ := NewSSEWriter(rec)
	sw.ErrorFrame(gwerr.New(gwerr.KindRateLimited, "slow down"))

	frames := parseSSE(t, rec.Body.String())
	if len(frames) != 1 || frames[0].Event != "error" {
		t.Fatalf("frames = %+v", frames)
	}
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.Unmarshal(frames[0].Data, &envelope)
	if envelope.Error.Type != "rate_limited" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
}

func TestSynthesizeFrameOrder(t *testing.T) {
	resp := openai.NewCompletionResponse("c1", "m", openai.ChatMessage{
		Role:    "assistant",
		Content: openai.TextContent(strings.Repeat("x", 100)),
		ToolCalls: []openai.ToolCall{{
			ID: "call_1", Type: "function",
			Function: openai.FunctionCall{Name: "shell", Arguments: `{"command":"ls"}`},
		}},
	}, "tool_calls", openai.UsageBreakdown{})

	rec := httptest.NewRecorder()
	sw, _ := NewSSEWriter(rec)
	if err := Synthesize(context.Background(), sw, &resp, Identity(), 0); err != nil {
		t.Fatal(err)
	}

	frames := parseSSE(t, rec.Body.String())
	// role, 2 content slices (100 runes at 64), tool call, finish, [DONE]
	if len(frames) != 6 {
		t.Fatalf("frames = %d", len(frames))
	}

	var chunk openai.ChatCompletionChunk
	json.Unmarshal(frames[0].Data, &chunk)
	if chunk.Choices[0].Delta.Role != "assistant" {
		t.Error("first frame is not the role chunk")
	}

	var assembled string
	for _, f := range frames[1:3] {
		json.Unmarshal(f.Data, &chunk)
		assembled += chunk.Choices[0].Delta.Content
		if chunk.Choices[0].FinishReason != nil {
			t.Error("finish_reason on a content chunk")
		}
	}
	if assembled != strings.Repeat("x", 100) {
		t.Errorf("content = %d bytes", len(assembled))
	}

	json.Unmarshal(frames[3].Data, &chunk)
	tc := chunk.Choices[0].Delta.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Arguments != `{"command":"ls"}` {
		t.Errorf("tool frame = %+v", tc)
	}

	json.Unmarshal(frames[4].Data, &chunk)
	if fr := chunk.Choices[0].FinishReason; fr == nil || *fr != "tool_calls" {
		t.Errorf("finish frame = %v", fr)
	}
	if string(frames[5].Data) != "[DONE]" {
		t.Errorf("terminal = %q", frames[5].Data)
	}
}

func TestSynthesizeRunsFramesThroughAdapter(t *testing.T) {
	resp := openai.NewCompletionResponse("c1", "m", openai.ChatMessage{
		Role:    "assistant",
		Content: openai.TextContent("hi"),
	}, "stop", openai.UsageBreakdown{})

	var sawDone bool
	adapter := Adapter{
		Frame: func(f llmswitch.Frame) ([]llmswitch.Frame, error) {
			if string(f.Data) == "[DONE]" {
				sawDone = true
			}
			return []llmswitch.Frame{{Event: "wrapped", Data: f.Data}}, nil
		},
		Finish: func() []llmswitch.Frame {
			return []llmswitch.Frame{{Event: "closing", Data: []byte("{}")}}
		},
	}

	rec := httptest.NewRecorder()
	sw, _ := NewSSEWriter(rec)
	if err := Synthesize(context.Background(), sw, &resp, adapter, 0); err != nil {
		t.Fatal(err)
	}
	if !sawDone {
		t.Error("[DONE] bypassed the adapter")
	}
	frames := parseSSE(t, rec.Body.String())
	if frames[len(frames)-1].Event != "closing" {
		t.Error("adapter Finish frames not written last")
	}
	for _, f := range frames[:len(frames)-1] {
		if f.Event != "wrapped" {
			t.Errorf("frame bypassed adapter: %+v", f)
		}
	}
}

func TestSynthesizeEmptyChoices(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, _ := NewSSEWriter(rec)
	resp := &openai.ChatCompletionResponse{}
	if err := Synthesize(context.Background(), sw, resp, Identity(), 0); err != nil {
		t.Fatal(err)
	}
	if frames := parseSSE(t, rec.Body.String()); len(frames) != 0 {
		t.Errorf("frames = %+v", frames)
	}
}
