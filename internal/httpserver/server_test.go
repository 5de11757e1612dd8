package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/ledger"
	"github.com/routecodex/routecodex/internal/logging"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/transport"
	"github.com/routecodex/routecodex/internal/vault"
	"github.com/routecodex/routecodex/internal/wire/anthropic"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

type nopRecorder struct{}

func (nopRecorder) Record(requestID, route, provider, model, status string, promptTokens, completionTokens int, latency time.Duration) {
}

// newGateway stands up a full server over one fake upstream.
func newGateway(t *testing.T, upstreamURL string, store ledger.Store, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		VirtualRouter: config.VirtualRouterConfig{
			Providers: map[string]config.ProviderConfig{
				"p1": {
					Type:    "openai",
					BaseURL: upstreamURL,
					Auth:    config.AuthConfig{Type: "apikey", APIKey: "sk-up"},
				},
			},
			Routing: map[string][]string{"default": {"p1.m"}},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.ApplyDefaults()
	log := logging.New(io.Discard, "error")

	rt, err := router.New(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	client := transport.NewClient(transport.Options{Timeout: 10 * time.Second}, log)
	snapDir := cfg.Snapshots.Dir
	if cfg.Snapshots.Disabled {
		snapDir = ""
	}
	snap := snapshot.New(snapDir, cfg.Snapshots.PerReasonCap, log)
	t.Cleanup(snap.Close)
	eng := pipeline.New(cfg, rt, v, client, snap, nopRecorder{}, log)

	srv := httptest.NewServer(New(cfg, eng, rt, v, store, snap, log).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func upstreamChat(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := openai.NewCompletionResponse("chatcmpl-up", "m", openai.ChatMessage{
			Role:    "assistant",
			Content: openai.TextContent(content),
		}, "stop", openai.UsageBreakdown{PromptTokens: 2, CompletionTokens: 4, TotalTokens: 6})
		json.NewEncoder(w).Encode(resp)
	}
}

func postJSON(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestChatCompletionsJSON(t *testing.T) {
	up := httptest.NewServer(upstreamChat("hello from upstream"))
	defer up.Close()
	gw := newGateway(t, up.URL, nil, nil)

	resp := postJSON(t, gw.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("x-request-id") == "" {
		t.Error("no request id header")
	}

	var out openai.ChatCompletionResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Choices[0].Message.Content.Plain() != "hello from upstream" {
		t.Errorf("content = %q", out.Choices[0].Message.Content.Plain())
	}
}

func TestChatCompletionsEmptyMessages(t *testing.T) {
	gw := newGateway(t, "http://127.0.0.1:0", nil, nil)

	resp := postJSON(t, gw.URL+"/v1/chat/completions", `{"model":"m","messages":[]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&envelope)
	if envelope.Error.Type != "bad_request" {
		t.Errorf("error type = %q", envelope.Error.Type)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"streamed\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer up.Close()
	gw := newGateway(t, up.URL, nil, nil)

	resp := postJSON(t, gw.URL+"/v1/chat/completions",
		`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"content":"streamed"`) {
		t.Errorf("body = %q", body)
	}
	if !strings.Contains(string(body), "data: [DONE]") {
		t.Error("terminal marker missing")
	}
}

func TestAuthMiddleware(t *testing.T) {
	up := httptest.NewServer(upstreamChat("ok"))
	defer up.Close()
	gw := newGateway(t, up.URL, nil, func(c *config.Config) {
		c.HTTPServer.APIKey = "gw-secret"
	})

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

	resp := postJSON(t, gw.URL+"/v1/chat/completions", body, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, gw.URL+"/v1/chat/completions", body, http.Header{"x-api-key": {"wrong"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, gw.URL+"/v1/chat/completions", body, http.Header{"x-api-key": {"gw-secret"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("x-api-key: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, gw.URL+"/v1/chat/completions", body, http.Header{"Authorization": {"Bearer gw-secret"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer: status = %d", resp.StatusCode)
	}

	// Probes stay open.
	hresp, err := http.Get(gw.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		t.Errorf("health behind auth: status = %d", hresp.StatusCode)
	}
}

func TestAnthropicMessagesJSON(t *testing.T) {
	up := httptest.NewServer(upstreamChat("bonjour"))
	defer up.Close()
	gw := newGateway(t, up.URL, nil, nil)

	resp := postJSON(t, gw.URL+"/v1/messages",
		`{"model":"m","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out anthropic.MessagesResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Type != "message" || out.Role != "assistant" {
		t.Errorf("envelope = %+v", out)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "bonjour" {
		t.Errorf("content = %+v", out.Content)
	}
	if out.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", out.StopReason)
	}
}

func TestAnthropicMessagesErrorEnvelope(t *testing.T) {
	gw := newGateway(t, "http://127.0.0.1:0", nil, nil)

	resp := postJSON(t, gw.URL+"/v1/messages", `{"model":"m","messages":[]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envelope struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&envelope)
	if envelope.Type != "error" || envelope.Error.Type != "invalid_request_error" {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestAnthropicMessagesStreaming(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"salut\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer up.Close()
	gw := newGateway(t, up.URL, nil, nil)

	resp := postJSON(t, gw.URL+"/v1/messages",
		`{"model":"m","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "message_stop"} {
		if !strings.Contains(string(body), "event: "+event) {
			t.Errorf("missing %s in %q", event, body)
		}
	}
	if !strings.Contains(string(body), "salut") {
		t.Error("content missing from stream")
	}
}

// toolLoopUpstream asks for a tool on the first turn and answers with text
// once the transcript carries a tool result.
func toolLoopUpstream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		for _, m := range req.Messages {
			if m.Role == "tool" {
				upstreamChat("the weather is sunny")(w, r)
				return
			}
		}
		resp := openai.NewCompletionResponse("chatcmpl-t", "m", openai.ChatMessage{
			Role: "assistant",
			ToolCalls: []openai.ToolCall{{
				ID: "call_w1", Type: "function",
				Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"paris"}`},
			}},
		}, "tool_calls", openai.UsageBreakdown{})
		json.NewEncoder(w).Encode(resp)
	}
}

func TestResponsesToolLoop(t *testing.T) {
	up := httptest.NewServer(toolLoopUpstream())
	defer up.Close()
	gw := newGateway(t, up.URL, nil, nil)

	resp := postJSON(t, gw.URL+"/v1/responses",
		`{"model":"m","input":"what is the weather in paris?"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var first openai.Response
	json.NewDecoder(resp.Body).Decode(&first)
	resp.Body.Close()

	if first.Status != "requires_action" || first.RequiredAction == nil {
		t.Fatalf("first turn = %+v", first)
	}
	calls := first.RequiredAction.SubmitToolOutputs.ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "get_weather" {
		t.Fatalf("tool calls = %+v", calls)
	}

	outputs, _ := json.Marshal(map[string]interface{}{
		"tool_outputs": []map[string]string{{"tool_call_id": calls[0].ID, "output": "sunny, 24C"}},
	})
	resp = postJSON(t, gw.URL+"/v1/responses/"+first.ID+"/submit_tool_outputs", string(outputs), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("continuation status = %d", resp.StatusCode)
	}
	var second openai.Response
	json.NewDecoder(resp.Body).Decode(&second)
	resp.Body.Close()

	if second.Status != "completed" {
		t.Errorf("second turn status = %q", second.Status)
	}
	if second.OutputText != "the weather is sunny" {
		t.Errorf("output_text = %q", second.OutputText)
	}

	// The loop is consumed: a second submit misses.
	resp = postJSON(t, gw.URL+"/v1/responses/"+first.ID+"/submit_tool_outputs", string(outputs), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&envelope)
	if envelope.Error.Code != "unknown_response_id" {
		t.Errorf("error code = %q", envelope.Error.Code)
	}
}

func TestResponsesPlainTurn(t *testing.T) {
	up := httptest.NewServer(upstreamChat("direct answer"))
	defer up.Close()
	gw := newGateway(t, up.URL, nil, nil)

	resp := postJSON(t, gw.URL+"/v1/responses", `{"model":"m","input":"hi"}`, nil)
	defer resp.Body.Close()
	var out openai.Response
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Status != "completed" || out.OutputText != "direct answer" {
		t.Errorf("response = %+v", out)
	}
	if !strings.HasPrefix(out.ID, "resp_") {
		t.Errorf("id = %q", out.ID)
	}
}

func TestSubmitToolOutputsValidation(t *testing.T) {
	gw := newGateway(t, "http://127.0.0.1:0", nil, nil)
	resp := postJSON(t, gw.URL+"/v1/responses/resp_x/submit_tool_outputs", `{"tool_outputs":[]}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	gw := newGateway(t, "http://127.0.0.1:0", nil, nil)

	resp, err := http.Get(gw.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
	var health map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&health)
	if health["status"] != "healthy" {
		t.Errorf("health body = %v", health)
	}

	resp, err = http.Get(gw.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready = %d", resp.StatusCode)
	}
}

func TestReadyWithoutDefaultRoute(t *testing.T) {
	gw := newGateway(t, "http://127.0.0.1:0", nil, func(c *config.Config) {
		c.VirtualRouter.Routing = map[string][]string{"tool_use": {"p1.m"}}
	})
	resp, err := http.Get(gw.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "not_ready" {
		t.Errorf("body = %v", body)
	}
}

type fakeStore struct {
	entries []ledger.Entry
}

func (f *fakeStore) Record(ctx context.Context, entry ledger.Entry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeStore) Summary(ctx context.Context, since time.Time) (ledger.Summary, error) {
	return ledger.Summary{Requests: int64(len(f.entries)), PromptTokens: 10, CompletionTokens: 20}, nil
}

func (f *fakeStore) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit > len(f.entries) {
		limit = len(f.entries)
	}
	return f.entries[:limit], nil
}

func (f *fakeStore) Close() error { return nil }

func TestUsageEndpoint(t *testing.T) {
	store := &fakeStore{entries: []ledger.Entry{{RequestID: "req_1", Provider: "p1", Model: "m", Status: "ok"}}}
	gw := newGateway(t, "http://127.0.0.1:0", store, nil)

	resp, err := http.Get(gw.URL + "/v1/usage?hours=1&limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Enabled bool           `json:"enabled"`
		Summary ledger.Summary `json:"summary"`
		Recent  []ledger.Entry `json:"recent"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if !body.Enabled || body.Summary.Requests != 1 || len(body.Recent) != 1 {
		t.Errorf("usage body = %+v", body)
	}
}

func TestUsageDisabled(t *testing.T) {
	gw := newGateway(t, "http://127.0.0.1:0", nil, nil)
	resp, err := http.Get(gw.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if enabled, _ := body["enabled"].(bool); enabled {
		t.Error("usage reported enabled with nil store")
	}
}

func TestClientLifecycleSnapshots(t *testing.T) {
	up := httptest.NewServer(upstreamChat("captured answer"))
	defer up.Close()
	dir := t.TempDir()
	gw := newGateway(t, up.URL, nil, func(c *config.Config) {
		c.Snapshots.Dir = dir
	})

	resp := postJSON(t, gw.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
		http.Header{"x-request-id": {"req_snap_1"}})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	base := filepath.Join(dir, "openai", "ingress", "req_snap_1")
	waitForFile := func(name string) []byte {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			data, err := os.ReadFile(filepath.Join(base, name))
			if err == nil {
				return data
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s never written", name)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	reqSnap := waitForFile("client-request.json")
	if !strings.Contains(string(reqSnap), `"direction": "request"`) {
		t.Errorf("request snapshot = %s", reqSnap)
	}
	if !strings.Contains(string(reqSnap), `"model"`) {
		t.Error("request snapshot missing body")
	}

	respSnap := waitForFile("client-response.json")
	if !strings.Contains(string(respSnap), `"direction": "response"`) {
		t.Errorf("response snapshot = %s", respSnap)
	}
	if !strings.Contains(string(respSnap), "captured answer") {
		t.Error("response snapshot missing body")
	}
}

// streamedPatchUpstream emits an apply_patch call whose arguments carry
// escape-sequence newlines, split across two deltas.
func streamedPatchUpstream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"c1","model":"m","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_ap1","type":"function","function":{"name":"apply_patch","arguments":"{\"patch\":\"*** Begin Patch\\\\n"}}]}}]}` + "\n\n"))
		w.Write([]byte(`data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"+x\\\\n*** End Patch\"}"}}]}}]}` + "\n\n"))
		w.Write([]byte(`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}
}

func TestResponsesStreamingNormalizesToolCalls(t *testing.T) {
	up := httptest.NewServer(streamedPatchUpstream())
	defer up.Close()
	gw := newGateway(t, up.URL, nil, nil)

	resp := postJSON(t, gw.URL+"/v1/responses",
		`{"model":"m","stream":true,"input":"fix the file"}`, nil)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)

	var actionData string
	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		if line == "event: response.required_action" && i+1 < len(lines) {
			actionData = strings.TrimPrefix(lines[i+1], "data: ")
		}
	}
	if actionData == "" {
		t.Fatalf("no required_action event in %q", body)
	}

	var event struct {
		Response openai.Response `json:"response"`
	}
	if err := json.Unmarshal([]byte(actionData), &event); err != nil {
		t.Fatal(err)
	}
	if event.Response.RequiredAction == nil || event.Response.RequiredAction.SubmitToolOutputs == nil {
		t.Fatalf("required_action payload = %s", actionData)
	}
	calls := event.Response.RequiredAction.SubmitToolOutputs.ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "apply_patch" {
		t.Fatalf("tool calls = %+v", calls)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(calls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments %q: %v", calls[0].Function.Arguments, err)
	}
	want := "*** Begin Patch\n+x\n*** End Patch"
	if args["patch"] != want {
		t.Errorf("patch = %q", args["patch"])
	}
	if args["input"] != want {
		t.Errorf("input = %q", args["input"])
	}
}

func TestRequestIDPropagation(t *testing.T) {
	up := httptest.NewServer(upstreamChat("ok"))
	defer up.Close()
	gw := newGateway(t, up.URL, nil, nil)

	resp := postJSON(t, gw.URL+"/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
		http.Header{"x-request-id": {"req_custom_1"}})
	defer resp.Body.Close()
	if got := resp.Header.Get("x-request-id"); got != "req_custom_1" {
		t.Errorf("request id = %q", got)
	}
	var buf bytes.Buffer
	io.Copy(&buf, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d body=%s", resp.StatusCode, buf.String())
	}
}
