package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/workflow"
	"github.com/routecodex/routecodex/internal/wire/anthropic"
)

// handleAnthropicMessages serves POST /v1/messages. The request converts to
// the canonical chat form on the way in and back to Anthropic events or a
// Messages object on the way out.
func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	var mreq anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&mreq); err != nil {
		s.writeError(w, r, "anthropic", gwerr.Wrap(gwerr.KindBadRequest, err, "parse request"))
		return
	}

	creq, err := llmswitch.AnthropicToChatRequest(mreq)
	if err != nil {
		s.writeError(w, r, "anthropic", err)
		return
	}
	creq.Model = s.router.ResolveAlias(creq.Model)

	preq := pipeline.Request{
		Chat:          creq,
		EntryProtocol: "anthropic",
		Hint:          r.Header.Get("X-Route-Hint"),
		RequestID:     RequestID(r),
		Stream:        mreq.Stream,
	}

	result, err := s.engine.Execute(r.Context(), preq)
	if err != nil {
		s.writeError(w, r, "anthropic", err)
		return
	}

	if !mreq.Stream {
		cresp, err := s.resolveJSON(r, result)
		if err != nil {
			s.writeError(w, r, "anthropic", err)
			return
		}
		s.respondJSON(w, http.StatusOK, llmswitch.ChatResponseToAnthropic(*cresp, mreq.Model))
		return
	}

	sw, err := workflow.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, "anthropic", err)
		return
	}
	adapter := anthropicAdapter(mreq.Model)
	if result.Stream != nil {
		err = workflow.PassThrough(r.Context(), sw, result.Stream, adapter, s.heartbeatEvery())
	} else {
		err = workflow.Synthesize(r.Context(), sw, result.Response, adapter, s.synthesisDelta())
	}
	if err != nil {
		sw.WriteFrame(llmswitch.Frame{Event: "error", Data: gwerr.AnthropicBody(err)})
	}
}

// anthropicAdapter rewrites canonical chat chunks into Anthropic Messages
// stream events.
func anthropicAdapter(model string) workflow.Adapter {
	conv := llmswitch.NewChatToAnthropicStream(model)
	return workflow.Adapter{
		Frame: func(f llmswitch.Frame) ([]llmswitch.Frame, error) {
			return conv.Feed(string(f.Data))
		},
		Finish: conv.Finish,
	}
}
