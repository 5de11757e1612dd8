package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/workflow"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// handleChatCompletions serves POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, "openai", gwerr.Wrap(gwerr.KindBadRequest, err, "parse request"))
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, r, "openai", gwerr.New(gwerr.KindBadRequest, "messages must not be empty"))
		return
	}
	req.Model = s.router.ResolveAlias(req.Model)

	preq := pipeline.Request{
		Chat:          req,
		EntryProtocol: "openai",
		Hint:          r.Header.Get("X-Route-Hint"),
		RequestID:     RequestID(r),
		Stream:        req.Stream,
	}

	result, err := s.engine.Execute(r.Context(), preq)
	if err != nil {
		s.writeError(w, r, "openai", err)
		return
	}

	if !req.Stream {
		resp, err := s.resolveJSON(r, result)
		if err != nil {
			s.writeError(w, r, "openai", err)
			return
		}
		s.respondJSON(w, http.StatusOK, resp)
		return
	}

	sw, err := workflow.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, "openai", err)
		return
	}
	if result.Stream != nil {
		err = workflow.PassThrough(r.Context(), sw, result.Stream, workflow.Identity(), s.heartbeatEvery())
	} else {
		err = workflow.Synthesize(r.Context(), sw, result.Response, workflow.Identity(), s.synthesisDelta())
	}
	if err != nil {
		sw.ErrorFrame(err)
	}
}

// resolveJSON flattens a pipeline result into a complete response, collecting
// the stream when the upstream insisted on SSE.
func (s *Server) resolveJSON(r *http.Request, result *pipeline.Result) (*openai.ChatCompletionResponse, error) {
	if result.Response != nil {
		return result.Response, nil
	}
	return workflow.Collect(r.Context(), result.Stream)
}

func (s *Server) heartbeatEvery() time.Duration {
	return time.Duration(s.cfg.Pipeline.PreHeartbeatMs) * time.Millisecond
}

func (s *Server) synthesisDelta() time.Duration {
	return time.Duration(s.cfg.Pipeline.StreamingSynthesisDeltaMs) * time.Millisecond
}
