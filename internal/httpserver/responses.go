package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/workflow"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

func newResponseID() string {
	return "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// handleResponses serves POST /v1/responses. Tool calls pause the turn: the
// response carries required_action and the conversation state parks in the
// pending table until submit_tool_outputs.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var rr openai.ResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		s.writeError(w, r, "openai", gwerr.Wrap(gwerr.KindBadRequest, err, "parse request"))
		return
	}

	creq := rr.ToChatCompletionRequest()
	if len(creq.Messages) == 0 {
		s.writeError(w, r, "openai", gwerr.New(gwerr.KindBadRequest, "input must not be empty"))
		return
	}
	creq.Model = s.router.ResolveAlias(creq.Model)

	responseID := newResponseID()
	preq := pipeline.Request{
		Chat:          creq,
		EntryProtocol: "responses",
		Hint:          r.Header.Get("X-Route-Hint"),
		RequestID:     RequestID(r),
		SessionKey:    responseID,
		Stream:        rr.Stream,
	}

	result, err := s.engine.Execute(r.Context(), preq)
	if err != nil {
		s.writeError(w, r, "openai", err)
		return
	}
	s.finishResponsesTurn(w, r, preq, result, responseID, rr.Stream)
}

// handleSubmitToolOutputs serves POST /v1/responses/{id}/submit_tool_outputs:
// the continuation half of a paused tool loop. The second upstream call stays
// on the target the loop started on.
func (s *Server) handleSubmitToolOutputs(w http.ResponseWriter, r *http.Request) {
	responseID := chi.URLParam(r, "id")
	var body struct {
		ToolOutputs []openai.ResponseToolOutput `json:"tool_outputs"`
		Stream      bool                        `json:"stream,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, "openai", gwerr.Wrap(gwerr.KindBadRequest, err, "parse request"))
		return
	}
	if len(body.ToolOutputs) == 0 {
		s.writeError(w, r, "openai", gwerr.New(gwerr.KindBadRequest, "tool_outputs must not be empty"))
		return
	}

	loop, ok := s.engine.TakePending(responseID)
	if !ok {
		s.writeError(w, r, "openai", gwerr.New(gwerr.KindBadRequest, "no pending tool loop for %s", responseID).WithReason("unknown_response_id"))
		return
	}

	creq := llmswitch.AppendToolOutputs(loop.Request, loop.Calls, body.ToolOutputs)
	preq := pipeline.Request{
		Chat:          creq,
		EntryProtocol: "responses",
		Hint:          "",
		RequestID:     RequestID(r),
		SessionKey:    responseID,
		Stream:        body.Stream,
	}

	result, err := s.engine.ExecuteWithDecision(r.Context(), preq, loop.Decision)
	if err != nil {
		s.writeError(w, r, "openai", err)
		return
	}
	s.finishResponsesTurn(w, r, preq, result, responseID, body.Stream)
}

// finishResponsesTurn renders one turn's outcome, parking the loop again when
// the model asked for more tools.
func (s *Server) finishResponsesTurn(w http.ResponseWriter, r *http.Request, preq pipeline.Request, result *pipeline.Result, responseID string, stream bool) {
	park := func(calls []openai.ToolCall) error {
		return s.engine.PutPending(&pipeline.PendingLoop{
			ResponseID: responseID,
			Request:    preq.Chat,
			Calls:      calls,
			Decision:   result.Decision,
		})
	}

	if !stream {
		cresp, err := s.resolveJSON(r, result)
		if err != nil {
			s.writeError(w, r, "openai", err)
			return
		}
		out := llmswitch.ChatResponseToResponses(*cresp, responseID, preq.Chat.Model)
		if out.RequiredAction != nil {
			if err := park(out.RequiredAction.SubmitToolOutputs.ToolCalls); err != nil {
				s.writeError(w, r, "openai", err)
				return
			}
		} else {
			s.engine.ForgetSession(responseID)
		}
		s.respondJSON(w, http.StatusOK, out)
		return
	}

	sw, err := workflow.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, "openai", err)
		return
	}
	adapter, parked := s.responsesAdapter(responseID, preq.Chat.Model, park)
	if result.Stream != nil {
		err = workflow.PassThrough(r.Context(), sw, result.Stream, adapter, s.heartbeatEvery())
	} else {
		err = workflow.Synthesize(r.Context(), sw, result.Response, adapter, s.synthesisDelta())
	}
	if err != nil {
		sw.ErrorFrame(err)
		return
	}
	if !*parked {
		s.engine.ForgetSession(responseID)
	}
}

// responsesAdapter converts canonical chat frames into Responses events. On
// the terminal marker a tool turn becomes required_action and the loop parks;
// a plain turn completes.
func (s *Server) responsesAdapter(responseID, model string, park func([]openai.ToolCall) error) (workflow.Adapter, *bool) {
	conv := llmswitch.NewChatToResponsesStream(responseID, model)
	parked := new(bool)
	done := false
	terminal := func() ([]llmswitch.Frame, error) {
		if done {
			return nil, nil
		}
		done = true
		if conv.HasToolCalls() {
			calls := conv.ToolCalls()
			if err := park(calls); err != nil {
				return nil, err
			}
			*parked = true
			return []llmswitch.Frame{conv.RequiredActionFrame(calls)}, nil
		}
		return conv.Finish(), nil
	}
	return workflow.Adapter{
		Frame: func(f llmswitch.Frame) ([]llmswitch.Frame, error) {
			if strings.TrimSpace(string(f.Data)) == "[DONE]" {
				return terminal()
			}
			return conv.Feed(string(f.Data))
		},
		Finish: func() []llmswitch.Frame {
			frames, _ := terminal()
			return frames
		},
	}, parked
}
