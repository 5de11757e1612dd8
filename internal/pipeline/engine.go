package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/routecodex/routecodex/internal/compat"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/logging"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/toolgov"
	"github.com/routecodex/routecodex/internal/transport"
	"github.com/routecodex/routecodex/internal/vault"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// Recorder receives one usage row per finished request.
type Recorder interface {
	Record(requestID, route, provider, model, status string, promptTokens, completionTokens int, latency time.Duration)
}

// Request is one canonical call entering the engine.
type Request struct {
	Chat openai.ChatCompletionRequest
	// EntryProtocol is "openai", "responses" or "anthropic", for snapshots
	// and error rendering.
	EntryProtocol string
	Hint          string
	RequestID     string
	// SessionKey keys codex session stickiness across a tool loop.
	SessionKey string
	Stream     bool
}

// Result carries either a decoded response or a live stream.
type Result struct {
	Decision   router.Decision
	Credential vault.Credential
	Response   *openai.ChatCompletionResponse
	Stream     *Stream
}

// Engine runs the conversion/compat/transport pipeline with failover.
type Engine struct {
	cfg    *config.Config
	router *router.Router
	vault  *vault.Vault
	client *transport.Client
	snap   *snapshot.Sink
	rec    Recorder
	log    *logging.Logger

	slots   *slotTable
	pending *pendingTable

	failoverLimit   int
	rateRetryBudget time.Duration
}

// New wires the engine.
func New(cfg *config.Config, rt *router.Router, v *vault.Vault, client *transport.Client, snap *snapshot.Sink, rec Recorder, log *logging.Logger) *Engine {
	return &Engine{
		cfg:             cfg,
		router:          rt,
		vault:           v,
		client:          client,
		snap:            snap,
		rec:             rec,
		log:             log,
		slots:           newSlotTable(time.Duration(cfg.Pipeline.SlotTimeoutMs) * time.Millisecond),
		pending:         newPendingTable(time.Duration(cfg.Pipeline.PendingToolTTLSec)*time.Second, cfg.Pipeline.MaxPendingToolLoops),
		failoverLimit:   cfg.Pipeline.FailoverLimit,
		rateRetryBudget: time.Duration(cfg.Pipeline.RateRetryBudgetSec) * time.Second,
	}
}

// Execute routes the request and walks the candidate targets until one
// succeeds or the failover budget is spent.
func (e *Engine) Execute(ctx context.Context, preq Request) (*Result, error) {
	decision, err := e.router.Route(&preq.Chat, preq.Hint)
	if err != nil {
		return nil, err
	}
	return e.ExecuteWithDecision(ctx, preq, decision)
}

// ExecuteWithDecision runs the pipeline against a pre-made decision, used by
// tool-loop continuations that must stay on the original target.
func (e *Engine) ExecuteWithDecision(ctx context.Context, preq Request, decision router.Decision) (*Result, error) {
	candidates := append([]router.Target{decision.Primary}, decision.Alternatives...)
	limit := e.failoverLimit + 1
	if limit > len(candidates) {
		limit = len(candidates)
	}

	started := time.Now()
	var lastErr error
	for i := 0; i < limit; i++ {
		target := candidates[i]
		res, err := e.tryTarget(ctx, preq, decision, target)
		if err == nil {
			e.router.ReportSuccess(decision.Route, target)
			res.Decision = decision
			res.Decision.Primary = target
			if res.Response != nil {
				e.record(preq, decision.Route, target, "ok", res.Response, started)
			}
			return res, nil
		}
		lastErr = err
		switch gwerr.KindOf(err) {
		case gwerr.KindBadRequest, gwerr.KindToolShape, gwerr.KindPolicyViolation, gwerr.KindUpstreamRejected, gwerr.KindGatewayBusy:
			// Not the target's fault, or retrying cannot help.
			e.record(preq, decision.Route, target, gwerr.KindOf(err).String(), nil, started)
			return nil, err
		case gwerr.KindTimeout:
			if ctx.Err() != nil {
				return nil, err
			}
		}
		e.router.ReportFailure(decision.Route, target)
		e.log.Warnf("pipeline: target %s failed (%v), %d candidates left", target.Key(), err, limit-i-1)
		e.snap.CaptureReason("failover", gwerr.KindOf(err).String(), preq.RequestID, map[string]interface{}{
			"target": target.Key(),
			"error":  err.Error(),
		})
	}
	if lastErr == nil {
		lastErr = gwerr.New(gwerr.KindUpstreamTransient, "no candidate targets for route %s", decision.Route)
	}
	e.record(preq, decision.Route, decision.Primary, gwerr.KindOf(lastErr).String(), nil, started)
	return nil, lastErr
}

// tryTarget runs one full attempt against a single provider target,
// including the auth-refresh and rate-limit retries that stay on-target.
func (e *Engine) tryTarget(ctx context.Context, preq Request, decision router.Decision, target router.Target) (*Result, error) {
	p, ok := e.cfg.VirtualRouter.Providers[target.Provider]
	if !ok {
		return nil, gwerr.New(gwerr.KindBadRequest, "unknown provider %s", target.Provider)
	}
	d := dialectFor(p.Type)
	profileName := p.Compatibility
	if profileName == "" {
		profileName = p.Type
	}
	profile := compat.Lookup(profileName)

	cred, err := e.vault.GetCredential(target.Provider, target.Model)
	if err != nil {
		return nil, err
	}
	if cred.Type == "oauth" && cred.Token != nil && cred.Token.Expired() {
		if refreshed, rerr := e.vault.Refresh(ctx, cred.ID); rerr == nil {
			cred = refreshed
		}
	}

	release, err := e.slots.acquire(ctx, cred.ID)
	if err != nil {
		return nil, err
	}
	held := true
	defer func() {
		if held {
			release()
		}
	}()

	body, err := e.prepareBody(preq, target, d, profile)
	if err != nil {
		return nil, err
	}
	e.snap.Capture(preq.EntryProtocol, target.Key(), preq.RequestID, "provider", "request", body)

	env := transport.Envelope{
		URL:       joinURL(p.BaseURL, d.path()),
		Body:      body,
		ExpectSSE: preq.Stream,
	}
	auth := buildAuth(p, d, cred, modelRPM(p, target.Model, profile.RateLimitRPM))

	resp, err := e.client.Do(ctx, env, auth, preq.RequestID, preq.SessionKey)
	if err != nil && gwerr.KindOf(err) == gwerr.KindAuth && cred.Type == "oauth" {
		// One in-place retry after a forced refresh.
		if refreshed, rerr := e.vault.Refresh(ctx, cred.ID); rerr == nil {
			cred = refreshed
			auth.Token = cred.BearerValue()
			resp, err = e.client.Do(ctx, env, auth, preq.RequestID, preq.SessionKey)
		}
	}
	if err != nil && gwerr.KindOf(err) == gwerr.KindRateLimited {
		if wait := retryAfter(err); wait > 0 && wait <= e.rateRetryBudget {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, gwerr.Wrap(gwerr.KindTimeout, ctx.Err(), "rate-limit wait canceled")
			case <-timer.C:
			}
			resp, err = e.client.Do(ctx, env, auth, preq.RequestID, preq.SessionKey)
		}
	}
	if err != nil {
		e.vault.MarkFailure(cred.ID, gwerr.KindOf(err).String())
		return nil, err
	}
	e.vault.MarkSuccess(cred.ID)

	if resp.Stream != nil {
		held = false // the stream owns the slot now
		gov := newStreamGovernor(e.snap, preq.RequestID)
		return &Result{
			Credential: cred,
			Stream:     newStream(resp.Stream, d, target.Model, profile, release, gov),
		}, nil
	}

	e.snap.Capture(preq.EntryProtocol, target.Key(), preq.RequestID, "provider", "response", resp.Body)
	normalized, err := profile.ApplyResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	cresp, err := decodeResponse(d, target.Model, normalized)
	if err != nil {
		return nil, err
	}
	if err := e.governResponse(&cresp, preq.RequestID); err != nil {
		return nil, err
	}
	return &Result{Credential: cred, Response: &cresp}, nil
}

// prepareBody serializes the canonical request with the target model, runs
// the compat profile, then encodes the provider dialect.
func (e *Engine) prepareBody(preq Request, target router.Target, d dialect, profile *compat.Profile) ([]byte, error) {
	creq := preq.Chat
	creq.Model = target.Model
	creq.Stream = preq.Stream

	raw, err := json.Marshal(creq)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadRequest, err, "serialize request")
	}
	raw, err = profile.ApplyRequest(raw)
	if err != nil {
		return nil, err
	}
	if d == dialectOpenAI {
		return raw, nil
	}
	var shaped openai.ChatCompletionRequest
	if err := json.Unmarshal(raw, &shaped); err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadRequest, err, "reparse shaped request")
	}
	return encodeRequest(d, shaped)
}

// governResponse canonicalizes governed tool calls and extracts tool calls a
// model emitted as plain text.
func (e *Engine) governResponse(resp *openai.ChatCompletionResponse, requestID string) error {
	for ci := range resp.Choices {
		msg := &resp.Choices[ci].Message

		if len(msg.ToolCalls) == 0 {
			if call, rest, ok := toolgov.ExtractFromText(msg.Content.Plain()); ok {
				msg.ToolCalls = append(msg.ToolCalls, call)
				msg.Content = openai.TextContent(rest)
				resp.Choices[ci].FinishReason = "tool_calls"
			}
		}
		for ti := range msg.ToolCalls {
			tc := &msg.ToolCalls[ti]
			if !toolgov.Governed(tc.Function.Name) {
				continue
			}
			fixed, err := toolgov.Normalize(*tc)
			if err != nil {
				e.snap.CaptureReason("toolgov", gwerr.ReasonOf(err), requestID, map[string]interface{}{
					"tool":      tc.Function.Name,
					"arguments": tc.Function.Arguments,
				})
				return err
			}
			*tc = fixed
		}
	}
	return nil
}

func (e *Engine) record(preq Request, route string, target router.Target, status string, resp *openai.ChatCompletionResponse, started time.Time) {
	if e.rec == nil {
		return
	}
	prompt, completion := 0, 0
	if resp != nil {
		prompt = resp.Usage.PromptTokens
		completion = resp.Usage.CompletionTokens
	}
	e.rec.Record(preq.RequestID, route, target.Provider, target.Model, status, prompt, completion, time.Since(started))
}

func retryAfter(err error) time.Duration {
	var ge *gwerr.Error
	if e, ok := err.(*gwerr.Error); ok {
		ge = e
	}
	if ge == nil || ge.RetryAfterSec <= 0 {
		return 0
	}
	return time.Duration(ge.RetryAfterSec) * time.Second
}

// PutPending parks a paused Responses tool loop.
func (e *Engine) PutPending(loop *PendingLoop) error { return e.pending.put(loop) }

// TakePending claims a paused loop; a second claim for the same id misses.
func (e *Engine) TakePending(responseID string) (*PendingLoop, bool) { return e.pending.take(responseID) }

// ForgetSession drops codex session stickiness when a loop completes.
func (e *Engine) ForgetSession(key string) { e.client.ForgetSession(key) }

// Stream is a live upstream SSE stream already normalized to canonical chat
// chunks, with governed tool calls canonicalized before the finish chunk.
// Close releases the credential slot.
type Stream struct {
	body    io.ReadCloser
	scanner *transport.SSEScanner
	release func()
	gov     *streamGovernor

	dialect   dialect
	anth      *llmswitch.AnthropicToChatStream
	responses *llmswitch.ResponsesToChatStream
	done      bool
}

func newStream(body io.ReadCloser, d dialect, model string, profile *compat.Profile, release func(), gov *streamGovernor) *Stream {
	s := &Stream{
		body:    body,
		scanner: transport.NewSSEScanner(body),
		release: release,
		gov:     gov,
		dialect: d,
	}
	switch d {
	case dialectAnthropic:
		s.anth = llmswitch.NewAnthropicToChatStream(model)
	case dialectResponses:
		s.responses = llmswitch.NewResponsesToChatStream(model)
	}
	return s
}

// Next returns the next batch of canonical chat frames. io.EOF ends the
// stream; an abrupt upstream close still yields the converters' closing
// frames first.
func (s *Stream) Next() ([]llmswitch.Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		evt, err := s.scanner.Next()
		if err != nil {
			s.done = true
			frames, gerr := s.gov.process(s.finishFrames())
			if gerr != nil {
				return nil, gerr
			}
			tail, gerr := s.gov.flush()
			if gerr != nil {
				return nil, gerr
			}
			frames = append(frames, tail...)
			if len(frames) > 0 {
				return frames, nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, gwerr.Wrap(gwerr.KindUpstreamTransient, err, "read upstream stream")
		}
		frames, cerr := s.convert(evt)
		if cerr != nil {
			s.done = true
			return nil, cerr
		}
		frames, cerr = s.gov.process(frames)
		if cerr != nil {
			s.done = true
			return nil, cerr
		}
		if len(frames) > 0 {
			return frames, nil
		}
	}
}

func (s *Stream) convert(evt transport.Event) ([]llmswitch.Frame, error) {
	switch s.dialect {
	case dialectAnthropic:
		return s.anth.Feed(evt.Data)
	case dialectResponses:
		return s.responses.Feed(evt.Data)
	default:
		if evt.Data == "" {
			return nil, nil
		}
		return []llmswitch.Frame{{Data: []byte(evt.Data)}}, nil
	}
}

func (s *Stream) finishFrames() []llmswitch.Frame {
	switch s.dialect {
	case dialectAnthropic:
		return s.anth.Finish()
	case dialectResponses:
		return s.responses.Finish()
	default:
		return nil
	}
}

// Close tears the stream down and frees the credential slot. Safe to call
// more than once.
func (s *Stream) Close() {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
}
