// Package transport executes upstream provider HTTP calls: auth attach, rate
// limiting, SSE reading and error mapping into the gateway taxonomy.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/logging"
)

// Envelope is the fully-prepared upstream request.
type Envelope struct {
	Method    string
	URL       string
	Headers   http.Header
	Body      []byte
	ExpectSSE bool
}

// Response is the upstream result. Exactly one of Body or Stream is set:
// Stream for SSE responses, Body otherwise.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// Auth carries the resolved credential material for one call.
type Auth struct {
	// Scheme is "bearer", "x-api-key" or "" for unauthenticated upstreams.
	Scheme string
	Token  string
	// Extra headers from the provider profile (anthropic-version, etc).
	Extra map[string]string
	// CredentialID keys the rate-limit bucket.
	CredentialID string
	RPM          int
	Burst        int
}

// Options tune client-wide behavior.
type Options struct {
	Timeout        time.Duration
	MaxIdlePerHost int
	// UAMode "codex" synthesizes codex_cli session headers.
	UAMode             string
	UserAgent          string
	CodexSessionSticky bool
	RateWaitMax        time.Duration
}

// Client is the shared provider HTTP client.
type Client struct {
	http    *http.Client
	opts    Options
	limiter *RateLimiter
	log     *logging.Logger

	sessMu   sync.Mutex
	sessions map[string]codexSession
}

type codexSession struct {
	sessionID      string
	conversationID string
}

// NewClient builds the transport with a pooled http.Client.
func NewClient(opts Options, log *logging.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.MaxIdlePerHost <= 0 {
		opts.MaxIdlePerHost = 8
	}
	// No http.Client.Timeout: it would bound the whole body read and sever
	// long SSE streams. Connect and header waits are capped here; JSON calls
	// get a per-request deadline in Do.
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   opts.MaxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
	}
	return &Client{
		http: &http.Client{
			Transport: tr,
		},
		opts:     opts,
		limiter:  NewRateLimiter(opts.RateWaitMax),
		log:      log,
		sessions: map[string]codexSession{},
	}
}

// Do executes one upstream call. requestID propagates as x-request-id;
// sessionKey keys codex-mode session stickiness (normally the responseId).
func (c *Client) Do(ctx context.Context, env Envelope, auth Auth, requestID, sessionKey string) (*Response, error) {
	if err := c.limiter.Acquire(ctx, auth.CredentialID, auth.RPM, auth.Burst); err != nil {
		return nil, err
	}

	if !env.ExpectSSE && c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	method := env.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, env.URL, bytes.NewReader(env.Body))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindBadRequest, err, "build upstream request")
	}
	for k, vs := range env.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if env.ExpectSSE {
		req.Header.Set("Accept", "text/event-stream")
	}
	if requestID != "" && req.Header.Get("x-request-id") == "" {
		req.Header.Set("x-request-id", requestID)
	}

	switch strings.ToLower(auth.Scheme) {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "x-api-key":
		req.Header.Set("x-api-key", auth.Token)
	}
	for k, v := range auth.Extra {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	c.applyUserAgent(req, sessionKey)

	c.log.Debugf("transport: %s %s request_id=%s sse=%v", method, env.URL, requestID, env.ExpectSSE)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gwerr.Wrap(gwerr.KindTimeout, err, "upstream call canceled")
		}
		return nil, gwerr.Wrap(gwerr.KindUpstreamTransient, err, "upstream call failed")
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, mapUpstreamError(resp, body)
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header}
	if env.ExpectSSE && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		out.Stream = resp.Body
		return out, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, gwerr.Wrap(gwerr.KindTimeout, err, "upstream body timed out")
		}
		return nil, gwerr.Wrap(gwerr.KindUpstreamTransient, err, "read upstream body")
	}
	out.Body = body
	return out, nil
}

func (c *Client) applyUserAgent(req *http.Request, sessionKey string) {
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if c.opts.UAMode != "codex" {
		return
	}
	sess := c.codexSessionFor(sessionKey)
	if req.Header.Get("session_id") == "" {
		req.Header.Set("session_id", sess.sessionID)
	}
	if req.Header.Get("conversation_id") == "" {
		req.Header.Set("conversation_id", sess.conversationID)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "codex_cli_rs")
	}
}

func (c *Client) codexSessionFor(key string) codexSession {
	newSession := func() codexSession {
		return codexSession{
			sessionID:      "codex_cli_session_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
			conversationID: "codex_cli_conversation_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		}
	}
	if !c.opts.CodexSessionSticky || key == "" {
		return newSession()
	}
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if sess, ok := c.sessions[key]; ok {
		return sess
	}
	sess := newSession()
	c.sessions[key] = sess
	return sess
}

// ForgetSession drops a sticky codex session, called when a tool loop ends.
func (c *Client) ForgetSession(key string) {
	c.sessMu.Lock()
	delete(c.sessions, key)
	c.sessMu.Unlock()
}

func mapUpstreamError(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	preview := string(body)
	if len(preview) > 512 {
		preview = preview[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gwerr.New(gwerr.KindAuth, "upstream auth failed: %d %s", status, preview)
	case status == http.StatusTooManyRequests:
		e := gwerr.New(gwerr.KindRateLimited, "upstream rate limited: %s", preview)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil {
				e.RetryAfterSec = sec
			}
		}
		return e
	case status >= 500:
		return gwerr.New(gwerr.KindUpstreamTransient, "upstream %d: %s", status, preview)
	default:
		if reason := bodyDeclaredReason(body); reason != "" {
			if reason == "MALFORMED_FUNCTION_CALL" {
				return gwerr.New(gwerr.KindToolShape, "upstream rejected tool call: %s", preview).WithReason("malformed_function_call")
			}
			return gwerr.New(gwerr.KindUpstreamRejected, "upstream %d: %s", status, preview).WithReason(reason)
		}
		return gwerr.New(gwerr.KindUpstreamRejected, "upstream %d: %s", status, preview)
	}
}

// bodyDeclaredReason pulls a provider error code out of the usual envelopes.
func bodyDeclaredReason(body []byte) string {
	for _, path := range []string{
		"error.code",
		"error.type",
		"promptFeedback.blockReason",
		"candidates.0.finishReason",
	} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			s := v.String()
			if s != "" && s != "STOP" {
				return s
			}
		}
	}
	return ""
}

// Limiter exposes the shared rate limiter for pre-flight checks.
func (c *Client) Limiter() *RateLimiter { return c.limiter }
