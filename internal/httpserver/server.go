// Package httpserver exposes the gateway's client-facing protocol surface:
// OpenAI Chat Completions, OpenAI Responses and Anthropic Messages on one
// port, plus health and readiness probes.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/ledger"
	"github.com/routecodex/routecodex/internal/logging"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/vault"
)

// Server wires the protocol handlers over the pipeline engine.
type Server struct {
	cfg    *config.Config
	engine *pipeline.Engine
	router *router.Router
	vault  *vault.Vault
	store  ledger.Store
	snap   *snapshot.Sink
	log    *logging.Logger

	httpSrv *http.Server
}

// New builds the server. store may be nil when the ledger is disabled.
func New(cfg *config.Config, engine *pipeline.Engine, rt *router.Router, v *vault.Vault, store ledger.Store, snap *snapshot.Sink, log *logging.Logger) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		router: rt,
		vault:  v,
		store:  store,
		snap:   snap,
		log:    log,
	}
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.snapshotMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/responses", s.handleResponses)
		r.Post("/v1/responses/{id}/submit_tool_outputs", s.handleSubmitToolOutputs)
		r.Post("/v1/messages", s.handleAnthropicMessages)
		r.Get("/v1/usage", s.handleUsage)
	})
	return r
}

// Start runs the listener until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTPServer.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("httpserver: listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

type ctxKey int

const requestIDKey ctxKey = 0

// RequestID returns the request id assigned by the middleware.
func RequestID(r *http.Request) string {
	if v, ok := r.Context().Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("x-request-id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for i := range b {
		b[i] = hex[rand.Intn(len(hex))]
	}
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), b)
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Infof("httpserver: %s %s %d %s request_id=%s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond), RequestID(r))
	})
}

// authMiddleware enforces the server API key when one is configured. Both
// x-api-key and Authorization: Bearer are accepted.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.HTTPServer.APIKey
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("x-api-key")
		if got == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				got = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.writeError(w, r, "openai", gwerr.New(gwerr.KindAuth, "invalid or missing api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError renders err in the entry protocol's error envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, entryProtocol string, err error) {
	status := gwerr.HTTPStatus(err)
	var body []byte
	switch entryProtocol {
	case "anthropic":
		body = gwerr.AnthropicBody(err)
	default:
		body = gwerr.OpenAIBody(err)
	}
	s.log.Warnf("httpserver: %s %s -> %d: %v request_id=%s", r.Method, r.URL.Path, status, err, RequestID(r))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warnf("httpserver: encode response: %v", err)
	}
}
