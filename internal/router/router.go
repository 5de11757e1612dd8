package router

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/logging"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Route        string
	Primary      Target
	Alternatives []Target
}

// Router classifies requests and balances them over per-route target pools.
type Router struct {
	classifier *Classifier
	balancers  map[string]*Balancer
	aliases    map[string]string
	log        *logging.Logger

	memoWindow time.Duration
	memoMu     sync.Mutex
	memo       map[string]memoEntry
}

type memoEntry struct {
	decision Decision
	at       time.Time
}

// New builds the router from the virtualrouter config section.
func New(cfg *config.Config, log *logging.Logger) (*Router, error) {
	vr := cfg.VirtualRouter
	routes := map[string]bool{}
	balancers := map[string]*Balancer{}
	window := time.Duration(vr.QuarantineWindowSec) * time.Second

	for route, entries := range vr.Routing {
		routes[route] = true
		targets := make([]Target, 0, len(entries))
		for _, e := range entries {
			provider, model, weight, err := config.ParseTarget(e)
			if err != nil {
				return nil, err
			}
			targets = append(targets, Target{Provider: provider, Model: model, Weight: weight})
		}
		balancers[route] = NewBalancer(targets, vr.FailureThreshold, vr.SuccessThreshold, window)
	}

	prefixes := map[string]string{}
	for prefix, route := range vr.ModelAliases {
		// Aliases that name a route act as model-prefix classification rules;
		// plain model renames are resolved before classification.
		if routes[route] {
			prefixes[prefix] = route
		}
	}

	return &Router{
		classifier: NewClassifier(vr.Classification.LongContextThreshold, prefixes, routes),
		balancers:  balancers,
		aliases:    vr.ModelAliases,
		log:        log,
		memoWindow: time.Duration(vr.DecisionMemoWindowMs) * time.Millisecond,
		memo:       map[string]memoEntry{},
	}, nil
}

// ResolveAlias maps a client-facing model name onto its configured upstream
// name, identity when no alias exists.
func (r *Router) ResolveAlias(model string) string {
	if to, ok := r.aliases[model]; ok && to != "" {
		return to
	}
	return model
}

// Route classifies the request and picks a target. Identical requests within
// the memo window reuse the previous decision so multi-call tool loops stay
// on one provider.
func (r *Router) Route(req *openai.ChatCompletionRequest, hint string) (Decision, error) {
	route := r.classifier.Classify(req, hint)
	b, ok := r.balancers[route]
	if !ok {
		route = "default"
		b, ok = r.balancers[route]
		if !ok {
			return Decision{}, gwerr.New(gwerr.KindBadRequest, "no default route configured")
		}
	}

	fp := fingerprint(req, route)
	now := time.Now()
	if r.memoWindow > 0 {
		r.memoMu.Lock()
		if e, hit := r.memo[fp]; hit && now.Sub(e.at) < r.memoWindow {
			r.memoMu.Unlock()
			return e.decision, nil
		}
		r.memoMu.Unlock()
	}

	primary, alts := b.Pick()
	d := Decision{Route: route, Primary: primary, Alternatives: alts}
	r.log.Debugf("router: route=%s target=%s alts=%d", route, primary.Key(), len(alts))

	if r.memoWindow > 0 {
		r.memoMu.Lock()
		r.memo[fp] = memoEntry{decision: d, at: now}
		if len(r.memo) > 512 {
			for k, e := range r.memo {
				if now.Sub(e.at) >= r.memoWindow {
					delete(r.memo, k)
				}
			}
		}
		r.memoMu.Unlock()
	}
	return d, nil
}

// ReportFailure feeds the target's health tracker on the request's route.
func (r *Router) ReportFailure(route string, t Target) {
	if b, ok := r.balancers[route]; ok {
		b.ReportFailure(t.Key())
	}
}

// ReportSuccess feeds the target's health tracker on the request's route.
func (r *Router) ReportSuccess(route string, t Target) {
	if b, ok := r.balancers[route]; ok {
		b.ReportSuccess(t.Key())
	}
}

// TargetState exposes health for readiness reporting.
func (r *Router) TargetState(route string, t Target) (string, bool) {
	b, ok := r.balancers[route]
	if !ok {
		return "", false
	}
	return b.State(t.Key())
}

// fingerprint hashes the stable request shape: model, route and the last
// message. Good enough to recognize retries of one logical call without
// hashing full conversations.
func fingerprint(req *openai.ChatCompletionRequest, route string) string {
	h := sha256.New()
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	if n := len(req.Messages); n > 0 {
		last := req.Messages[n-1]
		h.Write([]byte(last.Role))
		h.Write([]byte{0})
		h.Write([]byte(last.Content.Plain()))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
