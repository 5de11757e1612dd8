package router

import (
	"sort"
	"sync"
	"time"
)

// Target is one provider.model entry of a route pool.
type Target struct {
	Provider string
	Model    string
	Weight   int
}

// Key identifies the target in health bookkeeping.
func (t Target) Key() string { return t.Provider + "." + t.Model }

type healthState int

const (
	healthy healthState = iota
	degraded
	quarantined
)

type targetHealth struct {
	state     healthState
	failures  int
	successes int
	nextRetry time.Time
	lastPick  time.Time
}

// Balancer does smooth weighted round-robin over a route's targets, skipping
// quarantined entries until their retry window opens.
type Balancer struct {
	mu      sync.Mutex
	targets []Target
	current []int // smooth WRR running weights
	health  map[string]*targetHealth

	failureThreshold int
	successThreshold int
	quarantineWindow time.Duration
}

// NewBalancer builds a balancer over the route's targets.
func NewBalancer(targets []Target, failureThreshold, successThreshold int, quarantineWindow time.Duration) *Balancer {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if successThreshold <= 0 {
		successThreshold = 3
	}
	if quarantineWindow <= 0 {
		quarantineWindow = time.Minute
	}
	b := &Balancer{
		targets:          targets,
		current:          make([]int, len(targets)),
		health:           map[string]*targetHealth{},
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		quarantineWindow: quarantineWindow,
	}
	for _, t := range targets {
		b.health[t.Key()] = &targetHealth{state: healthy}
	}
	return b
}

// Pick returns the primary target plus the remaining candidates ordered by
// preference. When every target is quarantined the pool is ordered by next
// retry time so the caller still gets a full candidate list.
func (b *Balancer) Pick() (Target, []Target) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	avail := make([]int, 0, len(b.targets))
	for i, t := range b.targets {
		h := b.health[t.Key()]
		if h.state == quarantined && now.Before(h.nextRetry) {
			continue
		}
		avail = append(avail, i)
	}

	if len(avail) == 0 {
		// Everything is quarantined; order by soonest retry.
		order := make([]int, len(b.targets))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(x, y int) bool {
			hx := b.health[b.targets[order[x]].Key()]
			hy := b.health[b.targets[order[y]].Key()]
			return hx.nextRetry.Before(hy.nextRetry)
		})
		out := make([]Target, len(order))
		for i, idx := range order {
			out[i] = b.targets[idx]
		}
		return out[0], out[1:]
	}

	// Smooth weighted round-robin over the available set.
	total := 0
	best := avail[0]
	for _, i := range avail {
		w := b.targets[i].Weight
		if w <= 0 {
			w = 1
		}
		b.current[i] += w
		total += w
		if b.current[i] > b.current[best] {
			best = i
		} else if b.current[i] == b.current[best] && i != best {
			// Tie-break toward the least recently picked.
			hi := b.health[b.targets[i].Key()]
			hb := b.health[b.targets[best].Key()]
			if hi.lastPick.Before(hb.lastPick) {
				best = i
			}
		}
	}
	b.current[best] -= total
	b.health[b.targets[best].Key()].lastPick = now

	alts := make([]Target, 0, len(avail)-1)
	for _, i := range avail {
		if i != best {
			alts = append(alts, b.targets[i])
		}
	}
	return b.targets[best], alts
}

// ReportFailure records a failed call against the target. Reaching the
// failure threshold quarantines it for the configured window.
func (b *Balancer) ReportFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.health[key]
	if h == nil {
		return
	}
	h.successes = 0
	h.failures++
	if h.failures >= b.failureThreshold {
		h.state = quarantined
		h.nextRetry = time.Now().Add(b.quarantineWindow)
		h.failures = 0
	} else {
		h.state = degraded
	}
}

// ReportSuccess records a successful call. A quarantined target must string
// together the success threshold before it counts as healthy again.
func (b *Balancer) ReportSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.health[key]
	if h == nil {
		return
	}
	h.failures = 0
	h.successes++
	switch h.state {
	case quarantined:
		if h.successes >= b.successThreshold {
			h.state = healthy
			h.successes = 0
			h.nextRetry = time.Time{}
		}
	case degraded:
		h.state = healthy
	}
}

// State reports the target's current health, for diagnostics.
func (b *Balancer) State(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.health[key]
	if !ok {
		return "", false
	}
	switch h.state {
	case quarantined:
		return "quarantined", true
	case degraded:
		return "degraded", true
	default:
		return "healthy", true
	}
}
