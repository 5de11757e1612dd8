package pipeline

import (
	"sync"
	"time"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

// PendingLoop is a paused Responses tool turn awaiting submit_tool_outputs.
// The stored request already contains the full conversation up to the pause.
type PendingLoop struct {
	ResponseID string
	Request    openai.ChatCompletionRequest
	Calls      []openai.ToolCall
	Decision   router.Decision
	Created    time.Time
}

// pendingTable holds paused loops keyed by response id with TTL eviction and
// a hard cap.
type pendingTable struct {
	mu  sync.Mutex
	m   map[string]*PendingLoop
	ttl time.Duration
	max int
}

func newPendingTable(ttl time.Duration, max int) *pendingTable {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 64
	}
	return &pendingTable{m: map[string]*PendingLoop{}, ttl: ttl, max: max}
}

func (t *pendingTable) put(loop *PendingLoop) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	if len(t.m) >= t.max {
		return gwerr.New(gwerr.KindGatewayBusy, "too many pending tool loops (%d)", len(t.m))
	}
	loop.Created = time.Now()
	t.m[loop.ResponseID] = loop
	return nil
}

// take removes and returns the loop; the second call for an id misses.
func (t *pendingTable) take(responseID string) (*PendingLoop, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	loop, ok := t.m[responseID]
	if ok {
		delete(t.m, responseID)
	}
	return loop, ok
}

func (t *pendingTable) evictLocked() {
	cutoff := time.Now().Add(-t.ttl)
	for id, loop := range t.m {
		if loop.Created.Before(cutoff) {
			delete(t.m, id)
		}
	}
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
