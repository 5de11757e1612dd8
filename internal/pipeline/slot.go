// Package pipeline orchestrates one request through conversion, compat,
// transport and failover.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/routecodex/routecodex/internal/gwerr"
)

// slotTable serializes upstream calls per credential: capacity one, blocked
// callers handed the slot in arrival order. Entries idle past the GC horizon
// are purged.
type slotTable struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
	lastGC  time.Time
}

type slot struct {
	held    bool
	waiters []chan struct{}
	lastUse time.Time
}

const slotIdleHorizon = 5 * time.Minute

func newSlotTable(timeout time.Duration) *slotTable {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &slotTable{
		slots:   map[string]*slot{},
		timeout: timeout,
		lastGC:  time.Now(),
	}
}

// acquire blocks until the credential's slot is free, the wait deadline
// passes (GatewayBusy), or ctx is canceled. Waiters are served first-come
// first-served. The returned release must be called exactly once.
func (t *slotTable) acquire(ctx context.Context, credentialID string) (func(), error) {
	t.mu.Lock()
	s, ok := t.slots[credentialID]
	if !ok {
		s = &slot{}
		t.slots[credentialID] = s
	}
	s.lastUse = time.Now()
	t.gcLocked()
	if !s.held {
		s.held = true
		t.mu.Unlock()
		return t.releaseFunc(s), nil
	}
	grant := make(chan struct{}, 1)
	s.waiters = append(s.waiters, grant)
	t.mu.Unlock()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case <-grant:
		return t.releaseFunc(s), nil
	case <-timer.C:
		t.abandon(s, grant)
		return nil, gwerr.New(gwerr.KindGatewayBusy, "credential %s busy for %s", credentialID, t.timeout)
	case <-ctx.Done():
		t.abandon(s, grant)
		return nil, gwerr.Wrap(gwerr.KindTimeout, ctx.Err(), "slot wait canceled")
	}
}

func (t *slotTable) releaseFunc(s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() { t.release(s) })
	}
}

// release hands the slot to the oldest waiter, or frees it when nobody waits.
func (t *slotTable) release(s *slot) {
	t.mu.Lock()
	s.lastUse = time.Now()
	if len(s.waiters) > 0 {
		grant := s.waiters[0]
		s.waiters = s.waiters[1:]
		t.mu.Unlock()
		grant <- struct{}{}
		return
	}
	s.held = false
	t.mu.Unlock()
}

// abandon removes a waiter that gave up. When the grant already landed the
// slot passes straight to the next waiter.
func (t *slotTable) abandon(s *slot, grant chan struct{}) {
	t.mu.Lock()
	for i, w := range s.waiters {
		if w == grant {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			t.mu.Unlock()
			return
		}
	}
	t.mu.Unlock()
	<-grant
	t.release(s)
}

// gcLocked drops idle, unheld slots. Called with t.mu held, at most once a
// minute.
func (t *slotTable) gcLocked() {
	now := time.Now()
	if now.Sub(t.lastGC) < time.Minute {
		return
	}
	t.lastGC = now
	for k, s := range t.slots {
		if !s.held && len(s.waiters) == 0 && now.Sub(s.lastUse) > slotIdleHorizon {
			delete(t.slots, k)
		}
	}
}
