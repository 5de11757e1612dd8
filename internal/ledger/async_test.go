package ledger

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/routecodex/routecodex/internal/logging"
)

type memStore struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

func (m *memStore) Record(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memStore) Summary(ctx context.Context, since time.Time) (Summary, error) {
	return Summary{}, nil
}

func (m *memStore) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	return nil, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestAsyncRecorderFlushesOnClose(t *testing.T) {
	store := &memStore{}
	rec := NewAsyncRecorder(store, logging.New(io.Discard, "error"))

	rec.Record("req_1", "default", "p1", "m", "ok", 10, 5, 120*time.Millisecond)
	rec.Record("req_2", "tool_use", "p2", "n", "error", 3, 0, time.Second)
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.entries) != 2 {
		t.Fatalf("entries = %d", len(store.entries))
	}
	e := store.entries[0]
	if e.RequestID != "req_1" || e.PromptTokens != 10 || e.LatencyMs != 120 {
		t.Errorf("entry = %+v", e)
	}
	if e.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
	if !store.closed {
		t.Error("store not closed")
	}
}
