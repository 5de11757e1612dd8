package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/routecodex/routecodex/internal/ledger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndSummary(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []ledger.Entry{
		{RequestID: "req_1", Route: "default", Provider: "p1", Model: "m", Status: "ok", PromptTokens: 10, CompletionTokens: 5, CreatedAt: now.Add(-2 * time.Hour)},
		{RequestID: "req_2", Route: "default", Provider: "p1", Model: "m", Status: "ok", PromptTokens: 20, CompletionTokens: 8, CreatedAt: now.Add(-10 * time.Minute)},
		{RequestID: "req_3", Route: "tool_use", Provider: "p2", Model: "n", Status: "error", PromptTokens: 7, CompletionTokens: 0, CreatedAt: now.Add(-time.Minute)},
	}
	for _, e := range rows {
		if err := s.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := s.Summary(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Requests != 2 || summary.PromptTokens != 27 || summary.CompletionTokens != 8 {
		t.Errorf("summary = %+v", summary)
	}

	all, err := s.Summary(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if all.Requests != 3 {
		t.Errorf("all-time requests = %d", all.Requests)
	}
}

func TestListRecentOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"req_old", "req_mid", "req_new"} {
		e := ledger.Entry{
			RequestID: id, Route: "default", Provider: "p1", Model: "m", Status: "ok",
			CreatedAt: now.Add(time.Duration(i-3) * time.Minute),
		}
		if err := s.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d rows", len(recent))
	}
	if recent[0].RequestID != "req_new" || recent[1].RequestID != "req_mid" {
		t.Errorf("order = %s, %s", recent[0].RequestID, recent[1].RequestID)
	}
	if recent[0].ID == 0 {
		t.Error("row id not assigned")
	}
}

func TestListRecentDefaultLimit(t *testing.T) {
	s := newStore(t)
	if _, err := s.ListRecent(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
}

func TestRecordFillsCreatedAt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, ledger.Entry{RequestID: "req_1", Route: "default", Provider: "p", Model: "m", Status: "ok"}); err != nil {
		t.Fatal(err)
	}
	recent, err := s.ListRecent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if recent[0].CreatedAt.IsZero() {
		t.Error("created_at not defaulted")
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(context.Background(), ledger.Entry{RequestID: "req_1", Route: "default", Provider: "p", Model: "m", Status: "ok"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	recent, err := s2.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Errorf("rows after reopen = %d", len(recent))
	}
}
