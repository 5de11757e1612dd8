// Package snapshot captures per-stage request artifacts to disk. Writes are
// best-effort and asynchronous; the sink never fails or slows a request.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/routecodex/routecodex/internal/logging"
)

// Record is one artifact captured at a stage boundary.
type Record struct {
	RequestID string      `json:"requestId"`
	Stage     string      `json:"stage"`
	Direction string      `json:"direction"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink writes snapshots under
// <root>/<entryProtocol>/<providerKey>/<requestId>/<stage>.json and failure
// samples under <root>/<category>/<reason>/ with a rolling per-reason cap.
type Sink struct {
	root     string
	cap      int
	disabled bool
	log      *logging.Logger

	ch   chan job
	wg   sync.WaitGroup
	once sync.Once
}

type job struct {
	path   string
	capDir string
	data   []byte
}

// New builds a sink rooted at dir. A zero cap means 250. Passing an empty dir
// disables the sink.
func New(dir string, perReasonCap int, log *logging.Logger) *Sink {
	s := &Sink{
		root:     dir,
		cap:      perReasonCap,
		disabled: dir == "",
		log:      log,
		ch:       make(chan job, 256),
	}
	if s.cap <= 0 {
		s.cap = 250
	}
	if !s.disabled {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

// Enabled reports whether the sink writes anywhere. Callers can skip payload
// staging when it does not.
func (s *Sink) Enabled() bool {
	return s != nil && !s.disabled
}

// Capture records a stage artifact for a request. Non-blocking; drops when the
// queue is full.
func (s *Sink) Capture(entryProtocol, providerKey, requestID, stage, direction string, payload interface{}) {
	if s == nil || s.disabled {
		return
	}
	rec := Record{
		RequestID: requestID,
		Stage:     stage,
		Direction: direction,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	name := stage + ".json"
	if direction != "" {
		name = fmt.Sprintf("%s-%s.json", stage, direction)
	}
	path := filepath.Join(s.root, safe(entryProtocol), safe(providerKey), safe(requestID), name)
	s.enqueue(job{path: path, data: data})
}

// CaptureReason records a failure sample under <category>/<reason>, e.g.
// apply_patch/invalid_json. The per-reason directory is capped.
func (s *Sink) CaptureReason(category, reason, requestID string, payload interface{}) {
	if s == nil || s.disabled {
		return
	}
	rec := Record{RequestID: requestID, Stage: category, Direction: reason, Payload: payload, Timestamp: time.Now().UTC()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Join(s.root, safe(category), safe(reason))
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), safe(requestID))
	s.enqueue(job{path: filepath.Join(dir, name), capDir: dir, data: data})
}

func (s *Sink) enqueue(j job) {
	select {
	case s.ch <- j:
	default:
		// Queue full; snapshots are observability, not state of truth.
	}
}

// Close drains pending writes.
func (s *Sink) Close() {
	if s == nil || s.disabled {
		return
	}
	s.once.Do(func() { close(s.ch) })
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for j := range s.ch {
		if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
			s.log.Debugf("snapshot: mkdir: %v", err)
			continue
		}
		if j.capDir != "" {
			s.enforceCap(j.capDir)
		}
		if err := os.WriteFile(j.path, j.data, 0o644); err != nil {
			s.log.Debugf("snapshot: write %s: %v", j.path, err)
		}
	}
}

func (s *Sink) enforceCap(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) < s.cap {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) < s.cap {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-s.cap+1] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

func safe(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
