package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/routecodex/routecodex/internal/logging"
)

// AsyncRecorder buffers writes off the request path. A full buffer drops the
// row rather than blocking a live request.
type AsyncRecorder struct {
	store Store
	ch    chan Entry
	wg    sync.WaitGroup
	log   *logging.Logger
}

// NewAsyncRecorder starts the background writer.
func NewAsyncRecorder(store Store, log *logging.Logger) *AsyncRecorder {
	r := &AsyncRecorder{
		store: store,
		ch:    make(chan Entry, 256),
		log:   log,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record implements the pipeline recorder hook.
func (r *AsyncRecorder) Record(requestID, route, provider, model, status string, promptTokens, completionTokens int, latency time.Duration) {
	e := Entry{
		RequestID:        requestID,
		Route:            route,
		Provider:         provider,
		Model:            model,
		Status:           status,
		PromptTokens:     int64(promptTokens),
		CompletionTokens: int64(completionTokens),
		LatencyMs:        latency.Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warnf("ledger: buffer full, dropping row for %s", requestID)
	}
}

func (r *AsyncRecorder) run() {
	defer r.wg.Done()
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Record(ctx, e); err != nil {
			r.log.Warnf("ledger: record %s: %v", e.RequestID, err)
		}
		cancel()
	}
}

// Close drains pending rows and closes the store.
func (r *AsyncRecorder) Close() error {
	close(r.ch)
	r.wg.Wait()
	return r.store.Close()
}
