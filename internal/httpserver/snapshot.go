package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const (
	snapshotRequestLimit  = 1 << 20
	snapshotResponseLimit = 64 << 10
)

// snapshotMiddleware captures the client-side lifecycle of each API request:
// the body on the way in and the status plus body on the way out, filed under
// the entry protocol with providerKey "ingress".
func (s *Server) snapshotMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.snap.Enabled() || !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		proto := entryProtocolFor(r.URL.Path)
		if r.Body != nil {
			head, err := io.ReadAll(io.LimitReader(r.Body, snapshotRequestLimit))
			if err == nil {
				rest := r.Body
				r.Body = readCloser{io.MultiReader(bytes.NewReader(head), rest), rest}
				s.snap.Capture(proto, "ingress", RequestID(r), "client", "request", snapshotPayload(head))
			}
		}
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.snap.Capture(proto, "ingress", RequestID(r), "client", "response", map[string]interface{}{
			"status": rec.statusCode(),
			"body":   snapshotPayload(rec.body.Bytes()),
		})
	})
}

func entryProtocolFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return "anthropic"
	case strings.HasPrefix(path, "/v1/responses"):
		return "responses"
	default:
		return "openai"
	}
}

// snapshotPayload keeps JSON bodies structured in the artifact and falls back
// to a string for anything else, such as an SSE transcript.
func snapshotPayload(body []byte) interface{} {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

type readCloser struct {
	io.Reader
	io.Closer
}

// responseRecorder mirrors the response into a bounded buffer while passing
// writes and flushes through untouched, so streaming handlers behave normally.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if remain := snapshotResponseLimit - r.body.Len(); remain > 0 {
		if len(p) > remain {
			r.body.Write(p[:remain])
		} else {
			r.body.Write(p)
		}
	}
	return r.ResponseWriter.Write(p)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
