package transport

import (
	"bufio"
	"io"
	"strings"
)

// Event is one parsed SSE frame.
type Event struct {
	Event string
	Data  string
}

// IsTerminal reports whether the frame is a known end-of-stream marker.
func (e Event) IsTerminal() bool {
	if strings.TrimSpace(e.Data) == "[DONE]" {
		return true
	}
	switch e.Event {
	case "response.completed", "message_stop", "done":
		return true
	}
	return false
}

// SSEScanner reads `event:`/`data:` frames from an upstream body,
// reassembling frames split across TCP reads. Comment lines and unknown
// fields are skipped per the SSE spec.
type SSEScanner struct {
	r *bufio.Reader
}

func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next complete frame. io.EOF signals a clean end; a frame
// buffered when EOF hits is returned first.
func (s *SSEScanner) Next() (Event, error) {
	var evt Event
	var dataLines []string
	flush := func() (Event, bool) {
		if len(dataLines) == 0 && evt.Event == "" {
			return Event{}, false
		}
		evt.Data = strings.Join(dataLines, "\n")
		return evt, true
	}
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				line = strings.TrimRight(line, "\r\n")
				if strings.HasPrefix(line, "data:") {
					dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
				}
				if out, ok := flush(); ok {
					return out, nil
				}
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if out, ok := flush(); ok {
				return out, nil
			}
			// Stray blank line before any field; keep reading.
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "event:"):
			evt.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
