package transport

import (
	"io"
	"strings"
	"testing"
)

func TestSSEScannerBasicFrames(t *testing.T) {
	body := "event: message_start\ndata: {\"a\":1}\n\ndata: {\"b\":2}\n\n"
	s := NewSSEScanner(strings.NewReader(body))

	evt, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Event != "message_start" || evt.Data != `{"a":1}` {
		t.Errorf("first frame = %+v", evt)
	}

	evt, err = s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Event != "" || evt.Data != `{"b":2}` {
		t.Errorf("second frame = %+v", evt)
	}

	if _, err := s.Next(); err != io.EOF {
		t.Errorf("end = %v, want EOF", err)
	}
}

func TestSSEScannerMultiLineData(t *testing.T) {
	body := "data: line one\ndata: line two\n\n"
	s := NewSSEScanner(strings.NewReader(body))
	evt, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Data != "line one\nline two" {
		t.Errorf("data = %q", evt.Data)
	}
}

func TestSSEScannerSkipsCommentsAndCRLF(t *testing.T) {
	body := ": keepalive\r\n\r\ndata: ok\r\n\r\n"
	s := NewSSEScanner(strings.NewReader(body))
	evt, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Data != "ok" {
		t.Errorf("data = %q", evt.Data)
	}
}

func TestSSEScannerTrailingFrameAtEOF(t *testing.T) {
	// No blank line after the last frame: it must still surface before EOF.
	body := "data: [DONE]"
	s := NewSSEScanner(strings.NewReader(body))
	evt, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Data != "[DONE]" || !evt.IsTerminal() {
		t.Errorf("trailing frame = %+v", evt)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("after trailing frame = %v", err)
	}
}

func TestEventIsTerminal(t *testing.T) {
	for _, tc := range []struct {
		evt  Event
		want bool
	}{
		{Event{Data: "[DONE]"}, true},
		{Event{Data: " [DONE] "}, true},
		{Event{Event: "response.completed"}, true},
		{Event{Event: "message_stop"}, true},
		{Event{Event: "content_block_delta", Data: "{}"}, false},
		{Event{Data: "{}"}, false},
	} {
		if got := tc.evt.IsTerminal(); got != tc.want {
			t.Errorf("IsTerminal(%+v) = %v", tc.evt, got)
		}
	}
}
