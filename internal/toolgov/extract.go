package toolgov

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/routecodex/routecodex/internal/wire/openai"
)

// Some providers embed tool calls inside assistant text instead of the
// tool_calls array. Extraction is strictly opt-in: only the three markup
// shapes below are recognized, anything else leaves the content verbatim.

var (
	invokeRe    = regexp.MustCompile(`(?s)<invoke\s+name="([a-zA-Z0-9_-]+)">(.*?)</invoke>`)
	paramRe     = regexp.MustCompile(`(?s)<parameter\s+name="([a-zA-Z0-9_-]+)">(.*?)</parameter>`)
	bracketRe   = regexp.MustCompile(`(?s)\[tool_call:([a-zA-Z0-9_-]+)\]\s*(\{.*?\})\s*$`)
	fencedRe    = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	callCounter atomic.Int64
)

// ExtractFromText scans assistant content for one embedded tool call. It
// returns the call, the content with the markup removed, and whether a known
// shape matched.
func ExtractFromText(content string) (openai.ToolCall, string, bool) {
	if m := invokeRe.FindStringSubmatch(content); m != nil {
		name := m[1]
		args := map[string]interface{}{}
		for _, pm := range paramRe.FindAllStringSubmatch(m[2], -1) {
			args[pm[1]] = pm[2]
		}
		if Governed(name) || len(args) > 0 {
			raw, err := json.Marshal(args)
			if err == nil {
				rest := strings.TrimSpace(strings.Replace(content, m[0], "", 1))
				return newCall(name, string(raw)), rest, true
			}
		}
	}

	if m := bracketRe.FindStringSubmatch(strings.TrimSpace(content)); m != nil {
		if json.Valid([]byte(m[2])) {
			rest := strings.TrimSpace(strings.Replace(content, m[0], "", 1))
			return newCall(m[1], m[2]), rest, true
		}
	}

	if m := fencedRe.FindStringSubmatch(content); m != nil {
		var obj struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(m[1]), &obj); err == nil && obj.Name != "" && len(obj.Arguments) > 0 {
			// Fenced JSON is only trusted for governed tools; arbitrary
			// fenced objects are regular content.
			if Governed(obj.Name) {
				rest := strings.TrimSpace(strings.Replace(content, m[0], "", 1))
				return newCall(obj.Name, string(obj.Arguments)), rest, true
			}
		}
	}

	return openai.ToolCall{}, content, false
}

func newCall(name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:   fmt.Sprintf("call_txt_%d_%d", time.Now().UnixNano(), callCounter.Add(1)),
		Type: "function",
		Function: openai.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}
