// Package toolgov canonicalizes model-emitted tool calls before they reach
// the client executor. Only tools with a known strict shape are rewritten;
// anything else passes through untouched.
package toolgov

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

const (
	patchBegin = "*** Begin Patch"
	patchEnd   = "*** End Patch"
)

// Governed reports whether the named tool has a strict canonical shape.
func Governed(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "apply_patch", "exec_command", "shell":
		return true
	default:
		return false
	}
}

// Normalize rewrites call.Function.Arguments into the canonical JSON string
// for governed tools. The returned error is a gwerr.Error of kind
// KindToolShape carrying a machine-readable reason.
func Normalize(call openai.ToolCall) (openai.ToolCall, error) {
	switch strings.ToLower(strings.TrimSpace(call.Function.Name)) {
	case "apply_patch":
		args, err := normalizeApplyPatch(call.Function.Arguments)
		if err != nil {
			return call, err
		}
		call.Function.Arguments = args
		return call, nil
	case "exec_command", "shell":
		args, err := normalizeExecCommand(call.Function.Arguments)
		if err != nil {
			return call, err
		}
		call.Function.Arguments = args
		return call, nil
	default:
		return call, nil
	}
}

func shapeErr(reason, format string, args ...interface{}) error {
	return gwerr.New(gwerr.KindToolShape, format, args...).WithReason(reason)
}

// normalizeApplyPatch accepts {patch}, {input}, the structured {file,changes}
// form, or raw patch text, and emits {"patch": text, "input": text} with both
// keys holding the same unified diff.
func normalizeApplyPatch(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", shapeErr("missing_required:patch", "apply_patch arguments empty")
	}

	var text string
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		switch {
		case isString(obj["patch"]):
			text = obj["patch"].(string)
		case isString(obj["input"]):
			text = obj["input"].(string)
		case obj["file"] != nil:
			var err error
			text, err = patchFromStructured(obj)
			if err != nil {
				return "", err
			}
		default:
			return "", shapeErr("missing_required:patch", "apply_patch object has neither patch nor input")
		}
	} else if strings.HasPrefix(raw, patchBegin) {
		// Narrow fallback: the model emitted the patch body directly.
		text = raw
	} else {
		return "", shapeErr("invalid_json", "apply_patch arguments are not JSON: %v", err)
	}

	text = unescapeLiteralNewlines(text)
	text = strings.TrimRight(text, "\n")

	if !strings.HasPrefix(text, patchBegin+"\n") && text != patchBegin {
		if strings.HasPrefix(text, patchBegin) {
			// Envelope present on a single line; force the newline.
			text = patchBegin + "\n" + strings.TrimSpace(strings.TrimPrefix(text, patchBegin))
		} else {
			return "", shapeErr("bad_envelope", "apply_patch text does not start with %q", patchBegin)
		}
	}
	if !strings.HasSuffix(text, patchEnd) {
		return "", shapeErr("bad_envelope", "apply_patch text does not end with %q", patchEnd)
	}
	if hasStitchedKeys(text) {
		return "", shapeErr("stitched_json", "apply_patch text contains embedded JSON keys")
	}

	out, err := json.Marshal(map[string]string{"patch": text, "input": text})
	if err != nil {
		return "", shapeErr("invalid_json", "apply_patch re-encode: %v", err)
	}
	return string(out), nil
}

// patchFromStructured renders the {file, changes[]} form into a unified diff.
func patchFromStructured(obj map[string]interface{}) (string, error) {
	file, _ := obj["file"].(string)
	if strings.TrimSpace(file) == "" {
		return "", shapeErr("missing_required:file", "apply_patch structured form needs file")
	}
	changes, _ := obj["changes"].([]interface{})
	if len(changes) == 0 {
		return "", shapeErr("missing_required:changes", "apply_patch structured form needs changes")
	}
	var b strings.Builder
	b.WriteString(patchBegin + "\n")
	fmt.Fprintf(&b, "*** Update File: %s\n", file)
	for _, c := range changes {
		ch, ok := c.(map[string]interface{})
		if !ok {
			return "", shapeErr("invalid_type", "apply_patch change entry is not an object")
		}
		if ctx, ok := ch["context"].(string); ok && ctx != "" {
			fmt.Fprintf(&b, "@@ %s\n", ctx)
		} else {
			b.WriteString("@@\n")
		}
		if old, ok := ch["old"].(string); ok && old != "" {
			for _, line := range strings.Split(strings.TrimRight(old, "\n"), "\n") {
				fmt.Fprintf(&b, "-%s\n", line)
			}
		}
		if neu, ok := ch["new"].(string); ok && neu != "" {
			for _, line := range strings.Split(strings.TrimRight(neu, "\n"), "\n") {
				fmt.Fprintf(&b, "+%s\n", line)
			}
		}
	}
	b.WriteString(patchEnd)
	return b.String(), nil
}

// normalizeExecCommand requires command to be a non-empty string or a
// non-empty array of strings, under the canonical key "command".
func normalizeExecCommand(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", shapeErr("missing_required:command", "exec_command arguments empty")
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", shapeErr("invalid_json", "exec_command arguments are not JSON: %v", err)
	}
	for _, rejected := range []string{"cmd", "input"} {
		if _, ok := obj[rejected]; ok {
			return "", shapeErr("invalid_type", "exec_command uses rejected key %q", rejected)
		}
	}
	cmd, ok := obj["command"]
	if !ok {
		return "", shapeErr("missing_required:command", "exec_command has no command")
	}
	switch v := cmd.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", shapeErr("missing_required:command", "exec_command command is empty")
		}
	case []interface{}:
		if len(v) == 0 {
			return "", shapeErr("missing_required:command", "exec_command command array is empty")
		}
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", shapeErr("invalid_type", "exec_command command array element is not a string")
			}
			if strings.TrimSpace(s) == "" {
				return "", shapeErr("invalid_type", "exec_command command array element is empty")
			}
		}
	default:
		return "", shapeErr("invalid_type", "exec_command command is %T, want string or []string", cmd)
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return "", shapeErr("invalid_json", "exec_command re-encode: %v", err)
	}
	return string(out), nil
}

// unescapeLiteralNewlines turns literal backslash-n sequences into real
// newlines when the text carries none of its own. Patch bodies that already
// contain real newlines are left alone so legitimate escaped content in
// +/- lines survives.
func unescapeLiteralNewlines(s string) string {
	if strings.Contains(s, "\n") {
		return s
	}
	if !strings.Contains(s, `\n`) {
		return s
	}
	s = strings.ReplaceAll(s, `\r\n`, "\n")
	return strings.ReplaceAll(s, `\n`, "\n")
}

// hasStitchedKeys detects JSON keys accidentally concatenated into the diff,
// the signature of a streaming assembler gluing two argument objects.
func hasStitchedKeys(text string) bool {
	for _, marker := range []string{`","input":"`, `","patch":"`, `"patch":"`, `"input":"`} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func isString(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}
