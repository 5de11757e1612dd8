package toolgov

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractInvokeMarkup(t *testing.T) {
	content := "I'll run the command now.\n<invoke name=\"exec_command\">\n<parameter name=\"command\">ls -la</parameter>\n</invoke>"
	tc, rest, ok := ExtractFromText(content)
	if !ok {
		t.Fatal("invoke markup not recognized")
	}
	if tc.Function.Name != "exec_command" {
		t.Errorf("name = %q", tc.Function.Name)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
	if args["command"] != "ls -la" {
		t.Errorf("command = %q", args["command"])
	}
	if strings.Contains(rest, "<invoke") {
		t.Errorf("markup left in content: %q", rest)
	}
	if !strings.Contains(rest, "I'll run the command now.") {
		t.Errorf("surrounding prose lost: %q", rest)
	}
}

func TestExtractBracketMarker(t *testing.T) {
	content := "Running it.\n[tool_call:shell] {\"command\":[\"echo\",\"hi\"]}"
	tc, _, ok := ExtractFromText(content)
	if !ok {
		t.Fatal("bracket marker not recognized")
	}
	if tc.Function.Name != "shell" {
		t.Errorf("name = %q", tc.Function.Name)
	}
}

func TestExtractFencedJSONOnlyGoverned(t *testing.T) {
	governed := "```json\n{\"name\":\"apply_patch\",\"arguments\":{\"patch\":\"x\"}}\n```"
	if _, _, ok := ExtractFromText(governed); !ok {
		t.Error("fenced governed call not recognized")
	}

	arbitrary := "```json\n{\"name\":\"my_tool\",\"arguments\":{}}\n```"
	if _, rest, ok := ExtractFromText(arbitrary); ok {
		t.Error("fenced arbitrary object must stay content")
	} else if rest != arbitrary {
		t.Error("content was modified without a match")
	}
}

func TestExtractPlainTextUntouched(t *testing.T) {
	content := "Here is how you would call ls in a shell."
	if _, rest, ok := ExtractFromText(content); ok || rest != content {
		t.Errorf("plain text modified: ok=%v rest=%q", ok, rest)
	}
}

func TestExtractUniqueIDs(t *testing.T) {
	a, _, _ := ExtractFromText("[tool_call:shell] {\"command\":\"a\"}")
	b, _, _ := ExtractFromText("[tool_call:shell] {\"command\":\"b\"}")
	if a.ID == b.ID {
		t.Errorf("extracted call ids collide: %q", a.ID)
	}
}
