package toolgov

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/routecodex/routecodex/internal/gwerr"
	"github.com/routecodex/routecodex/internal/wire/openai"
)

func call(name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:       "call_1",
		Type:     "function",
		Function: openai.FunctionCall{Name: name, Arguments: args},
	}
}

func TestGoverned(t *testing.T) {
	for name, want := range map[string]bool{
		"apply_patch":  true,
		"exec_command": true,
		"shell":        true,
		"Apply_Patch":  true,
		"web_search":   false,
		"":             false,
	} {
		if got := Governed(name); got != want {
			t.Errorf("Governed(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNormalizeApplyPatchLiteralNewlines(t *testing.T) {
	// A patch whose newlines arrived as literal \n sequences must be
	// repaired into a real multi-line diff.
	raw := `{"patch":"*** Begin Patch\n*** Update File: a.go\n@@\n-old\n+new\n*** End Patch"}`
	var escaped struct {
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal([]byte(raw), &escaped); err != nil {
		t.Fatal(err)
	}
	// Re-encode with doubled backslashes so the argument string itself holds
	// literal backslash-n, the shape broken clients produce.
	args, _ := json.Marshal(map[string]string{"patch": strings.ReplaceAll(escaped.Patch, "\n", `\n`)})

	fixed, err := Normalize(call("apply_patch", string(args)))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(fixed.Function.Arguments), &out); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if !strings.Contains(out["patch"], "\n-old\n+new\n") {
		t.Errorf("newlines not restored: %q", out["patch"])
	}
	if out["patch"] != out["input"] {
		t.Errorf("patch and input keys differ")
	}
}

func TestNormalizeApplyPatchKeepsRealNewlines(t *testing.T) {
	// Real newlines present: embedded \n escapes inside diff lines survive.
	patch := "*** Begin Patch\n*** Update File: a.go\n@@\n+fmt.Printf(\"a\\nb\")\n*** End Patch"
	args, _ := json.Marshal(map[string]string{"input": patch})

	fixed, err := Normalize(call("apply_patch", string(args)))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	var out map[string]string
	json.Unmarshal([]byte(fixed.Function.Arguments), &out)
	if !strings.Contains(out["patch"], `a\nb`) {
		t.Errorf("escaped newline inside diff line was mangled: %q", out["patch"])
	}
}

func TestNormalizeApplyPatchRawText(t *testing.T) {
	raw := "*** Begin Patch\n*** Add File: b.txt\n+hello\n*** End Patch"
	fixed, err := Normalize(call("apply_patch", raw))
	if err != nil {
		t.Fatalf("Normalize raw patch text: %v", err)
	}
	var out map[string]string
	json.Unmarshal([]byte(fixed.Function.Arguments), &out)
	if out["patch"] != raw {
		t.Errorf("raw patch altered:\n%q\nwant\n%q", out["patch"], raw)
	}
}

func TestNormalizeApplyPatchStructured(t *testing.T) {
	args := `{"file":"main.go","changes":[{"context":"func main","old":"a()","new":"b()"}]}`
	fixed, err := Normalize(call("apply_patch", args))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	var out map[string]string
	json.Unmarshal([]byte(fixed.Function.Arguments), &out)
	for _, want := range []string{"*** Begin Patch", "*** Update File: main.go", "@@ func main", "-a()", "+b()", "*** End Patch"} {
		if !strings.Contains(out["patch"], want) {
			t.Errorf("structured patch missing %q:\n%s", want, out["patch"])
		}
	}
}

func TestNormalizeApplyPatchErrors(t *testing.T) {
	cases := []struct {
		name   string
		args   string
		reason string
	}{
		{"empty", "", "missing_required:patch"},
		{"not json not patch", "hello world", "invalid_json"},
		{"missing envelope start", `{"patch":"diff --git"}`, "bad_envelope"},
		{"missing envelope end", `{"patch":"*** Begin Patch\ntruncated"}`, "bad_envelope"},
		{"stitched", `{"patch":"*** Begin Patch\n+x\n*** End Patch\",\"input\":\"*** Begin Patch\n*** End Patch"}`, "stitched_json"},
		{"no keys", `{"other":1}`, "missing_required:patch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(call("apply_patch", tc.args))
			if err == nil {
				t.Fatal("expected error")
			}
			if gwerr.KindOf(err) != gwerr.KindToolShape {
				t.Errorf("kind = %v, want tool shape", gwerr.KindOf(err))
			}
			if got := gwerr.ReasonOf(err); got != tc.reason {
				t.Errorf("reason = %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestNormalizeExecCommand(t *testing.T) {
	cases := []struct {
		name    string
		args    string
		wantErr string
	}{
		{"string command", `{"command":"ls -la"}`, ""},
		{"array command", `{"command":["ls","-la"],"workdir":"/tmp"}`, ""},
		{"empty string", `{"command":"  "}`, "missing_required:command"},
		{"empty array", `{"command":[]}`, "missing_required:command"},
		{"numeric element", `{"command":["ls",2]}`, "invalid_type"},
		{"rejected cmd key", `{"cmd":"ls"}`, "invalid_type"},
		{"rejected input key", `{"input":"ls","command":"ls"}`, "invalid_type"},
		{"missing command", `{"workdir":"/"}`, "missing_required:command"},
		{"not json", `ls -la`, "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fixed, err := Normalize(call("exec_command", tc.args))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Normalize: %v", err)
				}
				var out map[string]interface{}
				if jerr := json.Unmarshal([]byte(fixed.Function.Arguments), &out); jerr != nil {
					t.Fatalf("output not JSON: %v", jerr)
				}
				if _, ok := out["command"]; !ok {
					t.Error("canonical output lost command key")
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if got := gwerr.ReasonOf(err); got != tc.wantErr {
				t.Errorf("reason = %q, want %q", got, tc.wantErr)
			}
		})
	}
}

func TestNormalizeUngovernedPassthrough(t *testing.T) {
	in := call("web_search", `{"query":`) // broken JSON on purpose
	out, err := Normalize(in)
	if err != nil {
		t.Fatalf("ungoverned tool must pass through: %v", err)
	}
	if out.Function.Arguments != in.Function.Arguments {
		t.Error("ungoverned arguments were modified")
	}
}
