package anthropic

import (
	"encoding/json"
	"testing"
)

func TestContentStringForm(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Content.Blocks) != 1 || msg.Content.Blocks[0].Type != "text" || msg.Content.Blocks[0].Text != "hello" {
		t.Errorf("blocks = %+v", msg.Content.Blocks)
	}

	// Always marshals back as an array of blocks.
	out, _ := json.Marshal(msg.Content)
	if out[0] != '[' {
		t.Errorf("marshaled = %s", out)
	}
}

func TestContentObjectAndArrayForms(t *testing.T) {
	var single Content
	if err := json.Unmarshal([]byte(`{"type":"text","text":"one"}`), &single); err != nil {
		t.Fatal(err)
	}
	if len(single.Blocks) != 1 || single.Blocks[0].Text != "one" {
		t.Errorf("object form = %+v", single.Blocks)
	}

	var arr Content
	raw := `[{"type":"text","text":"a"},{"type":"tool_use","id":"toolu_1","name":"shell","input":{"command":"ls"}}]`
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		t.Fatal(err)
	}
	if len(arr.Blocks) != 2 || arr.Blocks[1].Name != "shell" {
		t.Errorf("array form = %+v", arr.Blocks)
	}
	if arr.Blocks[1].Input["command"] != "ls" {
		t.Errorf("input = %v", arr.Blocks[1].Input)
	}
}

func TestToolResultContentShapes(t *testing.T) {
	// String-valued tool_result content normalizes to a text block.
	var b ContentBlock
	if err := json.Unmarshal([]byte(`{"type":"tool_result","tool_use_id":"toolu_1","content":"exit 0"}`), &b); err != nil {
		t.Fatal(err)
	}
	if b.ToolUseID != "toolu_1" || len(b.Content) != 1 || b.Content[0].Text != "exit 0" {
		t.Errorf("string content = %+v", b)
	}

	var arr ContentBlock
	raw := `{"type":"tool_result","tool_use_id":"toolu_2","is_error":true,"content":[{"type":"text","text":"boom"}]}`
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		t.Fatal(err)
	}
	if !arr.IsError || len(arr.Content) != 1 || arr.Content[0].Text != "boom" {
		t.Errorf("array content = %+v", arr)
	}
}

func TestSystemFieldForms(t *testing.T) {
	var req MessagesRequest
	if err := json.Unmarshal([]byte(`{"model":"m","system":"be brief","messages":[]}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.System.ExtractText() != "be brief" {
		t.Errorf("system = %q", req.System.ExtractText())
	}

	if err := json.Unmarshal([]byte(`{"model":"m","system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[]}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.System.ExtractText() != "ab" {
		t.Errorf("block system = %q", req.System.ExtractText())
	}

	text, _ := json.Marshal(SystemField{Text: "plain"})
	if string(text) != `"plain"` {
		t.Errorf("text marshal = %s", text)
	}
	blocks, _ := json.Marshal(SystemField{Blocks: []ContentBlock{{Type: "text", Text: "x"}}})
	if blocks[0] != '[' {
		t.Errorf("blocks marshal = %s", blocks)
	}
}

func TestSystemFieldIsEmpty(t *testing.T) {
	if !(SystemField{}).IsEmpty() || !(SystemField{Text: "  "}).IsEmpty() {
		t.Error("blank system not empty")
	}
	if (SystemField{Text: "x"}).IsEmpty() {
		t.Error("text system reported empty")
	}
}

func TestHasImage(t *testing.T) {
	req := MessagesRequest{Messages: []Message{
		{Role: "user", Content: Content{Blocks: []ContentBlock{{Type: "text", Text: "look"}}}},
	}}
	if req.HasImage() {
		t.Error("text-only request reports image")
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: Content{Blocks: []ContentBlock{
		{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "AAA"}},
	}}})
	if !req.HasImage() {
		t.Error("image block not detected")
	}
}
