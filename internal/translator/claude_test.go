package translator

import (
	"encoding/json"
	"testing"

	"github.com/petehsu/kiro-proxy/internal/normalize"
)

func TestParseClaudeSystemAndBlocks(t *testing.T) {
	body := []byte(`{
		"model": "sonnet",
		"max_tokens": 1024,
		"system": [{"type": "text", "text": "be terse"}],
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "look at this"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aWJt"}}
			]},
			{"role": "assistant", "content": [
				{"type": "text", "text": "calling"},
				{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": {"path": "a.go"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": [{"type": "text", "text": "package main"}]}
			]}
		]
	}`)

	req, err := ParseClaude(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != ModelSonnet4 {
		t.Errorf("model = %q", req.Model)
	}
	if req.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", req.MaxTokens)
	}

	// system becomes a leading system message
	if req.Messages[0].Role != normalize.RoleSystem || req.Messages[0].Text() != "be terse" {
		t.Errorf("system message = %#v", req.Messages[0])
	}

	user := req.Messages[1]
	if user.Parts[1].Type != normalize.PartImage || user.Parts[1].ImageMediaType != "image/png" {
		t.Errorf("image part = %#v", user.Parts[1])
	}

	assistant := req.Messages[2]
	if assistant.Parts[1].Type != normalize.PartToolUse || assistant.Parts[1].ToolUseID != "tu_1" {
		t.Errorf("tool use = %#v", assistant.Parts[1])
	}
	if assistant.Parts[1].ToolInput["path"] != "a.go" {
		t.Errorf("tool input = %#v", assistant.Parts[1].ToolInput)
	}

	result := req.Messages[3]
	if result.Parts[0].Type != normalize.PartToolResult || result.Parts[0].ResultContent != "package main" {
		t.Errorf("tool result = %#v", result.Parts[0])
	}
}

func TestParseClaudeToolChoice(t *testing.T) {
	body := []byte(`{"model":"sonnet","messages":[{"role":"user","content":"x"}],
		"tools":[{"name":"t","description":"d","input_schema":{"type":"object"}}],
		"tool_choice":{"type":"tool","name":"t"}}`)
	req, err := ParseClaude(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.ToolChoice.Mode != "tool" || req.ToolChoice.Name != "t" {
		t.Errorf("tool_choice = %#v", req.ToolChoice)
	}
}

func TestBuildClaudeResponse(t *testing.T) {
	resp := &Response{
		Model: "claude-sonnet-4",
		Content: []normalize.Part{
			{Type: normalize.PartText, Text: "here you go"},
			{Type: normalize.PartToolUse, ToolUseID: "tu_2", ToolName: "write_file", ToolInput: map[string]interface{}{"path": "b.go"}},
		},
		InputTokens:  10,
		OutputTokens: 20,
	}

	var decoded ClaudeResponse
	if err := json.Unmarshal(BuildClaudeResponse(resp), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "message" || decoded.Role != "assistant" {
		t.Errorf("envelope = %#v", decoded)
	}
	if len(decoded.Content) != 2 {
		t.Fatalf("content blocks = %d", len(decoded.Content))
	}
	if decoded.Content[1].Type != "tool_use" || decoded.Content[1].Name != "write_file" {
		t.Errorf("tool block = %#v", decoded.Content[1])
	}
	// Missing upstream stop reason falls back to tool_use when tools used.
	if decoded.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", decoded.StopReason)
	}
	if decoded.Usage.InputTokens != 10 || decoded.Usage.OutputTokens != 20 {
		t.Errorf("usage = %#v", decoded.Usage)
	}
}

func TestCountClaudeTokens(t *testing.T) {
	body := []byte(`{"model":"sonnet","messages":[{"role":"user","content":"aaaaaaaa"}]}`)
	req, err := ParseClaude(body)
	if err != nil {
		t.Fatal(err)
	}
	if got := CountClaudeTokens(req); got != 2 {
		t.Errorf("tokens = %d, want 2 (8 chars / 4)", got)
	}
}
