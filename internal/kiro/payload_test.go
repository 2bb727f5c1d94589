package kiro

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/petehsu/kiro-proxy/internal/normalize"
	"github.com/petehsu/kiro-proxy/internal/translator"
)

func decodePayload(t *testing.T, data []byte) Payload {
	t.Helper()
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBuildPayloadSingleTurn(t *testing.T) {
	req := &translator.Request{Model: "claude-sonnet-4"}
	norm := normalize.Result{
		System:   "be brief",
		Messages: []normalize.Message{normalize.TextMessage(normalize.RoleUser, "ping")},
	}

	data, err := BuildPayload(req, norm, "arn:aws:codewhisperer:us-east-1:1:profile/X", "CLI")
	if err != nil {
		t.Fatal(err)
	}
	p := decodePayload(t, data)

	if p.ConversationState.ChatTriggerType != "MANUAL" {
		t.Errorf("chatTriggerType = %q", p.ConversationState.ChatTriggerType)
	}
	if p.ConversationState.ConversationID == "" {
		t.Error("conversationId must be set")
	}
	if p.ProfileArn == "" {
		t.Error("profileArn must be set")
	}

	current := p.ConversationState.CurrentMessage.UserInputMessage
	if current.ModelID != "claude-sonnet-4" || current.Origin != "CLI" {
		t.Errorf("current = %#v", current)
	}
	if !strings.Contains(current.Content, "--- SYSTEM PROMPT ---") || !strings.Contains(current.Content, "be brief") {
		t.Errorf("system prefix missing: %q", current.Content)
	}
	if !strings.Contains(current.Content, "ping") {
		t.Errorf("user content missing: %q", current.Content)
	}
	if len(p.ConversationState.History) != 0 {
		t.Errorf("history = %d", len(p.ConversationState.History))
	}
}

func TestBuildPayloadHistoryAndToolResults(t *testing.T) {
	req := &translator.Request{Model: "claude-sonnet-4"}
	norm := normalize.Result{Messages: []normalize.Message{
		normalize.TextMessage(normalize.RoleUser, "read the file"),
		{Role: normalize.RoleAssistant, Parts: []normalize.Part{
			{Type: normalize.PartToolUse, ToolUseID: "tu_1", ToolName: "read_file", ToolInput: map[string]interface{}{"path": "a.go"}},
		}},
		{Role: normalize.RoleUser, Parts: []normalize.Part{
			{Type: normalize.PartToolResult, ToolUseID: "tu_1", ResultContent: "package main"},
		}},
	}}

	data, err := BuildPayload(req, norm, "", "AI_EDITOR")
	if err != nil {
		t.Fatal(err)
	}
	p := decodePayload(t, data)

	if len(p.ConversationState.History) != 2 {
		t.Fatalf("history = %d", len(p.ConversationState.History))
	}

	assistant := p.ConversationState.History[1].AssistantResponseMessage
	if assistant == nil || len(assistant.ToolUses) != 1 {
		t.Fatalf("assistant history = %#v", assistant)
	}
	// Assistant content must be non-empty even when only tools were used.
	if strings.TrimSpace(assistant.Content) == "" {
		t.Error("assistant history content must not be empty")
	}

	current := p.ConversationState.CurrentMessage.UserInputMessage
	if current.UserInputMessageContext == nil || len(current.UserInputMessageContext.ToolResults) != 1 {
		t.Fatalf("current context = %#v", current.UserInputMessageContext)
	}
	tr := current.UserInputMessageContext.ToolResults[0]
	if tr.ToolUseID != "tu_1" || tr.Status != "success" || tr.Content[0].Text != "package main" {
		t.Errorf("tool result = %#v", tr)
	}
	// Current content falls back to non-empty text.
	if strings.TrimSpace(current.Content) == "" {
		t.Error("current content must not be empty")
	}
}

func TestBuildPayloadToolsAndWebSearch(t *testing.T) {
	req := &translator.Request{
		Model: "claude-sonnet-4",
		Tools: []translator.Tool{
			{Name: "lookup", Description: "", InputSchema: nil},
		},
		WebSearch: true,
	}
	norm := normalize.Result{Messages: []normalize.Message{normalize.TextMessage(normalize.RoleUser, "x")}}

	p := decodePayload(t, mustBuild(t, req, norm))
	tools := p.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.Tools
	if len(tools) != 2 {
		t.Fatalf("tools = %d", len(tools))
	}
	// Empty descriptions and schemas get defaults the upstream accepts.
	if tools[0].ToolSpecification.Description == "" {
		t.Error("empty description must be defaulted")
	}
	if tools[0].ToolSpecification.InputSchema.JSON == nil {
		t.Error("nil schema must be defaulted")
	}
	if tools[1].ToolSpecification.Name != translator.WebSearchToolName {
		t.Errorf("web_search tool = %#v", tools[1].ToolSpecification)
	}
}

func TestBuildPayloadToolChoiceInstruction(t *testing.T) {
	req := &translator.Request{
		Model:      "claude-sonnet-4",
		ToolChoice: translator.ToolChoice{Mode: "any"},
	}
	norm := normalize.Result{Messages: []normalize.Message{normalize.TextMessage(normalize.RoleUser, "x")}}

	p := decodePayload(t, mustBuild(t, req, norm))
	content := p.ConversationState.CurrentMessage.UserInputMessage.Content
	if !strings.Contains(content, "MUST use at least one") {
		t.Errorf("tool_choice instruction missing: %q", content)
	}
}

func TestBuildPayloadInferenceConfig(t *testing.T) {
	temp := 0.3
	req := &translator.Request{Model: "claude-sonnet-4", MaxTokens: 512, Temperature: &temp}
	norm := normalize.Result{Messages: []normalize.Message{normalize.TextMessage(normalize.RoleUser, "x")}}

	p := decodePayload(t, mustBuild(t, req, norm))
	if p.InferenceConfig == nil || p.InferenceConfig.MaxTokens != 512 || p.InferenceConfig.Temperature != 0.3 {
		t.Errorf("inferenceConfig = %#v", p.InferenceConfig)
	}
}

func mustBuild(t *testing.T, req *translator.Request, norm normalize.Result) []byte {
	t.Helper()
	data, err := BuildPayload(req, norm, "", "CLI")
	if err != nil {
		t.Fatal(err)
	}
	return data
}
