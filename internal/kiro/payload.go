// Package kiro issues calls against the Kiro upstream (Amazon Q /
// CodeWhisperer generateAssistantResponse) and decodes its AWS
// event-stream responses.
package kiro

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/petehsu/kiro-proxy/internal/normalize"
	"github.com/petehsu/kiro-proxy/internal/translator"
)

// Request payload structs. Field order determines JSON key order.

type Payload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
	InferenceConfig   *InferenceConfig  `json:"inferenceConfig,omitempty"`
}

type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"topP,omitempty"`
}

type ConversationState struct {
	ChatTriggerType string           `json:"chatTriggerType"`
	ConversationID  string           `json:"conversationId"`
	CurrentMessage  CurrentMessage   `json:"currentMessage"`
	History         []HistoryMessage `json:"history,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId,omitempty"`
	Origin                  string                   `json:"origin"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes string `json:"bytes"`
}

type UserInputMessageContext struct {
	ToolResults []ToolResult  `json:"toolResults,omitempty"`
	Tools       []ToolWrapper `json:"tools,omitempty"`
}

type ToolResult struct {
	Content   []TextContent `json:"content"`
	Status    string        `json:"status"`
	ToolUseID string        `json:"toolUseId"`
}

type TextContent struct {
	Text string `json:"text"`
}

type ToolWrapper struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON interface{} `json:"json"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

type ToolUse struct {
	ToolUseID string                 `json:"toolUseId"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
}

// Fallback contents: the upstream rejects empty message content.
const (
	defaultUserContent          = "Continue"
	defaultToolResultContent    = "Tool results provided."
	defaultAssistantContent     = "I understand."
	defaultAssistantWithTools   = "I'll help you with that."
	defaultCancelledToolContent = "Tool use was cancelled by the user"
)

// BuildPayload assembles the upstream request from a normalized
// conversation. The system instruction is injected as a prefix block on
// the first user turn; `auto` model routing is handed through verbatim.
func BuildPayload(req *translator.Request, norm normalize.Result, profileArn, origin string) ([]byte, error) {
	system := translator.SystemInstruction(norm.System, req.ToolChoice)

	messages := norm.Messages
	var history []HistoryMessage
	var current UserInputMessage
	var currentResults []ToolResult

	for i, msg := range messages {
		last := i == len(messages)-1
		switch msg.Role {
		case normalize.RoleUser:
			userMsg, results := buildUserMessage(msg, req.Model, origin)
			if last {
				current = userMsg
				currentResults = results
				continue
			}
			if strings.TrimSpace(userMsg.Content) == "" {
				if len(results) > 0 {
					userMsg.Content = defaultToolResultContent
				} else {
					userMsg.Content = defaultUserContent
				}
			}
			if len(results) > 0 {
				userMsg.UserInputMessageContext = &UserInputMessageContext{ToolResults: results}
			}
			history = append(history, HistoryMessage{UserInputMessage: &userMsg})
		case normalize.RoleAssistant:
			assistant := buildAssistantMessage(msg)
			history = append(history, HistoryMessage{AssistantResponseMessage: &assistant})
		}
	}

	// Attach the system prefix to the first outgoing user turn only.
	effectiveSystem := system
	if len(history) > 0 {
		effectiveSystem = ""
		if len(history) > 0 && history[0].UserInputMessage != nil && system != "" {
			history[0].UserInputMessage.Content = prefixSystem(history[0].UserInputMessage.Content, system)
		}
	}
	current.Content = prefixSystem(current.Content, effectiveSystem)
	if strings.TrimSpace(current.Content) == "" {
		if len(currentResults) > 0 {
			current.Content = defaultToolResultContent
		} else {
			current.Content = defaultUserContent
		}
	}

	tools := buildTools(req.Tools, req.WebSearch)
	if len(tools) > 0 || len(currentResults) > 0 {
		current.UserInputMessageContext = &UserInputMessageContext{
			Tools:       tools,
			ToolResults: currentResults,
		}
	}

	payload := Payload{
		ConversationState: ConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.New().String(),
			CurrentMessage:  CurrentMessage{UserInputMessage: current},
			History:         history,
		},
		ProfileArn:      profileArn,
		InferenceConfig: buildInferenceConfig(req),
	}
	return json.Marshal(payload)
}

func prefixSystem(content, system string) string {
	if system == "" {
		return content
	}
	return "--- SYSTEM PROMPT ---\n" + system + "\n--- END SYSTEM PROMPT ---\n\n" + content
}

func buildInferenceConfig(req *translator.Request) *InferenceConfig {
	if req.MaxTokens <= 0 && req.Temperature == nil && req.TopP == nil {
		return nil
	}
	cfg := &InferenceConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		cfg.TopP = *req.TopP
	}
	return cfg
}

func buildUserMessage(msg normalize.Message, modelID, origin string) (UserInputMessage, []ToolResult) {
	var content strings.Builder
	var images []Image
	var results []ToolResult

	for _, p := range msg.Parts {
		switch p.Type {
		case normalize.PartText:
			content.WriteString(p.Text)
		case normalize.PartImage:
			format := p.ImageMediaType
			if idx := strings.LastIndex(format, "/"); idx != -1 {
				format = format[idx+1:]
			}
			if format != "" && p.ImageData != "" {
				images = append(images, Image{Format: format, Source: ImageSource{Bytes: p.ImageData}})
			}
		case normalize.PartToolResult:
			body := p.ResultContent
			if body == "" {
				body = defaultCancelledToolContent
			}
			status := "success"
			if p.ResultError {
				status = "error"
			}
			results = append(results, ToolResult{
				ToolUseID: p.ToolUseID,
				Content:   []TextContent{{Text: body}},
				Status:    status,
			})
		}
	}

	out := UserInputMessage{
		Content: content.String(),
		ModelID: modelID,
		Origin:  origin,
	}
	if len(images) > 0 {
		out.Images = images
	}
	return out, results
}

func buildAssistantMessage(msg normalize.Message) AssistantResponseMessage {
	var content strings.Builder
	var uses []ToolUse
	for _, p := range msg.Parts {
		switch p.Type {
		case normalize.PartText:
			content.WriteString(p.Text)
		case normalize.PartToolUse:
			input := p.ToolInput
			if input == nil {
				input = map[string]interface{}{}
			}
			uses = append(uses, ToolUse{ToolUseID: p.ToolUseID, Name: p.ToolName, Input: input})
		}
	}

	final := content.String()
	if strings.TrimSpace(final) == "" {
		if len(uses) > 0 {
			final = defaultAssistantWithTools
		} else {
			final = defaultAssistantContent
		}
	}
	return AssistantResponseMessage{Content: final, ToolUses: uses}
}

// buildTools converts canonical tools into the upstream wrapper shape.
// The reserved web_search capability is emitted as the upstream-native
// tool name rather than a user-defined schema.
func buildTools(tools []translator.Tool, webSearch bool) []ToolWrapper {
	var out []ToolWrapper
	for _, t := range tools {
		desc := t.Description
		if strings.TrimSpace(desc) == "" {
			desc = "Tool: " + t.Name
		}
		schema := interface{}(t.InputSchema)
		if t.InputSchema == nil {
			schema = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		out = append(out, ToolWrapper{ToolSpecification: ToolSpecification{
			Name:        t.Name,
			Description: desc,
			InputSchema: InputSchema{JSON: schema},
		}})
	}
	if webSearch {
		out = append(out, ToolWrapper{ToolSpecification: ToolSpecification{
			Name:        translator.WebSearchToolName,
			Description: "Search the web for current information.",
			InputSchema: InputSchema{JSON: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string"},
				},
				"required": []string{"query"},
			}},
		}})
	}
	return out
}
