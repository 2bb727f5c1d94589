package translator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/petehsu/kiro-proxy/internal/normalize"
)

// Anthropic response wire shapes.

type ClaudeContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type ClaudeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason,omitempty"`
	StopSequence *string              `json:"stop_sequence,omitempty"`
	Usage        ClaudeUsage          `json:"usage"`
}

// ParseClaude decodes a /v1/messages body into the canonical request.
func ParseClaude(body []byte) (*Request, error) {
	root := gjson.ParseBytes(body)
	modelName := root.Get("model").String()
	if modelName == "" {
		return nil, fmt.Errorf("missing required field: model")
	}
	if !root.Get("messages").IsArray() {
		return nil, fmt.Errorf("missing required field: messages")
	}

	req := &Request{
		Protocol:       ProtocolAnthropic,
		ModelRequested: modelName,
		Stream:         root.Get("stream").Bool(),
		MaxTokens:      int(root.Get("max_tokens").Int()),
	}
	req.Model, req.ModelWarning = MapModel(modelName)

	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}

	// The dedicated `system` field becomes a leading system message so the
	// normalizer handles every protocol the same way.
	if system := claudeSystemText(root.Get("system")); system != "" {
		req.Messages = append(req.Messages, normalize.TextMessage(normalize.RoleSystem, system))
	}

	for _, m := range root.Get("messages").Array() {
		msg, err := parseClaudeMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	var tools []Tool
	for _, t := range root.Get("tools").Array() {
		tool := Tool{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
		}
		if schema := t.Get("input_schema"); schema.IsObject() {
			tool.InputSchema, _ = schema.Value().(map[string]interface{})
		}
		tools = append(tools, tool)
	}
	req.Tools, req.WebSearch = clampTools(tools)

	if tc := root.Get("tool_choice"); tc.Exists() {
		switch tc.Get("type").String() {
		case "any":
			req.ToolChoice = ToolChoice{Mode: "any"}
		case "tool":
			req.ToolChoice = ToolChoice{Mode: "tool", Name: tc.Get("name").String()}
		case "none":
			req.ToolChoice = ToolChoice{Mode: "none"}
		default:
			req.ToolChoice = ToolChoice{Mode: "auto"}
		}
	}

	return req, nil
}

func claudeSystemText(system gjson.Result) string {
	if system.IsArray() {
		var out string
		for _, block := range system.Array() {
			if block.Get("type").String() == "text" {
				out += block.Get("text").String()
			} else if block.Type == gjson.String {
				out += block.String()
			}
		}
		return out
	}
	return system.String()
}

func parseClaudeMessage(m gjson.Result) (normalize.Message, error) {
	role := m.Get("role").String()
	var nrole normalize.Role
	switch role {
	case "user":
		nrole = normalize.RoleUser
	case "assistant":
		nrole = normalize.RoleAssistant
	default:
		return normalize.Message{}, fmt.Errorf("unsupported message role: %q", role)
	}

	msg := normalize.Message{Role: nrole}
	content := m.Get("content")
	if !content.IsArray() {
		msg.Parts = append(msg.Parts, normalize.Part{Type: normalize.PartText, Text: content.String()})
		return msg, nil
	}

	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			msg.Parts = append(msg.Parts, normalize.Part{Type: normalize.PartText, Text: block.Get("text").String()})
		case "image":
			msg.Parts = append(msg.Parts, normalize.Part{
				Type:           normalize.PartImage,
				ImageMediaType: block.Get("source.media_type").String(),
				ImageData:      block.Get("source.data").String(),
			})
		case "tool_use":
			var input map[string]interface{}
			if in := block.Get("input"); in.IsObject() {
				input, _ = in.Value().(map[string]interface{})
			}
			msg.Parts = append(msg.Parts, normalize.Part{
				Type:      normalize.PartToolUse,
				ToolUseID: block.Get("id").String(),
				ToolName:  block.Get("name").String(),
				ToolInput: input,
			})
		case "tool_result":
			msg.Parts = append(msg.Parts, normalize.Part{
				Type:          normalize.PartToolResult,
				ToolUseID:     block.Get("tool_use_id").String(),
				ResultContent: claudeResultText(block.Get("content")),
				ResultError:   block.Get("is_error").Bool(),
			})
		}
	}
	return msg, nil
}

func claudeResultText(content gjson.Result) string {
	if content.IsArray() {
		var out string
		for _, item := range content.Array() {
			if item.Get("type").String() == "text" {
				out += item.Get("text").String()
			} else if item.Type == gjson.String {
				out += item.String()
			}
		}
		return out
	}
	return content.String()
}

// BuildClaudeResponse encodes a canonical response as an Anthropic message.
func BuildClaudeResponse(resp *Response) []byte {
	var blocks []ClaudeContentBlock
	for _, p := range resp.Content {
		switch p.Type {
		case normalize.PartText:
			blocks = append(blocks, ClaudeContentBlock{Type: "text", Text: p.Text})
		case normalize.PartToolUse:
			input := p.ToolInput
			if input == nil {
				input = map[string]interface{}{}
			}
			blocks = append(blocks, ClaudeContentBlock{
				Type:  "tool_use",
				ID:    p.ToolUseID,
				Name:  p.ToolName,
				Input: input,
			})
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, ClaudeContentBlock{Type: "text", Text: ""})
	}

	stopReason := resp.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
		if len(resp.ToolUses()) > 0 {
			stopReason = "tool_use"
		}
	}

	out := ClaudeResponse{
		ID:         "msg_" + uuid.New().String()[:24],
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    blocks,
		StopReason: stopReason,
		Usage:      ClaudeUsage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
	}
	data, _ := json.Marshal(out)
	return data
}

// ClaudeErrorBody renders an error in the Anthropic error envelope.
func ClaudeErrorBody(kind, message string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    kind,
			"message": message,
		},
	})
	return data
}

// CountClaudeTokens approximates token usage for count_tokens requests
// using the chars/4 convention applied across the gateway.
func CountClaudeTokens(req *Request) int64 {
	chars := 0
	for _, m := range req.Messages {
		chars += m.CharSize()
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description)
	}
	tokens := chars / 4
	if tokens == 0 {
		tokens = 1
	}
	return int64(tokens)
}
