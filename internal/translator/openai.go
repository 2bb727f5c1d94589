package translator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/petehsu/kiro-proxy/internal/normalize"
)

// OpenAI response wire shapes.

type OpenAIMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	Delta        *OpenAIMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// ParseOpenAI decodes a /v1/chat/completions body into the canonical
// request. Unknown fields are ignored; polymorphic content (string or
// block array) is accepted.
func ParseOpenAI(body []byte) (*Request, error) {
	root := gjson.ParseBytes(body)
	modelName := root.Get("model").String()
	if modelName == "" {
		return nil, fmt.Errorf("missing required field: model")
	}
	if !root.Get("messages").IsArray() {
		return nil, fmt.Errorf("missing required field: messages")
	}

	req := &Request{
		Protocol:       ProtocolOpenAI,
		ModelRequested: modelName,
		Stream:         root.Get("stream").Bool(),
	}
	req.Model, req.ModelWarning = MapModel(modelName)

	if v := root.Get("max_tokens"); v.Exists() {
		req.MaxTokens = int(v.Int())
	} else if v := root.Get("max_completion_tokens"); v.Exists() {
		req.MaxTokens = int(v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}

	for _, m := range root.Get("messages").Array() {
		msg, err := parseOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	var tools []Tool
	for _, t := range root.Get("tools").Array() {
		if t.Get("type").String() != "function" {
			continue
		}
		fn := t.Get("function")
		tool := Tool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if params := fn.Get("parameters"); params.IsObject() {
			tool.InputSchema, _ = params.Value().(map[string]interface{})
		}
		tools = append(tools, tool)
	}
	req.Tools, req.WebSearch = clampTools(tools)
	req.ToolChoice = parseOpenAIToolChoice(root.Get("tool_choice"))

	return req, nil
}

func parseOpenAIToolChoice(tc gjson.Result) ToolChoice {
	if !tc.Exists() {
		return ToolChoice{}
	}
	if tc.Type == gjson.String {
		switch tc.String() {
		case "required":
			return ToolChoice{Mode: "any"}
		case "none":
			return ToolChoice{Mode: "none"}
		default:
			return ToolChoice{Mode: "auto"}
		}
	}
	if name := tc.Get("function.name").String(); name != "" {
		return ToolChoice{Mode: "tool", Name: name}
	}
	return ToolChoice{}
}

func parseOpenAIMessage(m gjson.Result) (normalize.Message, error) {
	role := m.Get("role").String()
	switch role {
	case "system", "developer":
		return normalize.TextMessage(normalize.RoleSystem, openAIContentText(m.Get("content"))), nil
	case "tool":
		return normalize.Message{
			Role: normalize.RoleTool,
			Parts: []normalize.Part{{
				Type:          normalize.PartToolResult,
				ToolUseID:     m.Get("tool_call_id").String(),
				ResultContent: openAIContentText(m.Get("content")),
			}},
		}, nil
	case "assistant":
		msg := normalize.Message{Role: normalize.RoleAssistant}
		if text := openAIContentText(m.Get("content")); text != "" {
			msg.Parts = append(msg.Parts, normalize.Part{Type: normalize.PartText, Text: text})
		}
		for _, tc := range m.Get("tool_calls").Array() {
			var input map[string]interface{}
			args := tc.Get("function.arguments").String()
			if args != "" {
				json.Unmarshal([]byte(args), &input)
			}
			msg.Parts = append(msg.Parts, normalize.Part{
				Type:      normalize.PartToolUse,
				ToolUseID: tc.Get("id").String(),
				ToolName:  tc.Get("function.name").String(),
				ToolInput: input,
			})
		}
		return msg, nil
	case "user":
		msg := normalize.Message{Role: normalize.RoleUser}
		content := m.Get("content")
		if content.IsArray() {
			for _, block := range content.Array() {
				switch block.Get("type").String() {
				case "text":
					msg.Parts = append(msg.Parts, normalize.Part{Type: normalize.PartText, Text: block.Get("text").String()})
				case "image_url":
					mediaType, data := parseDataURL(block.Get("image_url.url").String())
					if data != "" {
						msg.Parts = append(msg.Parts, normalize.Part{
							Type:           normalize.PartImage,
							ImageMediaType: mediaType,
							ImageData:      data,
						})
					}
				}
			}
		} else {
			msg.Parts = append(msg.Parts, normalize.Part{Type: normalize.PartText, Text: content.String()})
		}
		return msg, nil
	default:
		return normalize.Message{}, fmt.Errorf("unsupported message role: %q", role)
	}
}

// openAIContentText flattens string-or-block-array content into text.
func openAIContentText(content gjson.Result) string {
	if content.IsArray() {
		var out string
		for _, block := range content.Array() {
			if block.Get("type").String() == "text" {
				out += block.Get("text").String()
			} else if block.Type == gjson.String {
				out += block.String()
			}
		}
		return out
	}
	return content.String()
}

// parseDataURL splits a data: URL into media type and base64 payload.
// Remote image URLs are not fetched; they yield empty data.
func parseDataURL(url string) (string, string) {
	const prefix = "data:"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return "", ""
	}
	rest := url[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ',' {
			meta := rest[:i]
			data := rest[i+1:]
			for j := 0; j < len(meta); j++ {
				if meta[j] == ';' {
					return meta[:j], data
				}
			}
			return meta, data
		}
	}
	return "", ""
}

// BuildOpenAIResponse encodes a canonical response as a chat completion.
func BuildOpenAIResponse(resp *Response) []byte {
	finish := "stop"
	switch resp.StopReason {
	case "tool_use":
		finish = "tool_calls"
	case "max_tokens":
		finish = "length"
	}

	message := &OpenAIMessage{Role: "assistant", Content: resp.Text()}
	for _, tu := range resp.ToolUses() {
		args, _ := json.Marshal(tu.ToolInput)
		message.ToolCalls = append(message.ToolCalls, OpenAIToolCall{
			ID:       tu.ToolUseID,
			Type:     "function",
			Function: OpenAIFunctionCall{Name: tu.ToolName, Arguments: string(args)},
		})
	}

	out := OpenAIChatResponse{
		ID:      "chatcmpl-" + uuid.New().String()[:24],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []OpenAIChoice{{Message: message, FinishReason: &finish}},
		Usage: &OpenAIUsage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.InputTokens + resp.OutputTokens,
		},
	}
	data, _ := json.Marshal(out)
	return data
}

// OpenAIErrorBody renders an error in the OpenAI error envelope.
func OpenAIErrorBody(kind, message string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    kind,
			"message": message,
			"code":    kind,
		},
	})
	return data
}
