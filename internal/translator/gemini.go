package translator

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/petehsu/kiro-proxy/internal/normalize"
)

// Gemini response wire shapes.

type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

type GeminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type GeminiFunctionResponse struct {
	Name     string      `json:"name"`
	Response interface{} `json:"response,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
}

// ParseGemini decodes a :generateContent body into the canonical request.
// The model comes from the URL path, not the body.
func ParseGemini(modelName string, body []byte, stream bool) (*Request, error) {
	root := gjson.ParseBytes(body)
	if modelName == "" {
		return nil, fmt.Errorf("missing model in request path")
	}
	if !root.Get("contents").IsArray() {
		return nil, fmt.Errorf("missing required field: contents")
	}

	req := &Request{
		Protocol:       ProtocolGemini,
		ModelRequested: modelName,
		Stream:         stream,
	}
	req.Model, req.ModelWarning = MapModel(modelName)

	if v := root.Get("generationConfig.maxOutputTokens"); v.Exists() {
		req.MaxTokens = int(v.Int())
	}
	if v := root.Get("generationConfig.temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("generationConfig.topP"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}

	if system := geminiPartsText(root.Get("systemInstruction.parts")); system != "" {
		req.Messages = append(req.Messages, normalize.TextMessage(normalize.RoleSystem, system))
	}

	for _, c := range root.Get("contents").Array() {
		msg := parseGeminiContent(c)
		if len(msg.Parts) > 0 {
			req.Messages = append(req.Messages, msg)
		}
	}

	var tools []Tool
	for _, t := range root.Get("tools").Array() {
		for _, fd := range t.Get("functionDeclarations").Array() {
			tool := Tool{
				Name:        fd.Get("name").String(),
				Description: fd.Get("description").String(),
			}
			if params := fd.Get("parameters"); params.IsObject() {
				tool.InputSchema, _ = params.Value().(map[string]interface{})
			}
			tools = append(tools, tool)
		}
		if t.Get("googleSearch").Exists() || t.Get("googleSearchRetrieval").Exists() {
			tools = append(tools, Tool{Name: WebSearchToolName})
		}
	}
	req.Tools, req.WebSearch = clampTools(tools)

	if mode := root.Get("toolConfig.functionCallingConfig.mode").String(); mode != "" {
		switch mode {
		case "ANY":
			req.ToolChoice = ToolChoice{Mode: "any"}
			if names := root.Get("toolConfig.functionCallingConfig.allowedFunctionNames").Array(); len(names) == 1 {
				req.ToolChoice = ToolChoice{Mode: "tool", Name: names[0].String()}
			}
		case "NONE":
			req.ToolChoice = ToolChoice{Mode: "none"}
		default:
			req.ToolChoice = ToolChoice{Mode: "auto"}
		}
	}

	return req, nil
}

func parseGeminiContent(c gjson.Result) normalize.Message {
	role := normalize.RoleUser
	if c.Get("role").String() == "model" {
		role = normalize.RoleAssistant
	}
	msg := normalize.Message{Role: role}

	for _, p := range c.Get("parts").Array() {
		switch {
		case p.Get("text").Exists():
			msg.Parts = append(msg.Parts, normalize.Part{Type: normalize.PartText, Text: p.Get("text").String()})
		case p.Get("inlineData").Exists():
			msg.Parts = append(msg.Parts, normalize.Part{
				Type:           normalize.PartImage,
				ImageMediaType: p.Get("inlineData.mimeType").String(),
				ImageData:      p.Get("inlineData.data").String(),
			})
		case p.Get("functionCall").Exists():
			var input map[string]interface{}
			if args := p.Get("functionCall.args"); args.IsObject() {
				input, _ = args.Value().(map[string]interface{})
			}
			name := p.Get("functionCall.name").String()
			msg.Parts = append(msg.Parts, normalize.Part{
				Type:      normalize.PartToolUse,
				ToolUseID: "call_" + name,
				ToolName:  name,
				ToolInput: input,
			})
		case p.Get("functionResponse").Exists():
			var content string
			if respVal := p.Get("functionResponse.response"); respVal.Exists() {
				content = respVal.Raw
			}
			name := p.Get("functionResponse.name").String()
			msg.Parts = append(msg.Parts, normalize.Part{
				Type:          normalize.PartToolResult,
				ToolUseID:     "call_" + name,
				ResultContent: content,
			})
		}
	}
	return msg
}

func geminiPartsText(parts gjson.Result) string {
	var out string
	for _, p := range parts.Array() {
		out += p.Get("text").String()
	}
	return out
}

// BuildGeminiResponse encodes a canonical response as a generateContent
// result.
func BuildGeminiResponse(resp *Response) []byte {
	var parts []GeminiPart
	for _, p := range resp.Content {
		switch p.Type {
		case normalize.PartText:
			parts = append(parts, GeminiPart{Text: p.Text})
		case normalize.PartToolUse:
			parts = append(parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
				Name: p.ToolName,
				Args: p.ToolInput,
			}})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, GeminiPart{Text: ""})
	}

	finish := "STOP"
	if resp.StopReason == "max_tokens" {
		finish = "MAX_TOKENS"
	}

	out := GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Role: "model", Parts: parts},
			FinishReason: finish,
		}},
		UsageMetadata: &GeminiUsageMetadata{
			PromptTokenCount:     resp.InputTokens,
			CandidatesTokenCount: resp.OutputTokens,
			TotalTokenCount:      resp.InputTokens + resp.OutputTokens,
		},
		ModelVersion: resp.Model,
	}
	data, _ := json.Marshal(out)
	return data
}

// GeminiErrorBody renders an error in the Gemini error envelope.
func GeminiErrorBody(status int, kind, message string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"status":  kind,
			"message": message,
		},
	})
	return data
}
