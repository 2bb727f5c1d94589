// Package translator converts between the three client protocols (OpenAI,
// Anthropic, Gemini) and the gateway's canonical request/response model.
// Each inbound body is decoded into a Request; upstream results are encoded
// back into the caller's native shape, non-streaming and streaming.
package translator

import (
	"github.com/petehsu/kiro-proxy/internal/normalize"
)

// Client protocol identifiers recorded in flows.
const (
	ProtocolOpenAI    = "openai"
	ProtocolAnthropic = "anthropic"
	ProtocolGemini    = "gemini"
)

// Tool limits enforced on every inbound request.
const (
	MaxTools       = 50
	MaxToolDescLen = 500
)

// WebSearchToolName is the reserved name recognized as an upstream-native
// capability rather than a user-defined tool.
const WebSearchToolName = "web_search"

// Tool is one tool definition in canonical form.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolChoice captures the client's tool-choice directive.
// Mode is one of "", "auto", "none", "any", "tool".
type ToolChoice struct {
	Mode string
	Name string
}

// Request is the canonical decoded request, protocol-independent.
type Request struct {
	Protocol       string
	ModelRequested string
	Model          string // after mapping
	ModelWarning   bool   // unknown name mapped to default
	Messages       []normalize.Message
	Tools          []Tool
	ToolChoice     ToolChoice
	WebSearch      bool // reserved web_search tool requested
	Stream         bool
	MaxTokens      int
	Temperature    *float64
	TopP           *float64
}

// Response is the canonical upstream result.
type Response struct {
	Model        string
	Content      []normalize.Part // text and tool_use parts in arrival order
	StopReason   string           // end_turn | tool_use | max_tokens
	InputTokens  int64
	OutputTokens int64
}

// Text returns the concatenated text content of the response.
func (r *Response) Text() string {
	var out string
	for _, p := range r.Content {
		if p.Type == normalize.PartText {
			out += p.Text
		}
	}
	return out
}

// ToolUses returns the tool_use parts of the response.
func (r *Response) ToolUses() []normalize.Part {
	var out []normalize.Part
	for _, p := range r.Content {
		if p.Type == normalize.PartToolUse {
			out = append(out, p)
		}
	}
	return out
}

// clampTools applies the 50-tool and 500-character limits, splits out the
// reserved web_search tool, and reports whether it was present.
func clampTools(tools []Tool) ([]Tool, bool) {
	webSearch := false
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name == WebSearchToolName {
			webSearch = true
			continue
		}
		if len(t.Description) > MaxToolDescLen {
			t.Description = t.Description[:MaxToolDescLen] + "…"
		}
		out = append(out, t)
	}
	if len(out) > MaxTools {
		out = out[:MaxTools]
	}
	return out, webSearch
}

// toolChoiceInstruction renders a required/any tool-choice directive as a
// system-prefix instruction, since the upstream lacks a native equivalent.
func toolChoiceInstruction(tc ToolChoice) string {
	switch tc.Mode {
	case "any", "required":
		return "[INSTRUCTION: You MUST use at least one of the available tools to respond. Do not respond with text only.]"
	case "tool":
		if tc.Name != "" {
			return "[INSTRUCTION: You MUST use the tool named '" + tc.Name + "' to respond. Do not use any other tool.]"
		}
	}
	return ""
}

// SystemInstruction combines the normalized system prefix with any
// tool-choice directive for injection into the upstream request.
func SystemInstruction(system string, tc ToolChoice) string {
	instr := toolChoiceInstruction(tc)
	if instr == "" {
		return system
	}
	if system == "" {
		return instr
	}
	return system + "\n" + instr
}
