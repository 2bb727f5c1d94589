// Package normalize defines the gateway's canonical conversation model and
// enforces the upstream's strict role-alternation and tool-pairing rules.
package normalize

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates content parts.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Part is one content block inside a message.
type Part struct {
	Type PartType

	// PartText
	Text string

	// PartImage
	ImageMediaType string
	ImageData      string // base64

	// PartToolUse
	ToolUseID string
	ToolName  string
	ToolInput map[string]interface{}

	// PartToolResult (ToolUseID shared with tool use)
	ResultContent string
	ResultError   bool
}

// Message is a role plus its ordered content parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Text returns the concatenation of the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// TextMessage builds a single-text-part message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// CharSize approximates the message's contribution to context length.
func (m Message) CharSize() int {
	n := 0
	for _, p := range m.Parts {
		n += len(p.Text) + len(p.ResultContent)
		for k := range p.ToolInput {
			n += len(k) + 8
		}
	}
	return n
}
