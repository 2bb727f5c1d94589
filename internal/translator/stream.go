package translator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// StreamWriter maps upstream deltas into one protocol's event framing.
// Events are written to the client in the exact order the corresponding
// upstream deltas arrived; only coalescing within a single text delta is
// permitted, and none is performed here.
type StreamWriter interface {
	// Start emits protocol preamble events before the first delta.
	Start() error
	// TextDelta emits one text fragment.
	TextDelta(text string) error
	// ToolUse emits one complete tool invocation.
	ToolUse(id, name string, input map[string]interface{}) error
	// Finish closes the stream with the final stop reason and usage.
	Finish(stopReason string, inputTokens, outputTokens int64) error
	// Error delivers a terminal error event in the protocol's stream
	// schema; used after bytes have already been written.
	Error(kind, message string) error
}

// NewStreamWriter returns the writer for the given protocol.
func NewStreamWriter(protocol, model string, w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	switch protocol {
	case ProtocolOpenAI:
		return &openAIStream{w: w, f: flusher, model: model, id: "chatcmpl-" + uuid.New().String()[:24], created: time.Now().Unix()}, nil
	case ProtocolAnthropic:
		return &claudeStream{w: w, f: flusher, model: model, id: "msg_" + uuid.New().String()[:24]}, nil
	case ProtocolGemini:
		return &geminiStream{w: w, f: flusher, model: model}, nil
	default:
		return nil, fmt.Errorf("unknown protocol: %s", protocol)
	}
}

// --- OpenAI: data: {chat.completion.chunk} frames, terminal [DONE] ---

type openAIStream struct {
	w         http.ResponseWriter
	f         http.Flusher
	model     string
	id        string
	created   int64
	toolIndex int
}

func (s *openAIStream) chunk(delta *OpenAIMessage, finish *string) error {
	frame := OpenAIChatResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []OpenAIChoice{{Delta: delta, FinishReason: finish}},
	}
	data, _ := json.Marshal(frame)
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *openAIStream) Start() error {
	return s.chunk(&OpenAIMessage{Role: "assistant"}, nil)
}

func (s *openAIStream) TextDelta(text string) error {
	return s.chunk(&OpenAIMessage{Content: text}, nil)
}

func (s *openAIStream) ToolUse(id, name string, input map[string]interface{}) error {
	args, _ := json.Marshal(input)
	delta := &OpenAIMessage{ToolCalls: []OpenAIToolCall{{
		ID:       id,
		Type:     "function",
		Function: OpenAIFunctionCall{Name: name, Arguments: string(args)},
	}}}
	s.toolIndex++
	return s.chunk(delta, nil)
}

func (s *openAIStream) Finish(stopReason string, inputTokens, outputTokens int64) error {
	finish := "stop"
	switch stopReason {
	case "tool_use":
		finish = "tool_calls"
	case "max_tokens":
		finish = "length"
	}
	if err := s.chunk(&OpenAIMessage{}, &finish); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *openAIStream) Error(kind, message string) error {
	data, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{"type": kind, "message": message},
	})
	if _, err := fmt.Fprintf(s.w, "data: %s\n\ndata: [DONE]\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// --- Anthropic: typed events message_start .. message_stop ---

type claudeStream struct {
	w         http.ResponseWriter
	f         http.Flusher
	model     string
	id        string
	index     int
	blockOpen bool
}

func (s *claudeStream) event(name string, payload interface{}) error {
	data, _ := json.Marshal(payload)
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *claudeStream) Start() error {
	return s.event("message_start", map[string]interface{}{
		"type": "message_start",
		"message": ClaudeResponse{
			ID:      s.id,
			Type:    "message",
			Role:    "assistant",
			Model:   s.model,
			Content: []ClaudeContentBlock{},
			Usage:   ClaudeUsage{},
		},
	})
}

func (s *claudeStream) openTextBlock() error {
	if s.blockOpen {
		return nil
	}
	s.blockOpen = true
	return s.event("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         s.index,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
}

func (s *claudeStream) closeBlock() error {
	if !s.blockOpen {
		return nil
	}
	s.blockOpen = false
	err := s.event("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": s.index,
	})
	s.index++
	return err
}

func (s *claudeStream) TextDelta(text string) error {
	if err := s.openTextBlock(); err != nil {
		return err
	}
	return s.event("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.index,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
}

func (s *claudeStream) ToolUse(id, name string, input map[string]interface{}) error {
	if err := s.closeBlock(); err != nil {
		return err
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	if err := s.event("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": s.index,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": map[string]interface{}{},
		},
	}); err != nil {
		return err
	}
	args, _ := json.Marshal(input)
	if err := s.event("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.index,
		"delta": map[string]string{"type": "input_json_delta", "partial_json": string(args)},
	}); err != nil {
		return err
	}
	s.blockOpen = true
	return s.closeBlock()
}

func (s *claudeStream) Finish(stopReason string, inputTokens, outputTokens int64) error {
	if err := s.closeBlock(); err != nil {
		return err
	}
	if stopReason == "" {
		stopReason = "end_turn"
	}
	if err := s.event("message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]int64{"input_tokens": inputTokens, "output_tokens": outputTokens},
	}); err != nil {
		return err
	}
	return s.event("message_stop", map[string]string{"type": "message_stop"})
}

func (s *claudeStream) Error(kind, message string) error {
	return s.event("error", map[string]interface{}{
		"type":  "error",
		"error": map[string]string{"type": kind, "message": message},
	})
}

// --- Gemini: JSON-array-streamed generateContent partials ---

type geminiStream struct {
	w     http.ResponseWriter
	f     http.Flusher
	model string
	wrote bool
}

func (s *geminiStream) emit(resp GeminiResponse) error {
	data, _ := json.Marshal(resp)
	var err error
	if !s.wrote {
		_, err = fmt.Fprintf(s.w, "[%s", data)
	} else {
		_, err = fmt.Fprintf(s.w, ",\n%s", data)
	}
	if err != nil {
		return err
	}
	s.wrote = true
	s.f.Flush()
	return nil
}

func (s *geminiStream) Start() error {
	return nil
}

func (s *geminiStream) TextDelta(text string) error {
	return s.emit(GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{Role: "model", Parts: []GeminiPart{{Text: text}}},
		}},
		ModelVersion: s.model,
	})
}

func (s *geminiStream) ToolUse(id, name string, input map[string]interface{}) error {
	return s.emit(GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{Role: "model", Parts: []GeminiPart{{
				FunctionCall: &GeminiFunctionCall{Name: name, Args: input},
			}}},
		}},
		ModelVersion: s.model,
	})
}

func (s *geminiStream) Finish(stopReason string, inputTokens, outputTokens int64) error {
	finish := "STOP"
	if stopReason == "max_tokens" {
		finish = "MAX_TOKENS"
	}
	final := GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{Text: ""}}},
			FinishReason: finish,
		}},
		UsageMetadata: &GeminiUsageMetadata{
			PromptTokenCount:     inputTokens,
			CandidatesTokenCount: outputTokens,
			TotalTokenCount:      inputTokens + outputTokens,
		},
		ModelVersion: s.model,
	}
	if err := s.emit(final); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, "]"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *geminiStream) Error(kind, message string) error {
	data, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{"status": kind, "message": message},
	})
	var err error
	if !s.wrote {
		_, err = fmt.Fprintf(s.w, "[%s]", data)
	} else {
		_, err = fmt.Fprintf(s.w, ",\n%s]", data)
	}
	if err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
