package kiro

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
)

// encodeFrame builds one AWS event-stream message: prelude + headers +
// payload + message crc. CRCs are zero-filled; the reader skips them.
func encodeFrame(eventType string, payload []byte) []byte {
	var headers bytes.Buffer
	name := ":event-type"
	headers.WriteByte(byte(len(name)))
	headers.WriteString(name)
	headers.WriteByte(7) // string value type
	var valueLen [2]byte
	binary.BigEndian.PutUint16(valueLen[:], uint16(len(eventType)))
	headers.Write(valueLen[:])
	headers.WriteString(eventType)

	totalLen := 12 + headers.Len() + len(payload) + 4
	var out bytes.Buffer
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(totalLen))
	out.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:], uint32(headers.Len()))
	out.Write(buf[:])
	out.Write([]byte{0, 0, 0, 0}) // prelude crc
	out.Write(headers.Bytes())
	out.Write(payload)
	out.Write([]byte{0, 0, 0, 0}) // message crc
	return out.Bytes()
}

func assistantFrame(content string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"assistantResponseEvent": map[string]interface{}{"content": content},
	})
	return encodeFrame("assistantResponseEvent", payload)
}

func TestEventStreamTextEvents(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(assistantFrame("hel"))
	stream.Write(assistantFrame("lo"))

	reader := NewEventStreamReader(&stream)
	var text string
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		text += ev.Text
	}
	if text != "hello" {
		t.Errorf("text = %q", text)
	}
}

func TestEventStreamToolUseBuffering(t *testing.T) {
	frame := func(fields map[string]interface{}) []byte {
		payload, _ := json.Marshal(map[string]interface{}{"toolUseEvent": fields})
		return encodeFrame("toolUseEvent", payload)
	}

	var stream bytes.Buffer
	stream.Write(frame(map[string]interface{}{"toolUseId": "tu_1", "name": "lookup", "input": `{"q":`}))
	stream.Write(frame(map[string]interface{}{"input": `"x"}`}))
	stream.Write(frame(map[string]interface{}{"stop": true}))

	reader := NewEventStreamReader(&stream)
	ev, err := reader.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.ToolUse == nil {
		t.Fatal("expected a completed tool use")
	}
	if ev.ToolUse.ToolUseID != "tu_1" || ev.ToolUse.Name != "lookup" {
		t.Errorf("tool use = %#v", ev.ToolUse)
	}
	if ev.ToolUse.Input["q"] != "x" {
		t.Errorf("buffered input = %#v", ev.ToolUse.Input)
	}
	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestEventStreamUsageMetadata(t *testing.T) {
	payload, _ := json.Marshal(map[string]interface{}{
		"messageMetadataEvent": map[string]interface{}{
			"tokenUsage": map[string]interface{}{
				"uncachedInputTokens":  float64(100),
				"cacheReadInputTokens": float64(50),
				"outputTokens":         float64(20),
			},
		},
	})
	reader := NewEventStreamReader(bytes.NewReader(encodeFrame("messageMetadataEvent", payload)))
	ev, err := reader.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Usage == nil || ev.Usage.InputTokens != 150 || ev.Usage.OutputTokens != 20 {
		t.Errorf("usage = %#v", ev.Usage)
	}
}

func TestEventStreamAWSError(t *testing.T) {
	payload, _ := json.Marshal(map[string]interface{}{
		"_type":   "com.amazon.aws.codewhisperer#ValidationException",
		"message": "CONTENT_LENGTH_EXCEEDS_THRESHOLD",
	})
	reader := NewEventStreamReader(bytes.NewReader(encodeFrame("assistantResponseEvent", payload)))
	ev, err := reader.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Err == nil {
		t.Fatal("expected in-stream error event")
	}
	callErr := categorizeStreamError(ev.Err)
	if callErr.Kind != ErrLengthExceeded {
		t.Errorf("kind = %s, want length_exceeded", callErr.Kind)
	}
}

func TestEventStreamRejectsOversizedFrame(t *testing.T) {
	var out bytes.Buffer
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(maxFrameSize+1))
	out.Write(buf[:])
	out.Write(make([]byte, 8))

	reader := NewEventStreamReader(&out)
	if _, err := reader.Next(); err == nil || err == io.EOF {
		t.Error("oversized frame must be rejected")
	}
}

func TestEventStreamIgnoresFollowupPrompts(t *testing.T) {
	payload, _ := json.Marshal(map[string]interface{}{"followupPromptEvent": map[string]interface{}{"content": "suggested"}})
	var stream bytes.Buffer
	stream.Write(encodeFrame("followupPromptEvent", payload))
	stream.Write(assistantFrame("real"))

	reader := NewEventStreamReader(&stream)
	ev, err := reader.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Text != "real" {
		t.Errorf("text = %q, followup prompts must be filtered", ev.Text)
	}
}
