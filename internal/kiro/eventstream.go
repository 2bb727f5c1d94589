package kiro

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// AWS event-stream binary format: prelude (12 bytes: total_len +
// headers_len + prelude_crc) + headers + payload + message_crc (4 bytes).
const (
	minFrameSize = 16
	maxFrameSize = 10 << 20
)

// Event is one decoded upstream event.
type Event struct {
	// Text is a content fragment from an assistantResponseEvent.
	Text string
	// ToolUse is a completed tool invocation (input fully buffered).
	ToolUse *ToolUse
	// Usage carries token counts from a metadata event.
	Usage *Usage
	// StopReason, when non-empty, is the upstream stop reason.
	StopReason string
	// Err is a terminal error carried inside the stream.
	Err error
}

// Usage is the upstream token accounting.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type rawMessage struct {
	eventType string
	payload   []byte
}

// EventStreamReader decodes the binary framing and buffers partial tool
// inputs until complete.
type EventStreamReader struct {
	r *bufio.Reader

	// toolUseEvent input fragments buffered per invocation
	curToolID    string
	curToolName  string
	curToolInput []byte
	seenToolIDs  map[string]bool
}

// NewEventStreamReader wraps an upstream response body.
func NewEventStreamReader(r io.Reader) *EventStreamReader {
	return &EventStreamReader{
		r:           bufio.NewReaderSize(r, 64*1024),
		seenToolIDs: make(map[string]bool),
	}
}

// Next returns the next decoded event, or io.EOF at normal end of stream.
func (er *EventStreamReader) Next() (Event, error) {
	for {
		msg, err := er.readMessage()
		if err != nil {
			return Event{}, err
		}
		if len(msg.payload) == 0 {
			continue
		}

		var body map[string]interface{}
		if err := json.Unmarshal(msg.payload, &body); err != nil {
			continue // skip malformed frames
		}

		// AWS-style errors arrive with HTTP 200 and an exception payload:
		// {"_type": "...#ValidationException", "message": "..."}
		if errType, ok := body["_type"].(string); ok {
			message, _ := body["message"].(string)
			return Event{Err: &UpstreamError{Type: errType, Message: message}}, nil
		}

		switch msg.eventType {
		case "assistantResponseEvent":
			ev := Event{}
			inner := nested(body, "assistantResponseEvent")
			if text, ok := inner["content"].(string); ok {
				ev.Text = text
			}
			if sr := stringField(inner, "stopReason", "stop_reason"); sr != "" {
				ev.StopReason = sr
			}
			if ev.Text == "" && ev.StopReason == "" {
				continue
			}
			return ev, nil

		case "toolUseEvent":
			if ev, ok := er.consumeToolUse(nested(body, "toolUseEvent")); ok {
				return ev, nil
			}

		case "messageMetadataEvent", "metadataEvent":
			meta := nested(body, "messageMetadataEvent")
			if len(meta) == 0 {
				meta = nested(body, "metadataEvent")
			}
			if usage := parseUsage(meta); usage != nil {
				return Event{Usage: usage}, nil
			}

		case "messageStopEvent":
			if sr := stringField(body, "stopReason", "stop_reason"); sr != "" {
				return Event{StopReason: sr}, nil
			}

		case "followupPromptEvent", "supplementaryWebLinksEvent":
			// UI suggestions, not content.
			continue
		}
	}
}

// consumeToolUse buffers partial input JSON until the stop marker, then
// emits a complete tool use. Duplicate toolUseIds are dropped.
func (er *EventStreamReader) consumeToolUse(tu map[string]interface{}) (Event, bool) {
	id, _ := tu["toolUseId"].(string)
	name, _ := tu["name"].(string)
	if id != "" && er.curToolID == "" {
		er.curToolID = id
		er.curToolName = name
	}
	if frag, ok := tu["input"].(string); ok {
		er.curToolInput = append(er.curToolInput, frag...)
	} else if obj, ok := tu["input"].(map[string]interface{}); ok {
		data, _ := json.Marshal(obj)
		er.curToolInput = data
	}

	stop, _ := tu["stop"].(bool)
	if !stop {
		return Event{}, false
	}

	defer func() {
		er.curToolID = ""
		er.curToolName = ""
		er.curToolInput = nil
	}()

	if er.curToolID == "" || er.seenToolIDs[er.curToolID] {
		return Event{}, false
	}
	er.seenToolIDs[er.curToolID] = true

	var input map[string]interface{}
	if len(er.curToolInput) > 0 {
		json.Unmarshal(er.curToolInput, &input)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return Event{ToolUse: &ToolUse{ToolUseID: er.curToolID, Name: er.curToolName, Input: input}}, true
}

func (er *EventStreamReader) readMessage() (*rawMessage, error) {
	prelude := make([]byte, 12)
	if _, err := io.ReadFull(er.r, prelude); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read prelude: %w", err)
	}

	totalLength := binary.BigEndian.Uint32(prelude[0:4])
	headersLength := binary.BigEndian.Uint32(prelude[4:8])

	if totalLength < minFrameSize {
		return nil, fmt.Errorf("malformed frame: length %d below minimum %d", totalLength, minFrameSize)
	}
	if totalLength > maxFrameSize {
		return nil, fmt.Errorf("malformed frame: length %d exceeds maximum %d", totalLength, maxFrameSize)
	}
	if headersLength > totalLength-minFrameSize {
		return nil, fmt.Errorf("malformed frame: headers length %d exceeds bounds (total %d)", headersLength, totalLength)
	}

	remaining := make([]byte, totalLength-12)
	if _, err := io.ReadFull(er.r, remaining); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var eventType string
	if headersLength > 0 {
		eventType = extractEventType(remaining[:headersLength])
	}

	payloadStart := headersLength
	payloadEnd := uint32(len(remaining)) - 4 // trailing message_crc
	if payloadStart >= payloadEnd {
		return &rawMessage{eventType: eventType}, nil
	}
	return &rawMessage{eventType: eventType, payload: remaining[payloadStart:payloadEnd]}, nil
}

// extractEventType walks the header block looking for :event-type.
func extractEventType(headers []byte) string {
	offset := 0
	for offset < len(headers) {
		nameLen := int(headers[offset])
		offset++
		if offset+nameLen > len(headers) {
			break
		}
		name := string(headers[offset : offset+nameLen])
		offset += nameLen
		if offset >= len(headers) {
			break
		}
		valueType := headers[offset]
		offset++

		if valueType == 7 { // string
			if offset+2 > len(headers) {
				break
			}
			valueLen := int(binary.BigEndian.Uint16(headers[offset : offset+2]))
			offset += 2
			if offset+valueLen > len(headers) {
				break
			}
			value := string(headers[offset : offset+valueLen])
			offset += valueLen
			if name == ":event-type" {
				return value
			}
			continue
		}

		next, ok := skipHeaderValue(headers, offset, valueType)
		if !ok {
			break
		}
		offset = next
	}
	return ""
}

func skipHeaderValue(headers []byte, offset int, valueType byte) (int, bool) {
	switch valueType {
	case 0, 1: // bool true / false
		return offset, true
	case 2:
		return boundsCheck(headers, offset+1)
	case 3:
		return boundsCheck(headers, offset+2)
	case 4:
		return boundsCheck(headers, offset+4)
	case 5, 8: // long, timestamp
		return boundsCheck(headers, offset+8)
	case 6: // byte array: 2-byte length + data
		if offset+2 > len(headers) {
			return offset, false
		}
		valueLen := int(binary.BigEndian.Uint16(headers[offset : offset+2]))
		return boundsCheck(headers, offset+2+valueLen)
	case 9: // uuid
		return boundsCheck(headers, offset+16)
	default:
		return offset, false
	}
}

func boundsCheck(headers []byte, next int) (int, bool) {
	if next > len(headers) {
		return next, false
	}
	return next, true
}

func nested(body map[string]interface{}, key string) map[string]interface{} {
	if inner, ok := body[key].(map[string]interface{}); ok {
		return inner
	}
	return body
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func parseUsage(meta map[string]interface{}) *Usage {
	usage := &Usage{}
	found := false
	if tokenUsage, ok := meta["tokenUsage"].(map[string]interface{}); ok {
		if v, ok := tokenUsage["outputTokens"].(float64); ok {
			usage.OutputTokens = int64(v)
			found = true
		}
		if v, ok := tokenUsage["uncachedInputTokens"].(float64); ok {
			usage.InputTokens = int64(v)
			found = true
		}
		if v, ok := tokenUsage["cacheReadInputTokens"].(float64); ok {
			usage.InputTokens += int64(v)
			found = true
		}
	}
	if !found {
		if v, ok := meta["inputTokens"].(float64); ok {
			usage.InputTokens = int64(v)
			found = true
		}
		if v, ok := meta["outputTokens"].(float64); ok {
			usage.OutputTokens = int64(v)
			found = true
		}
	}
	if !found {
		return nil
	}
	return usage
}
