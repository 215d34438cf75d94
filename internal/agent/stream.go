// Package agent supervises child processes of the agent runtime and turns
// their newline-framed stream-JSON output into typed events on the bus.
package agent

import "encoding/json"

// Extractor is a byte-buffer state machine that pulls complete top-level
// JSON objects out of an arbitrarily chunked stream. Braces inside string
// literals do not affect depth, and escape sequences consume their companion
// character, so `{"text":"has } and \" in it"}` frames correctly.
type Extractor struct {
	buf []byte
}

// Feed appends bytes and returns every complete top-level object now
// available, in stream order. Consumed bytes (including any garbage before
// an object start) are dropped from the buffer.
func (e *Extractor) Feed(p []byte) [][]byte {
	e.buf = append(e.buf, p...)

	var objects [][]byte
	for {
		obj, rest, ok := extractObject(e.buf)
		if !ok {
			e.buf = rest
			break
		}
		objects = append(objects, obj)
		e.buf = rest
	}
	return objects
}

// Pending returns the number of buffered bytes awaiting completion.
func (e *Extractor) Pending() int { return len(e.buf) }

// extractObject scans buf for the first complete brace-balanced object.
// Returns (object, remainder, true) on success; otherwise (nil, trimmed
// buffer, false) where the trimmed buffer starts at the first '{' if any.
func extractObject(buf []byte) ([]byte, []byte, bool) {
	start := -1
	for i, b := range buf {
		if b == '{' {
			start = i
			break
		}
	}
	if start < 0 {
		// No object start: everything so far is inter-frame noise.
		return nil, nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(buf); i++ {
		b := buf[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				obj := buf[start : i+1]
				rest := append([]byte(nil), buf[i+1:]...)
				return obj, rest, true
			}
		}
	}

	// Incomplete: keep from the object start onward.
	return nil, buf[start:], false
}

// streamMessage is one frame of the agent runtime's stdout protocol.
type streamMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Message   *struct {
		ID      string         `json:"id"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseStreamMessage decodes a framed object; ok is false for malformed JSON
// (the frame is dropped, subsequent frames are unaffected).
func parseStreamMessage(raw []byte) (*streamMessage, bool) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false
	}
	return &msg, true
}
