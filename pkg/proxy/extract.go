package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"strings"
)

var ErrNotStructured = errors.New("response body is not a structured object")

type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return "malformed response body: " + e.Err.Error()
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

type ResponseShape int

const (
	ShapeUnknown ResponseShape = iota
	ShapeCompletion
	ShapeChat
)

func (s ResponseShape) String() string {
	switch s {
	case ShapeCompletion:
		return "completion"
	case ShapeChat:
		return "chat"
	default:
		return "unknown"
	}
}

// ResponseText is the output text recovered from a backend response.
type ResponseText struct {
	Shape ResponseShape
	Text  string
}

func isJSONContentType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func isEventStreamContentType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/event-stream"
}

// ExtractInputText returns the text a request asks about: the messages'
// contents joined by a space, else the prompt, else "".
func ExtractInputText(body []byte, contentType string) string {
	if len(body) == 0 || !isJSONContentType(contentType) {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return inputTextFromPayload(payload)
}

func inputTextFromPayload(payload map[string]any) string {
	if msgs, ok := payload["messages"].([]any); ok {
		parts := make([]string, 0, len(msgs))
		for _, m := range msgs {
			msg, _ := m.(map[string]any)
			parts = append(parts, contentText(msg["content"]))
		}
		return strings.Join(parts, " ")
	}
	switch p := payload["prompt"].(type) {
	case string:
		return p
	case []any:
		parts := make([]string, 0, len(p))
		for _, v := range p {
			if s, ok := v.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// contentText flattens a message content that is either a plain string or a
// list of typed parts such as {"type":"text","text":"..."}.
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, p := range c {
			m, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := m["text"].(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// ParseStructured decodes buf when it looks like a single JSON object.
func ParseStructured(buf []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return nil, ErrNotStructured
	}
	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}
	return out, nil
}

// ClassifyResponse matches the payload against the completion
// ({"choices":[{"text":...}]}) and chat ({"choices":[{"message":{"content":...}}]})
// shapes.
func ClassifyResponse(payload map[string]any) ResponseText {
	choices, ok := payload["choices"].([]any)
	if !ok {
		return ResponseText{Shape: ShapeUnknown}
	}
	shape := ShapeUnknown
	parts := make([]string, 0, len(choices))
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := choice["text"].(string); ok {
			parts = append(parts, s)
			if shape == ShapeUnknown {
				shape = ShapeCompletion
			}
			continue
		}
		msg, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		if _, has := msg["content"]; !has {
			continue
		}
		parts = append(parts, contentText(msg["content"]))
		if shape == ShapeUnknown {
			shape = ShapeChat
		}
	}
	if shape == ShapeUnknown {
		return ResponseText{Shape: ShapeUnknown}
	}
	return ResponseText{Shape: shape, Text: strings.Join(parts, " ")}
}

// ExtractResponseText parses an accumulated response body and returns the
// output text. Errors are ErrNotStructured or *MalformedResponseError.
func ExtractResponseText(buf []byte) (ResponseText, error) {
	payload, err := ParseStructured(buf)
	if err != nil {
		return ResponseText{}, err
	}
	return ClassifyResponse(payload), nil
}

// ExtractStreamText concatenates the delta fragments of a server-sent
// events body. Fragments are joined without a separator.
func ExtractStreamText(buf []byte) ResponseText {
	var b strings.Builder
	shape := ShapeUnknown
	for _, raw := range bytes.Split(buf, []byte("\n")) {
		line := strings.TrimSpace(string(raw))
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		choices, _ := evt["choices"].([]any)
		for _, c := range choices {
			choice, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := choice["text"].(string); ok {
				b.WriteString(s)
				if shape == ShapeUnknown {
					shape = ShapeCompletion
				}
				continue
			}
			if delta, ok := choice["delta"].(map[string]any); ok {
				if s, ok := delta["content"].(string); ok {
					b.WriteString(s)
					if shape == ShapeUnknown {
						shape = ShapeChat
					}
				}
			}
		}
	}
	return ResponseText{Shape: shape, Text: b.String()}
}
