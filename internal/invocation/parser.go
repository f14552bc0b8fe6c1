// Package invocation finds and decodes capability invocations embedded in
// free-form model output.
package invocation

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Request is an invocation as the model wrote it: the name may not match
// any capability and the parameter values are untyped.
type Request struct {
	Name   string
	Params map[string]string
}

const fence = "```"

// Extract looks for a single invocation payload in text. A fenced json (or
// unlabelled) block is tried first, then each top-level brace span in order.
// Malformed or ambiguous payloads report false so the text can be shown as
// an ordinary reply.
func Extract(text string) (Request, bool) {
	if body, ok := fencedBlock(text); ok {
		if req, ok := decode(body); ok {
			return req, true
		}
	}
	for _, span := range braceSpans(text) {
		if req, ok := decode(span); ok {
			return req, true
		}
	}
	return Request{}, false
}

// LooksLikeInvocation is a cheap over-approximation of Extract: it is true
// for every text Extract could decode.
func LooksLikeInvocation(text string) bool {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "{") {
		return false
	}
	// keys may be spelled with unicode escapes
	return strings.Contains(lower, "function") ||
		strings.Contains(lower, "name") ||
		strings.Contains(lower, `\u`)
}

// Encode renders name and params in the wire format Extract accepts.
func Encode(name string, params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	payload := struct {
		Function   string            `json:"function"`
		Parameters map[string]string `json:"parameters"`
	}{name, params}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// fencedBlock returns the body of the first ``` block labelled json or not
// labelled at all.
func fencedBlock(text string) (string, bool) {
	rest := text
	for {
		start := strings.Index(rest, fence)
		if start < 0 {
			return "", false
		}
		rest = rest[start+len(fence):]
		end := strings.Index(rest, fence)
		if end < 0 {
			return "", false
		}
		block := rest[:end]
		rest = rest[end+len(fence):]

		label, body := block, ""
		if nl := strings.IndexByte(block, '\n'); nl >= 0 {
			label, body = block[:nl], block[nl+1:]
		}
		label = strings.ToLower(strings.TrimSpace(label))
		switch {
		case label == "json" || label == "":
			return strings.TrimSpace(body), true
		case strings.HasPrefix(label, "{"):
			// single-line block: ```{"function": ...}```
			return strings.TrimSpace(block), true
		}
	}
}

// braceSpans returns every balanced top-level {...} span in order. Braces
// inside double-quoted strings are ignored and backslash escapes honoured.
// An unbalanced span ends the scan.
func braceSpans(text string) []string {
	var spans []string
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if depth == 0 {
			if c == '{' {
				depth, start = 1, i
				inString, escaped = false, false
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				spans = append(spans, text[start:i+1])
				start = -1
			}
		}
	}
	return spans
}

func decode(candidate string) (Request, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return Request{}, false
	}

	name := stringField(obj, "function")
	if name == "" {
		name = stringField(obj, "name")
	}
	if name == "" {
		return Request{}, false
	}

	params := make(map[string]string)
	if raw, ok := obj["parameters"]; ok && !isNull(raw) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Request{}, false
		}
		for k, v := range fields {
			if s, ok := scalarText(v); ok {
				params[k] = s
			}
		}
	}
	return Request{Name: name, Params: params}, true
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// scalarText converts a JSON value to the text the model meant. Null is
// dropped; nested values keep their compact JSON form.
func scalarText(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", false
	}
	return buf.String(), true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
