package invocation

import (
	"strings"
	"testing"
)

const searchCall = `{"function":"create_search_ms_query","parameters":{"displayName":"Images","kind":"picture","location":"S:\\"}}`

func TestExtractFindsPayloadRegardlessOfSurroundingProse(t *testing.T) {
	wrappers := []struct {
		name string
		wrap func(string) string
	}{
		{"bare", func(s string) string { return s }},
		{"prose before", func(s string) string { return "Sure, let me search for that. " + s }},
		{"prose after", func(s string) string { return s + "\nI'll run this now." }},
		{"prose around", func(s string) string { return "Okay!\n\n" + s + "\n\nDone." }},
		{"json fence", func(s string) string { return "Here you go:\n```json\n" + s + "\n```\nanything else?" }},
		{"JSON fence upper", func(s string) string { return "```JSON\n" + s + "\n```" }},
		{"plain fence", func(s string) string { return "```\n" + s + "\n```" }},
		{"single line fence", func(s string) string { return "```" + s + "```" }},
		{"other fence first", func(s string) string { return "```python\nprint('x')\n```\n" + s }},
		{"braces in prose after", func(s string) string { return s + " use {curly} braces" }},
		{"malformed brace before", func(s string) string { return "I think {this} is it: " + s }},
	}
	for _, w := range wrappers {
		t.Run(w.name, func(t *testing.T) {
			req, ok := Extract(w.wrap(searchCall))
			if !ok {
				t.Fatal("expected an invocation")
			}
			if req.Name != "create_search_ms_query" {
				t.Errorf("Name = %q", req.Name)
			}
			want := map[string]string{"displayName": "Images", "kind": "picture", "location": `S:\`}
			if len(req.Params) != len(want) {
				t.Fatalf("Params = %v", req.Params)
			}
			for k, v := range want {
				if req.Params[k] != v {
					t.Errorf("Params[%q] = %q, want %q", k, req.Params[k], v)
				}
			}
		})
	}
}

func TestExtractAcceptsNameKey(t *testing.T) {
	req, ok := Extract(`{"name": "get_weather", "parameters": {"city": "Paris"}}`)
	if !ok {
		t.Fatal("expected an invocation")
	}
	if req.Name != "get_weather" || req.Params["city"] != "Paris" {
		t.Errorf("req = %+v", req)
	}
}

func TestExtractPrefersFunctionKey(t *testing.T) {
	req, ok := Extract(`{"name": "display", "function": "get_weather"}`)
	if !ok {
		t.Fatal("expected an invocation")
	}
	if req.Name != "get_weather" {
		t.Errorf("Name = %q", req.Name)
	}
}

func TestExtractMissingParametersIsEmpty(t *testing.T) {
	req, ok := Extract(`{"function": "get_battery_status"}`)
	if !ok {
		t.Fatal("expected an invocation")
	}
	if req.Params == nil || len(req.Params) != 0 {
		t.Errorf("Params = %v, want empty map", req.Params)
	}
}

func TestExtractScalarValues(t *testing.T) {
	req, ok := Extract(`{"function":"f","parameters":{"n":12.5,"b":true,"s":"x","z":null,"o":{"a": 1}}}`)
	if !ok {
		t.Fatal("expected an invocation")
	}
	want := map[string]string{"n": "12.5", "b": "true", "s": "x", "o": `{"a":1}`}
	for k, v := range want {
		if req.Params[k] != v {
			t.Errorf("Params[%q] = %q, want %q", k, req.Params[k], v)
		}
	}
	if _, ok := req.Params["z"]; ok {
		t.Error("null values should be dropped")
	}
}

func TestExtractIgnoresBracesInsideStrings(t *testing.T) {
	text := `Result: {"function":"f","parameters":{"fileName":"report}{draft\"v2\".txt"}} thanks`
	req, ok := Extract(text)
	if !ok {
		t.Fatal("expected an invocation")
	}
	if got := req.Params["fileName"]; got != `report}{draft"v2".txt` {
		t.Errorf("fileName = %q", got)
	}
}

func TestExtractReturnsNoneWithoutBraces(t *testing.T) {
	inputs := []string{
		"",
		"The mayor of Paris is Anne Hidalgo.",
		"```json\nnot json at all\n```",
		"function name parameters",
	}
	for _, in := range inputs {
		if _, ok := Extract(in); ok {
			t.Errorf("Extract(%q) should find nothing", in)
		}
	}
}

func TestExtractReturnsNoneForMalformedInput(t *testing.T) {
	inputs := []string{
		"{",
		"}",
		"}{",
		`{"function": "f"`,
		`{"function": "f", "parameters": {"a": "b"}`,
		`{function: f}`,
		`{"function": 42}`,
		`{"function": ""}`,
		`{"parameters": {"a": "b"}}`,
		`{"function": "f", "parameters": "not an object"}`,
		`{"function": "f", "parameters": [1, 2]}`,
		"{{{{{{",
		`{"a": "unterminated }`,
		"I like {braces} and {more braces}",
		"```json\n{\"function\": \n```",
	}
	for _, in := range inputs {
		if req, ok := Extract(in); ok {
			t.Errorf("Extract(%q) = %+v, want none", in, req)
		}
	}
}

func TestLooksLikeInvocationHasNoFalseNegatives(t *testing.T) {
	positives := []string{
		searchCall,
		`{"name":"x"}`,
		`{"FUNCTION":"x"}`,
		`{"\u0066unction":"x"}`,
		"```json\n" + searchCall + "\n```",
	}
	for _, in := range positives {
		if !LooksLikeInvocation(in) {
			t.Errorf("LooksLikeInvocation(%q) = false", in)
		}
		if _, ok := Extract(in); !ok && in != `{"FUNCTION":"x"}` {
			t.Errorf("Extract(%q) failed", in)
		}
	}

	negatives := []string{
		"The mayor of Paris is Anne Hidalgo.",
		"a {brace} alone",
		`"function" without braces`,
	}
	for _, in := range negatives {
		if LooksLikeInvocation(in) {
			t.Errorf("LooksLikeInvocation(%q) = true", in)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cases := []map[string]string{
		nil,
		{"city": "Paris"},
		{"location": `C:\Users\me\Pictures`, "displayName": "Vacation <2024> & friends"},
		{"fileName": `quote " brace } unicode ✓`, "empty": ""},
		{"kind": "picture", "minSize": "10MB", "createdDate": "2024-01-01"},
	}
	for _, params := range cases {
		wire, err := Encode("create_search_ms_query", params)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(wire, `\u003c`) {
			t.Errorf("wire should not HTML-escape: %s", wire)
		}
		req, ok := Extract(wire)
		if !ok {
			t.Fatalf("Extract(%s) failed", wire)
		}
		if req.Name != "create_search_ms_query" {
			t.Errorf("Name = %q", req.Name)
		}
		if len(req.Params) != len(params) {
			t.Errorf("Params = %v, want %v", req.Params, params)
		}
		for k, v := range params {
			if req.Params[k] != v {
				t.Errorf("Params[%q] = %q, want %q", k, req.Params[k], v)
			}
		}
	}
}
