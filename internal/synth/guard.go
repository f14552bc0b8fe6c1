package synth

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const DefaultMaxPayloadBytes = 16 * 1024

var defaultForbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[/?capability_output\]`),
	regexp.MustCompile(`\\?"(function|name)\\?"\s*:`),
	regexp.MustCompile(`\\?"parameters\\?"\s*:\s*\{`),
	regexp.MustCompile(`\[tool_call\]`),
	regexp.MustCompile(`<function_call>`),
	regexp.MustCompile(`\\?"tool_calls\\?"\s*:\s*\[`),
}

// Guard prepares capability output for inclusion in a prompt.
type Guard struct {
	MaxPayloadBytes   int
	ForbiddenPatterns []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		ForbiddenPatterns: defaultForbiddenPatterns,
	}
}

// Sanitize caps s at MaxPayloadBytes on a rune boundary and masks anything
// that looks like an invocation or a block delimiter.
func (g *Guard) Sanitize(s string) string {
	return g.mask(g.Truncate(s))
}

// SanitizeValue masks every string leaf and map key of a decoded payload.
// The JSON structure around them is left alone, so payload fields named
// like invocation keys survive encoding.
func (g *Guard) SanitizeValue(v any) any {
	switch tv := v.(type) {
	case string:
		return g.mask(tv)
	case map[string]any:
		if tv == nil {
			return tv
		}
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[g.mask(k)] = g.SanitizeValue(e)
		}
		return out
	case map[string]string:
		if tv == nil {
			return tv
		}
		out := make(map[string]string, len(tv))
		for k, e := range tv {
			out[g.mask(k)] = g.mask(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = g.SanitizeValue(e)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		for i, e := range tv {
			out[i] = g.mask(e)
		}
		return out
	default:
		return v
	}
}

// Truncate caps s at MaxPayloadBytes on a rune boundary.
func (g *Guard) Truncate(s string) string {
	if g.MaxPayloadBytes <= 0 || len(s) <= g.MaxPayloadBytes {
		return s
	}
	cut := g.MaxPayloadBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated: output exceeded size limit]"
}

func (g *Guard) mask(s string) string {
	for _, pat := range g.ForbiddenPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat("*", len(match))
		})
	}
	return s
}

func (g *Guard) Wrap(s string) string {
	return fmt.Sprintf("[capability_output]\n%s\n[/capability_output]", s)
}
