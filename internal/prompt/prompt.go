package prompt

import (
	"fmt"
	"strings"

	"github.com/opentalon/relay/internal/capability"
)

const invocationExample = `{"function":"capability_name","parameters":{"parameter":"value"}}`

// System builds the first-pass system prompt: rules, the wire format and
// the catalog of registered capabilities in registration order.
func System(caps []capability.Capability, rules *Rules) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful assistant. Answer concisely.\n\n")
	sb.WriteString(rules.Section())

	sb.WriteString("## CAPABILITIES\n")
	if len(caps) == 0 {
		sb.WriteString("No capabilities are available. Answer in plain prose.\n")
		return sb.String()
	}
	sb.WriteString("To use a capability, reply with ONLY a JSON object of this form and nothing else:\n")
	sb.WriteString(invocationExample)
	sb.WriteString("\nParameter values must be strings, numbers or booleans. Omit optional parameters you do not need.\n\n")

	for _, c := range caps {
		writeDescriptor(&sb, c.Descriptor())
	}
	return sb.String()
}

func writeDescriptor(sb *strings.Builder, d capability.Descriptor) {
	fmt.Fprintf(sb, "### %s\n", d.Name)
	if d.Description != "" {
		sb.WriteString(d.Description)
		sb.WriteString("\n")
	}
	if len(d.Parameters) == 0 {
		sb.WriteString("Parameters: none\n\n")
		return
	}
	sb.WriteString("Parameters:\n")
	for _, p := range d.Parameters {
		typ := p.Type
		if typ == "" {
			typ = capability.TypeString
		}
		attrs := []string{string(typ)}
		if p.Required {
			attrs = append(attrs, "required")
		}
		if p.Default != "" {
			attrs = append(attrs, fmt.Sprintf("default %q", p.Default))
		}
		if len(p.AllowedValues) > 0 {
			attrs = append(attrs, "one of: "+strings.Join(p.AllowedValues, ", "))
		}
		fmt.Fprintf(sb, "- %s (%s)", p.Name, strings.Join(attrs, "; "))
		if p.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(p.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

// SecondPass is the system prompt for phrasing a capability result.
func SecondPass(rules *Rules) string {
	var sb strings.Builder
	sb.WriteString("A capability has already run on the user's behalf. ")
	sb.WriteString("Answer the user's question using only the data in the [capability_output] block. ")
	sb.WriteString("Reply in one or two plain sentences. Do not output JSON.\n\n")
	sb.WriteString(rules.Section())
	return sb.String()
}

// SecondPassUser frames the original question and the wrapped result.
func SecondPassUser(query, name, output string) string {
	return fmt.Sprintf("User question: %s\n\nResult of %s:\n%s", query, name, output)
}
