package capability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
)

type Parameter struct {
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	Type          ParamType `yaml:"type"`
	Required      bool      `yaml:"required"`
	Default       string    `yaml:"default,omitempty"`
	AllowedValues []string  `yaml:"allowed_values,omitempty"`
}

type Descriptor struct {
	Name            string      `yaml:"name"`
	Description     string      `yaml:"description"`
	Parameters      []Parameter `yaml:"parameters,omitempty"`
	TriggerKeywords []string    `yaml:"keywords,omitempty"`
}

// Validate checks the descriptor invariants: a non-empty name, unique
// parameter names, known parameter types, defaults that satisfy their own
// parameter and lowercase trigger keywords.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("capability name cannot be empty")
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("capability %q: parameter name cannot be empty", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("capability %q: duplicate parameter %q", d.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, "":
		default:
			return fmt.Errorf("capability %q: parameter %q has unknown type %q", d.Name, p.Name, p.Type)
		}
		if err := p.checkDefault(); err != nil {
			return fmt.Errorf("capability %q: %w", d.Name, err)
		}
	}
	for _, k := range d.TriggerKeywords {
		if k != strings.ToLower(k) {
			return fmt.Errorf("capability %q: trigger keyword %q must be lowercase", d.Name, k)
		}
	}
	return nil
}

// checkDefault reports a default that dispatch could never coerce.
func (p Parameter) checkDefault() error {
	if p.Default == "" {
		return nil
	}
	v := strings.TrimSpace(p.Default)
	if len(p.AllowedValues) > 0 {
		found := false
		for _, a := range p.AllowedValues {
			if strings.EqualFold(a, v) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("parameter %q: default %q is not one of %s", p.Name, p.Default, strings.Join(p.AllowedValues, ", "))
		}
	}
	var err error
	switch p.Type {
	case TypeNumber:
		_, err = strconv.ParseFloat(v, 64)
	case TypeInteger:
		_, err = strconv.ParseInt(v, 10, 64)
	case TypeBoolean:
		_, err = strconv.ParseBool(strings.ToLower(v))
	}
	if err != nil {
		return fmt.Errorf("parameter %q: default %q is not a valid %s", p.Name, p.Default, p.Type)
	}
	return nil
}

// Param returns the schema entry for name.
func (d Descriptor) Param(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Params holds validated, typed parameter values: string, float64, int64 or bool.
type Params map[string]any

func (p Params) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}

func (p Params) Float(name string) (float64, bool) {
	v, ok := p[name].(float64)
	return v, ok
}

func (p Params) Int(name string) (int64, bool) {
	v, ok := p[name].(int64)
	return v, ok
}

func (p Params) Bool(name string) (bool, bool) {
	v, ok := p[name].(bool)
	return v, ok
}

// Capability is a unit of executable behavior the model may request.
// Execute must report every failure as a Failure result and must be safe
// to retry after one.
type Capability interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, params Params) Result
}

// Func adapts a plain function to the Capability interface.
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, params Params) Result
}

func (f Func) Descriptor() Descriptor { return f.Desc }

func (f Func) Execute(ctx context.Context, params Params) Result {
	return f.Fn(ctx, params)
}
