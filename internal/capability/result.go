package capability

import "fmt"

type Kind string

const (
	UnknownCapability Kind = "unknown_capability"
	MissingParameter  Kind = "missing_parameter"
	InvalidParameter  Kind = "invalid_parameter"
	ExecutionError    Kind = "execution_error"
	SourceUnavailable Kind = "source_unavailable"
	Timeout           Kind = "timeout"
)

// Failure is the typed failure half of a Result. Message may carry
// internal detail and is not meant for end users.
type Failure struct {
	Kind    Kind
	Message string
	Param   string // set for MissingParameter and InvalidParameter
}

func (f *Failure) Error() string {
	if f.Param != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Param, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Result is either a success carrying a structured payload or a Failure.
// The zero value is a success with no payload.
type Result struct {
	Payload map[string]any
	// Summary is a deterministic, user-presentable rendering of Payload
	// used when no model phrasing is available.
	Summary string
	Failure *Failure
}

func Success(payload map[string]any, summary string) Result {
	return Result{Payload: payload, Summary: summary}
}

func Fail(kind Kind, format string, args ...any) Result {
	return Result{Failure: &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

func FailParam(kind Kind, param, format string, args ...any) Result {
	return Result{Failure: &Failure{Kind: kind, Param: param, Message: fmt.Sprintf(format, args...)}}
}

func (r Result) OK() bool { return r.Failure == nil }

// Outcome labels the result for logs and metrics: "success" or the failure kind.
func (r Result) Outcome() string {
	if r.Failure == nil {
		return "success"
	}
	return string(r.Failure.Kind)
}
