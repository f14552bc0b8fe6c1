package orchestrator

import (
	"fmt"
	"time"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/synth"
)

const (
	TimeoutMarker     = "[Response timed out]"
	InterruptedMarker = "[Response interrupted]"
	CanceledMarker    = "[Response canceled]"

	NoResponseText = "I couldn't come up with a response. Please try again."
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one finalized message in the conversation. Turns are never
// modified after they are appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingFirstPass
	PhaseExtracting
	PhaseAwaitingSecondPass
	PhaseTimedOut
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingFirstPass:
		return "awaiting_first_pass"
	case PhaseExtracting:
		return "extracting"
	case PhaseAwaitingSecondPass:
		return "awaiting_second_pass"
	case PhaseTimedOut:
		return "timed_out"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type UIKind int

const (
	UIIdle UIKind = iota
	UIGenerating
	UIError
)

func (k UIKind) String() string {
	switch k {
	case UIIdle:
		return "idle"
	case UIGenerating:
		return "generating"
	case UIError:
		return "error"
	default:
		return fmt.Sprintf("ui(%d)", int(k))
	}
}

func (k UIKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UIState is what a host renders for the in-flight turn. Partial is set
// while Generating; Message while in Error.
type UIState struct {
	Kind    UIKind `json:"kind"`
	Partial string `json:"partial,omitempty"`
	Message string `json:"message,omitempty"`
}

type Outcome string

const (
	// OutcomeAnswer is plain model text passed through unchanged.
	OutcomeAnswer       Outcome = "answer"
	OutcomeCapability   Outcome = "capability"
	OutcomeModelTimeout Outcome = "model_timeout"
	OutcomeModelFault   Outcome = "model_fault"
	OutcomeCanceled     Outcome = "canceled"
)

// Reply describes how a turn was finalized. Turn is the appended
// assistant turn.
type Reply struct {
	Turn       Turn
	Outcome    Outcome
	Capability string
	Failure    *capability.Failure
	Synthesis  synth.Mode
}
