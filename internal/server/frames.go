package server

import (
	"github.com/opentalon/relay/internal/model"
	"github.com/opentalon/relay/internal/orchestrator"
)

// Frame types on the /ws connection.
const (
	FrameMessage  = "message"  // client: user text
	FrameLocation = "location" // client: current folder for relative searches
	FrameCancel   = "cancel"   // client: cancel the in-flight turn

	FrameState       = "state"
	FrameReply       = "reply"
	FrameModelStatus = "model_status"
	FrameError       = "error"
)

// Frame is one JSON message in either direction. Only the fields of its
// Type are set.
type Frame struct {
	Type string `json:"type"`

	Text              string `json:"text,omitempty"`
	RequireCapability bool   `json:"require_capability,omitempty"`
	Location          string `json:"location,omitempty"`

	Conversation string                `json:"conversation,omitempty"`
	State        *orchestrator.UIState `json:"state,omitempty"`
	Reply        *ReplyFrame           `json:"reply,omitempty"`
	Status       *model.Status         `json:"status,omitempty"`
	Message      string                `json:"message,omitempty"`
}

type ReplyFrame struct {
	Turn       orchestrator.Turn    `json:"turn"`
	Outcome    orchestrator.Outcome `json:"outcome"`
	Capability string               `json:"capability,omitempty"`
	// FailureKind never carries the failure message.
	FailureKind string `json:"failure_kind,omitempty"`
	Synthesis   string `json:"synthesis,omitempty"`
}

func replyFrame(r orchestrator.Reply) *ReplyFrame {
	f := &ReplyFrame{
		Turn:       r.Turn,
		Outcome:    r.Outcome,
		Capability: r.Capability,
		Synthesis:  string(r.Synthesis),
	}
	if r.Failure != nil {
		f.FailureKind = string(r.Failure.Kind)
	}
	return f
}
