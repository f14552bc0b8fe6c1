// Package model owns the lifecycle of the generation backend: probing it,
// optionally pulling the model, and publishing its availability.
package model

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned by Resource.Provider when the model cannot
// serve requests.
var ErrUnavailable = errors.New("model unavailable")

type State int

const (
	Checking State = iota
	Downloading
	Ready
	Failed
	Unavailable
)

func (s State) String() string {
	switch s {
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Ready:
		return "ready"
	case Failed:
		return "error"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a snapshot of the resource. Progress is meaningful only while
// Downloading (0..1); Message carries the error text or the reason the
// model is unavailable.
type Status struct {
	State    State   `json:"state"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
}

func (s Status) String() string {
	switch s.State {
	case Downloading:
		return fmt.Sprintf("downloading (%.0f%%)", s.Progress*100)
	case Failed, Unavailable:
		return fmt.Sprintf("%s: %s", s.State, s.Message)
	default:
		return s.State.String()
	}
}

func checking() Status { return Status{State: Checking} }
func downloading(p float64) Status { return Status{State: Downloading, Progress: p} }
func ready() Status { return Status{State: Ready} }
func failed(msg string) Status { return Status{State: Failed, Message: msg} }
func unavailable(reason string) Status { return Status{State: Unavailable, Message: reason} }
