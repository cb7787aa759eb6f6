// Package login holds the caller-visible login state machine:
// Idle → Processing → Success | Error(outcome).
package login

// file: internal/login/state.go

import (
	"github.com/dkoosis/emailsignin/internal/fsm"
)

// Login states.
const (
	StateIdle       fsm.State = "idle"
	StateProcessing fsm.State = "processing"
	StateSuccess    fsm.State = "success"
	StateError      fsm.State = "error"
)

// Login events.
const (
	EventBegin   fsm.Event = "begin"
	EventSucceed fsm.Event = "succeed"
	EventFail    fsm.Event = "fail"
	EventReset   fsm.Event = "reset"
)

// Outcome is the closed set of results a flow can end with.
type Outcome int

// Outcomes. OutcomeOk accompanies StateSuccess and the non-terminal states.
const (
	OutcomeOk Outcome = iota
	OutcomeCancelled
	OutcomeAccountAlreadyLinked
	OutcomeAccountNeedsRecentLogin
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAccountAlreadyLinked:
		return "account_already_linked"
	case OutcomeAccountNeedsRecentLogin:
		return "account_needs_recent_login"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the login state.
type Snapshot struct {
	State   fsm.State
	Outcome Outcome
}

// IsTerminal reports whether the snapshot ends a flow.
func (s Snapshot) IsTerminal() bool {
	return s.State == StateSuccess || s.State == StateError
}

func (s Snapshot) String() string {
	if s.State == StateError {
		return string(s.State) + "(" + s.Outcome.String() + ")"
	}
	return string(s.State)
}

var allStates = []fsm.State{StateIdle, StateProcessing, StateSuccess, StateError}
