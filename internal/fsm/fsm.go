// Package fsm provides a small builder-style wrapper around looplab/fsm.
// file: internal/fsm/fsm.go
package fsm

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/logging"
	lfsm "github.com/looplab/fsm"
)

// State represents a state in the FSM.
type State string

// Event represents an event that can trigger a state transition.
type Event string

// TransitionAction runs after an event has been applied, including events
// whose destination equals the current state.
type TransitionAction func(ctx context.Context, from, to State, data interface{})

// GuardCondition decides whether an event may fire. Returning false cancels it.
type GuardCondition func(ctx context.Context, event Event, data interface{}) bool

// Transition defines a transition rule between states.
type Transition struct {
	From      []State          // Source states for this transition.
	To        State            // The destination state.
	Event     Event            // The event triggering the transition.
	Action    TransitionAction // Optional, runs after the event is applied.
	Condition GuardCondition   // Optional guard evaluated before the event.
}

// FSM is the machine interface used by the rest of the module.
type FSM interface {
	// AddTransition stores a transition definition. Call Build() after adding all transitions.
	AddTransition(transition Transition) FSM
	// Build finalizes the configuration and creates the underlying machine.
	Build() error
	// CurrentState returns the current state. Requires Build().
	CurrentState() State
	// CanTransition checks if the event is defined for the current state.
	CanTransition(event Event) bool
	// Transition fires event with optional data.
	Transition(ctx context.Context, event Event, data interface{}) error
	// SetState forces the state without running callbacks.
	SetState(state State) error
	// Reset returns to the initial state.
	Reset() error
}

// ErrNotBuilt is returned when the machine is used before a successful Build.
var ErrNotBuilt = errors.New("fsm used before Build")

type loopFSM struct {
	initialState State
	logger       logging.Logger
	transitions  []Transition
	fsm          *lfsm.FSM
	buildErr     error
	mu           sync.RWMutex
}

// NewFSM creates a new FSM builder with the given initial state.
func NewFSM(initialState State, logger logging.Logger) FSM {
	return &loopFSM{
		initialState: initialState,
		logger:       logging.OrNoop(logger).WithField("component", "fsm"),
	}
}

func (l *loopFSM) AddTransition(t Transition) FSM {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.fsm != nil:
		l.recordBuildErr(errors.New("cannot AddTransition after Build"))
	case len(t.From) == 0:
		l.recordBuildErr(errors.Newf("transition for event %q has no source states", t.Event))
	default:
		l.transitions = append(l.transitions, t)
	}
	return l
}

func (l *loopFSM) recordBuildErr(err error) {
	l.logger.Error("Invalid FSM definition.", "error", err)
	if l.buildErr == nil {
		l.buildErr = err
	}
}

// Build collapses the stored transitions into looplab event descriptions.
// Two transitions on the same event must share a destination.
func (l *loopFSM) Build() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fsm != nil || l.buildErr != nil {
		return l.buildErr
	}

	descs := make(map[string]*lfsm.EventDesc)
	order := make([]string, 0, len(l.transitions))
	callbacks := make(lfsm.Callbacks)

	for _, t := range l.transitions {
		name := string(t.Event)
		desc, ok := descs[name]
		if !ok {
			desc = &lfsm.EventDesc{Name: name, Dst: string(t.To)}
			descs[name] = desc
			order = append(order, name)
		} else if desc.Dst != string(t.To) {
			l.buildErr = errors.Newf("conflicting destinations %q and %q for event %q", desc.Dst, t.To, name)
			return l.buildErr
		}
		for _, s := range t.From {
			if !containsString(desc.Src, string(s)) {
				desc.Src = append(desc.Src, string(s))
			}
		}
		if t.Condition != nil {
			callbacks["before_"+name] = guardCallback(t)
		}
		if t.Action != nil {
			callbacks["after_"+name] = actionCallback(t)
		}
	}

	events := make(lfsm.Events, 0, len(order))
	for _, name := range order {
		events = append(events, *descs[name])
	}

	l.fsm = lfsm.NewFSM(string(l.initialState), events, callbacks)
	l.logger.Debug("FSM built.", "initial_state", l.initialState, "events", len(events))
	return nil
}

func guardCallback(t Transition) lfsm.Callback {
	return func(ctx context.Context, e *lfsm.Event) {
		if !t.Condition(ctx, t.Event, firstArg(e)) {
			e.Cancel(errors.Newf("guard rejected event %q in state %q", t.Event, e.Src))
		}
	}
}

func actionCallback(t Transition) lfsm.Callback {
	return func(ctx context.Context, e *lfsm.Event) {
		t.Action(ctx, State(e.Src), State(e.Dst), firstArg(e))
	}
}

func firstArg(e *lfsm.Event) interface{} {
	if len(e.Args) > 0 {
		return e.Args[0]
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (l *loopFSM) instance() (*lfsm.FSM, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fsm == nil {
		if l.buildErr != nil {
			return nil, l.buildErr
		}
		return nil, ErrNotBuilt
	}
	return l.fsm, nil
}

func (l *loopFSM) CurrentState() State {
	f, err := l.instance()
	if err != nil {
		return ""
	}
	return State(f.Current())
}

func (l *loopFSM) CanTransition(event Event) bool {
	f, err := l.instance()
	if err != nil {
		return false
	}
	return f.Can(string(event))
}

// Transition fires event. A self-transition returns an error matching
// IsNoTransition; its action has still run.
func (l *loopFSM) Transition(ctx context.Context, event Event, data interface{}) error {
	f, err := l.instance()
	if err != nil {
		return err
	}
	from := f.Current()

	var args []interface{}
	if data != nil {
		args = append(args, data)
	}
	if err := f.Event(ctx, string(event), args...); err != nil {
		if !IsNoTransition(err) {
			l.logger.Debug("FSM transition rejected.", "event", event, "state", from, "error", err)
		}
		return err
	}
	l.logger.Debug("FSM transition applied.", "event", event, "from", from, "to", f.Current())
	return nil
}

func (l *loopFSM) SetState(state State) error {
	f, err := l.instance()
	if err != nil {
		return err
	}
	f.SetState(string(state))
	return nil
}

func (l *loopFSM) Reset() error {
	return l.SetState(l.initialState)
}

// IsNoTransition reports whether err is looplab's "already in that state" error.
func IsNoTransition(err error) bool {
	var nt lfsm.NoTransitionError
	return errors.As(err, &nt)
}

// IsRejected reports whether err means the event is not allowed from the
// current state or was cancelled by a guard.
func IsRejected(err error) bool {
	var (
		invalid  lfsm.InvalidEventError
		canceled lfsm.CanceledError
	)
	return errors.As(err, &invalid) || errors.As(err, &canceled)
}
