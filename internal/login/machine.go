// file: internal/login/machine.go
package login

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/fsm"
	"github.com/dkoosis/emailsignin/internal/logging"
)

// ErrAlreadyProcessing is returned by Begin while a flow is in progress.
var ErrAlreadyProcessing = errors.New("login already processing")

// watchBuffer is the channel capacity handed to Watch callers.
const watchBuffer = 8

// Machine is the login state holder. Reads are safe from any goroutine;
// writes are expected from a single owner.
type Machine struct {
	fsm    fsm.FSM
	logger logging.Logger

	mu       sync.Mutex
	current  Snapshot
	watchers map[int]chan Snapshot
	nextID   int
	onChange []func(Snapshot)
}

// NewMachine builds a machine in StateIdle.
func NewMachine(logger logging.Logger) (*Machine, error) {
	m := &Machine{
		logger:   logging.OrNoop(logger).WithField("component", "login_state"),
		current:  Snapshot{State: StateIdle},
		watchers: make(map[int]chan Snapshot),
	}

	others := []fsm.State{StateIdle, StateSuccess, StateError}
	m.fsm = fsm.NewFSM(StateIdle, m.logger).
		AddTransition(fsm.Transition{From: others, Event: EventBegin, To: StateProcessing, Action: m.apply}).
		AddTransition(fsm.Transition{From: allStates, Event: EventSucceed, To: StateSuccess, Action: m.apply}).
		AddTransition(fsm.Transition{From: allStates, Event: EventFail, To: StateError, Action: m.apply}).
		AddTransition(fsm.Transition{From: allStates, Event: EventReset, To: StateIdle, Action: m.apply})
	if err := m.fsm.Build(); err != nil {
		return nil, errors.Wrap(err, "failed to build login state machine")
	}
	return m, nil
}

// apply records the new snapshot and fans it out.
func (m *Machine) apply(_ context.Context, from, to fsm.State, data interface{}) {
	next := Snapshot{State: to}
	if outcome, ok := data.(Outcome); ok && to == StateError {
		next.Outcome = outcome
	}

	m.mu.Lock()
	prev := m.current
	m.current = next
	watchers := make([]chan Snapshot, 0, len(m.watchers))
	for _, ch := range m.watchers {
		watchers = append(watchers, ch)
	}
	callbacks := append([]func(Snapshot){}, m.onChange...)
	m.mu.Unlock()

	// Every terminal transition is delivered, repeated or not: each attempt
	// ends with exactly one completion.
	if prev == next && !next.IsTerminal() {
		return
	}
	m.logger.Info("Login state changed.", "from", from, "to", next.String())

	for _, ch := range watchers {
		select {
		case ch <- next:
		default:
			m.logger.Warn("Dropping login state update for slow watcher.", "state", next.String())
		}
	}
	for _, fn := range callbacks {
		fn(next)
	}
}

func (m *Machine) fire(ctx context.Context, event fsm.Event, data interface{}) error {
	err := m.fsm.Transition(ctx, event, data)
	if err == nil || fsm.IsNoTransition(err) {
		return nil
	}
	return err
}

// Begin enters StateProcessing.
func (m *Machine) Begin(ctx context.Context) error {
	if m.Snapshot().State == StateProcessing {
		return ErrAlreadyProcessing
	}
	return errors.Wrap(m.fire(ctx, EventBegin, nil), "begin")
}

// Succeed enters StateSuccess.
func (m *Machine) Succeed(ctx context.Context) error {
	return errors.Wrap(m.fire(ctx, EventSucceed, nil), "succeed")
}

// Fail enters StateError with outcome.
func (m *Machine) Fail(ctx context.Context, outcome Outcome) error {
	if outcome == OutcomeOk {
		outcome = OutcomeUnknown
	}
	return errors.Wrap(m.fire(ctx, EventFail, outcome), "fail")
}

// Reset returns to StateIdle.
func (m *Machine) Reset(ctx context.Context) error {
	return errors.Wrap(m.fire(ctx, EventReset, nil), "reset")
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Watch returns a channel receiving every subsequent change and a function
// that stops delivery. Updates are dropped when the channel is full.
func (m *Machine) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, watchBuffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// OnChange registers fn to be called synchronously after every change.
func (m *Machine) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}
