package engine

import (
	"fmt"
	"sync"
)

type State int

const (
	StateCreated State = iota
	StateHydrating
	StateIdle
	StatePendingSave
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateHydrating:
		return "Hydrating"
	case StateIdle:
		return "Idle"
	case StatePendingSave:
		return "PendingSave"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

type Event string

const (
	EventHydrationStarted  Event = "hydrationStarted"
	EventHydrationFinished Event = "hydrationFinished"
	EventSettleElapsed     Event = "settleElapsed"
	EventChangeDetected    Event = "changeDetected"
	EventFlushSucceeded    Event = "flushSucceeded"
	EventFlushFailed       Event = "flushFailed"
	EventStopped           Event = "stopped"
)

// InvalidTransitionError is returned when an event does not apply to the current state.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %s is not valid in state %s", e.Event, e.From)
}

func (e InvalidTransitionError) Is(target error) bool {
	_, ok := target.(InvalidTransitionError)
	return ok
}

// ErrInvalidTransition matches any InvalidTransitionError with errors.Is.
var ErrInvalidTransition = InvalidTransitionError{}

// Machine holds the coordination state of one engine.
// The hydration guard and the ready flag are both derived from it.
type Machine struct {
	mu    sync.Mutex
	state State
	ready bool
}

func NewMachine() *Machine {
	return &Machine{state: StateCreated}
}

// Fire applies ev. On an invalid transition the state is left unchanged.
func (m *Machine) Fire(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := m.next(ev)
	if !ok {
		return InvalidTransitionError{From: m.state, Event: ev}
	}
	if ev == EventSettleElapsed {
		m.ready = true
	}
	if next == StateStopped {
		m.ready = false
	}
	m.state = next
	return nil
}

func (m *Machine) next(ev Event) (State, bool) {
	if ev == EventStopped {
		return StateStopped, m.state != StateStopped
	}

	switch m.state {
	case StateCreated:
		if ev == EventHydrationStarted {
			return StateHydrating, true
		}
	case StateHydrating:
		if ev == EventHydrationFinished {
			return StateIdle, true
		}
	case StateIdle:
		switch ev {
		case EventSettleElapsed, EventFlushSucceeded:
			return StateIdle, true
		case EventChangeDetected:
			return StatePendingSave, true
		case EventFlushFailed:
			return StatePendingSave, true
		}
	case StatePendingSave:
		switch ev {
		case EventSettleElapsed, EventChangeDetected, EventFlushFailed:
			return StatePendingSave, true
		case EventFlushSucceeded:
			return StateIdle, true
		}
	}
	return m.state, false
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Hydrating is the hydration guard.
func (m *Machine) Hydrating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateHydrating
}

// Ready reports whether hydration finished and the settle delay elapsed.
func (m *Machine) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// CanFlush is true once ready and outside hydration.
func (m *Machine) CanFlush() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready && m.state != StateHydrating && m.state != StateStopped
}
