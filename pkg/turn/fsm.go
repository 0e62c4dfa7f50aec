package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// Machine is the per-call finite state machine. A single Machine instance is
// shared by the dispatcher loop and the interruption controller; all
// transitions are validated under one lock so racing callers resolve to a
// single winner and the loser receives an InvalidTransitionError.
type Machine struct {
	currentState State
	mu           sync.RWMutex

	speakingStartTime  time.Time
	listeningStartTime time.Time

	stateChangeListeners []StateListener
}

// NewMachine creates a state machine starting in Idle.
func NewMachine() *Machine {
	return &Machine{currentState: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func (m *Machine) transitionValid(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}

	validTransitions := map[State][]State{
		StateIdle:         {StateListening},
		StateListening:    {StateThinking, StateIdle},
		StateThinking:     {StateSpeaking, StateAwaitingTool, StateListening},
		StateAwaitingTool: {StateThinking},
		StateSpeaking:     {StateListening},
		StateClosed:       nil,
	}

	allowedStates, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, allowed := range allowedStates {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionLocked validates and applies a transition. Must be called with
// the write lock held; the returned listener snapshot is notified after the
// lock is released to avoid listener deadlocks.
func (m *Machine) transitionLocked(state State, reason string) (StateChange, []StateListener, error) {
	if !m.transitionValid(m.currentState, state) {
		return StateChange{}, nil, &InvalidTransitionError{From: m.currentState, To: state}
	}

	oldState := m.currentState
	m.currentState = state

	switch state {
	case StateListening:
		m.listeningStartTime = time.Now()
	case StateSpeaking:
		m.speakingStartTime = time.Now()
	}

	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	listeners := make([]StateListener, len(m.stateChangeListeners))
	copy(listeners, m.stateChangeListeners)
	return event, listeners, nil
}

// Transition moves to a new state with validation.
func (m *Machine) Transition(state State, reason string) error {
	m.mu.Lock()
	event, listeners, err := m.transitionLocked(state, reason)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// TransitionIf moves to a new state only when the machine is currently in
// from, checked and applied under one lock acquisition so a racing caller
// cannot slip between the check and the transition. Returns false when the
// precondition no longer holds, which is how a racing natural-completion
// signal loses quietly to an interruption.
func (m *Machine) TransitionIf(from, to State, reason string) bool {
	m.mu.Lock()
	if m.currentState != from {
		m.mu.Unlock()
		return false
	}
	event, listeners, err := m.transitionLocked(to, reason)
	m.mu.Unlock()
	if err != nil {
		return false
	}
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return true
}

// Closed reports whether the machine reached its terminal state.
func (m *Machine) Closed() bool {
	return m.State() == StateClosed
}

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeListeners = append(m.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
