package turn

import (
	"sync"
	"time"
)

type ManagerOptions struct {
	BargeInThreshold time.Duration
	MinBargeIn       time.Duration
	StreamID         string
}

type manager struct {
	mu              sync.RWMutex
	sm              *Machine
	ic              *Interrupter
	strategy        Strategy
	lastChange      time.Time
	userSpeechStart time.Time
	threshold       time.Duration
	minBargeIn      time.Duration
	flushTimer      *time.Timer
}

func NewManager(strategy Strategy, emitter InterruptEmitter) Manager {
	return NewManagerWithOptions(strategy, emitter, ManagerOptions{})
}

func NewManagerWithOptions(strategy Strategy, emitter InterruptEmitter, opts ManagerOptions) Manager {
	sm := NewMachine()
	threshold := opts.BargeInThreshold
	if threshold <= 0 {
		threshold = 500 * time.Millisecond
	}
	minBargeIn := opts.MinBargeIn
	if minBargeIn <= 0 {
		minBargeIn = 300 * time.Millisecond
	}
	return &manager{
		sm:         sm,
		ic:         NewInterrupter(sm, emitter, opts.StreamID),
		strategy:   strategy,
		lastChange: time.Now(),
		threshold:  threshold,
		minBargeIn: minBargeIn,
	}
}

func (m *manager) State() State {
	return m.sm.State()
}

func (m *manager) Machine() *Machine { return m.sm }

func (m *manager) setState(s State, reason string) {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
	_ = m.sm.Transition(s, reason)
}

func (m *manager) OnUserSpeechStart() {
	wasSpeaking := m.sm.State() == StateSpeaking

	if m.sm.State() == StateIdle {
		m.setState(StateListening, "user speech start")
	}

	m.mu.Lock()
	m.userSpeechStart = time.Now()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	// Interrupt only after the caller has kept talking for minBargeIn, so a
	// cough or line noise does not kill agent speech.
	if wasSpeaking && m.strategy != nil && m.strategy.BargeInEnabled() {
		start := m.userSpeechStart
		m.flushTimer = time.AfterFunc(m.minBargeIn, func() {
			m.mu.RLock()
			active := m.userSpeechStart.Equal(start)
			m.mu.RUnlock()
			if active {
				m.ic.OnVoiceActivity()
			}
		})
	}
	m.mu.Unlock()
}

func (m *manager) OnUserSpeechEnd() {
	if m.sm.State() == StateIdle {
		m.setState(StateListening, "user speech end")
	}
	m.setState(StateThinking, "user turn complete")
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.mu.Unlock()
}

func (m *manager) OnAgentThinkStart() {
	currentState := m.sm.State()
	if currentState == StateIdle {
		m.setState(StateListening, "agent think start")
	}
	m.setState(StateThinking, "agent think start")
}

func (m *manager) OnAgentThinkEnd() {
}

func (m *manager) OnAgentSpeechStart() {
	m.setState(StateSpeaking, "agent speech start")
}

func (m *manager) OnToolWaitStart() {
	m.setState(StateAwaitingTool, "tool calls dispatched")
}

func (m *manager) OnToolWaitEnd() {
	m.setState(StateThinking, "tool results complete")
}

// OnAudioComplete notifies the state machine that playback finished naturally.
func (m *manager) OnAudioComplete() {
	m.ic.OnSpeechComplete()
}

// OnSTTInput forwards observed caller speech duration for barge-in detection.
func (m *manager) OnSTTInput(duration time.Duration) {
	if m.strategy != nil && !m.strategy.BargeInEnabled() {
		return
	}
	if duration > m.threshold {
		m.ic.OnVoiceActivity()
	}
}

func (m *manager) OnCallEnd(reason string) {
	m.setState(StateClosed, reason)
}

func (m *manager) BargeInLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastChange)
}

// AddListener registers a listener for state change events.
func (m *manager) AddListener(listener StateListener) {
	m.sm.AddListener(listener)
}
