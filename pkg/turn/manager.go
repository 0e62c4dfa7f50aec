package turn

import "time"

type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

// Manager is the frame-facing facade over the state machine: processors feed
// it speech/think/audio events and it drives transitions plus barge-in.
type Manager interface {
	OnUserSpeechStart()
	OnUserSpeechEnd()
	OnAgentThinkStart()
	OnAgentThinkEnd()
	OnAgentSpeechStart()
	OnToolWaitStart()
	OnToolWaitEnd()
	OnAudioComplete()
	OnSTTInput(duration time.Duration)
	OnCallEnd(reason string)
	AddListener(listener StateListener)
	State() State
	BargeInLatency() time.Duration
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }
