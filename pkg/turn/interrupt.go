package turn

import (
	"time"

	"github.com/parkvoice/joanne/pkg/frames"
)

type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}

func NewFlushFrame(streamID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlFlush, nil)
}

func NewCancelFrame(streamID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlCancel, nil)
}

func NewInterruptFrame(streamID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlStartInterruption, nil)
}

// Interrupter cancels agent speech when the caller talks over it. It shares
// the call's state machine: voice activity outside Speaking is a no-op, and
// an interruption that races a natural completion wins or loses atomically
// on the Speaking->Listening transition. The losing signal is dropped.
type Interrupter struct {
	sm       *Machine
	emitter  InterruptEmitter
	streamID string
}

func NewInterrupter(sm *Machine, emitter InterruptEmitter, streamID string) *Interrupter {
	return &Interrupter{sm: sm, emitter: emitter, streamID: streamID}
}

// OnVoiceActivity handles a voice-activity signal from the inbound audio leg.
// Returns true when it actually interrupted agent speech.
func (ic *Interrupter) OnVoiceActivity() bool {
	if !ic.sm.TransitionIf(StateSpeaking, StateListening, "barge_in") {
		return false
	}
	if ic.emitter != nil {
		meta := map[string]string{
			frames.MetaSource: "turn",
			frames.MetaReason: "barge_in",
		}
		now := time.Now().UnixNano()
		_ = ic.emitter.Emit(frames.NewControlFrame(ic.streamID, now, frames.ControlFlush, meta))
		_ = ic.emitter.Emit(frames.NewControlFrame(ic.streamID, now, frames.ControlCancel, meta))
	}
	return true
}

// OnSpeechComplete handles natural end of synthesis. A completion signal that
// arrives after a barge-in already moved the machine off Speaking is ignored.
func (ic *Interrupter) OnSpeechComplete() bool {
	return ic.sm.TransitionIf(StateSpeaking, StateListening, "audio playback complete")
}
