package turn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parkvoice/joanne/pkg/frames"
)

type captureEmitter struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureEmitter) Emit(frame frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureEmitter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func speakingMachine(t *testing.T) *Machine {
	t.Helper()
	sm := NewMachine()
	for _, s := range []State{StateListening, StateThinking, StateSpeaking} {
		if err := sm.Transition(s, "setup"); err != nil {
			t.Fatalf("transition error: %v", err)
		}
	}
	return sm
}

func TestMachineToolLoopTransitions(t *testing.T) {
	sm := NewMachine()
	steps := []State{StateListening, StateThinking, StateAwaitingTool, StateThinking, StateSpeaking, StateListening}
	for _, s := range steps {
		if err := sm.Transition(s, "loop"); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if sm.State() != StateListening {
		t.Fatalf("expected LISTENING, got %s", sm.State())
	}
}

func TestMachineClosedIsTerminal(t *testing.T) {
	sm := NewMachine()
	if err := sm.Transition(StateClosed, "hangup"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sm.Transition(StateListening, "reopen"); err == nil {
		t.Fatalf("expected error transitioning out of CLOSED")
	}
	if !sm.Closed() {
		t.Fatalf("expected Closed true")
	}
}

func TestMachineRejectsSkippedStates(t *testing.T) {
	sm := NewMachine()
	if err := sm.Transition(StateSpeaking, "skip"); err == nil {
		t.Fatalf("expected IDLE->SPEAKING to be rejected")
	}
	var ite *InvalidTransitionError
	err := sm.Transition(StateAwaitingTool, "skip")
	if err == nil {
		t.Fatalf("expected IDLE->AWAITING_TOOL to be rejected")
	}
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
}

func TestTransitionIfIsAtomic(t *testing.T) {
	// TransitionIf(THINKING, LISTENING) racing Transition(SPEAKING): if the
	// precondition check and the transition were separate lock acquisitions,
	// the conditional caller could observe THINKING, lose the race, and then
	// still transition out of SPEAKING. Under one lock at most one wins.
	for i := 0; i < 200; i++ {
		sm := NewMachine()
		for _, s := range []State{StateListening, StateThinking} {
			if err := sm.Transition(s, "setup"); err != nil {
				t.Fatalf("setup transition: %v", err)
			}
		}

		var wg sync.WaitGroup
		var condOK, plainOK bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			condOK = sm.TransitionIf(StateThinking, StateListening, "empty_response")
		}()
		go func() {
			defer wg.Done()
			plainOK = sm.Transition(StateSpeaking, "assistant_turn") == nil
		}()
		wg.Wait()

		if condOK && plainOK {
			t.Fatalf("iteration %d: both racing transitions succeeded", i)
		}
		switch st := sm.State(); {
		case condOK && st != StateListening:
			t.Fatalf("iteration %d: conditional winner left state %s", i, st)
		case plainOK && st != StateSpeaking:
			t.Fatalf("iteration %d: unconditional winner left state %s", i, st)
		}
	}
}

func TestInterrupterCancelsSpeech(t *testing.T) {
	emitter := &captureEmitter{}
	sm := speakingMachine(t)
	ic := NewInterrupter(sm, emitter, "stream-1")

	if !ic.OnVoiceActivity() {
		t.Fatalf("expected interruption while SPEAKING")
	}
	if sm.State() != StateListening {
		t.Fatalf("expected LISTENING after barge-in, got %s", sm.State())
	}
	if emitter.Count() != 2 {
		t.Fatalf("expected flush+cancel frames, got %d", emitter.Count())
	}
}

func TestInterrupterNoOpOutsideSpeaking(t *testing.T) {
	emitter := &captureEmitter{}
	sm := NewMachine()
	ic := NewInterrupter(sm, emitter, "stream-1")

	if ic.OnVoiceActivity() {
		t.Fatalf("expected no-op in IDLE")
	}
	if emitter.Count() != 0 {
		t.Fatalf("expected no frames emitted, got %d", emitter.Count())
	}
}

func TestInterrupterWinsRaceWithCompletion(t *testing.T) {
	emitter := &captureEmitter{}
	sm := speakingMachine(t)
	ic := NewInterrupter(sm, emitter, "stream-1")

	if !ic.OnVoiceActivity() {
		t.Fatalf("expected interruption to win")
	}
	// The late natural-completion signal must be swallowed.
	if ic.OnSpeechComplete() {
		t.Fatalf("expected completion signal to lose the race")
	}
	if sm.State() != StateListening {
		t.Fatalf("expected LISTENING, got %s", sm.State())
	}
}

func TestManagerBargeInThreshold(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManagerWithOptions(AggressiveStrategy{}, emitter, ManagerOptions{
		BargeInThreshold: 50 * time.Millisecond,
	})
	m.OnUserSpeechStart()
	m.OnUserSpeechEnd()
	m.OnAgentSpeechStart()

	m.OnSTTInput(20 * time.Millisecond)
	if emitter.Count() != 0 {
		t.Fatalf("expected no interruption below threshold")
	}

	m.OnSTTInput(80 * time.Millisecond)
	if emitter.Count() == 0 {
		t.Fatalf("expected interruption above threshold")
	}
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING after barge-in, got %s", m.State())
	}
}
