package processors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parkvoice/joanne/pkg/adapters/tts"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/metrics"
)

type mockTTS struct {
	flushCount int
	startCount int
	closeCount int
	sendErr    error
	texts      []string
	out        chan frames.Frame
}

func (m *mockTTS) Name() string { return "mock_tts" }

func (m *mockTTS) Start(context.Context) error {
	m.startCount++
	return nil
}

func (m *mockTTS) Close() error {
	m.closeCount++
	return nil
}

func (m *mockTTS) SendText(text string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.texts = append(m.texts, text)
	return nil
}

func (m *mockTTS) Flush() { m.flushCount++ }

func (m *mockTTS) Results() <-chan frames.Frame { return m.out }

func dispatchText(streamID, text string) frames.TextFrame {
	return frames.NewTextFrame(streamID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "dispatch",
	})
}

func TestTTSProcessorInterruptionFlush(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	proc := NewTTSProcessor(func(callSID, streamID string) tts.StreamingTTS { return mock })

	if _, err := proc.Process(dispatchText("stream-1", "One moment please")); err != nil {
		t.Fatalf("process text: %v", err)
	}

	ctrl := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{frames.MetaStreamID: "stream-1"})
	if _, err := proc.Process(ctrl); err != nil {
		t.Fatalf("process interruption: %v", err)
	}
	if mock.flushCount == 0 {
		t.Fatal("expected flush on interruption")
	}
}

func TestTTSProcessorDrainsAudioAndRecordsFirst(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 4)}
	proc := NewTTSProcessor(func(callSID, streamID string) tts.StreamingTTS { return mock })
	obs := metrics.NewMemoryObserver()
	proc.SetObserver(obs)

	if _, err := proc.Process(dispatchText("stream-1", "Bay forty two.")); err != nil {
		t.Fatalf("process: %v", err)
	}
	mock.out <- frames.NewAudioFrame("stream-1", 1, make([]byte, 160), 8000, 1, nil)

	out, err := proc.Process(frames.NewControlFrame("stream-1", 2, frames.ControlAudioReady, map[string]string{frames.MetaStreamID: "stream-1"}))
	if err != nil {
		t.Fatalf("process drain: %v", err)
	}
	foundAudio := false
	for _, f := range out {
		if f.Kind() == frames.KindAudio {
			foundAudio = true
		}
	}
	if !foundAudio {
		t.Fatalf("expected drained audio frame, got %d frames", len(out))
	}
	if len(obs.Named("tts_first_audio")) != 1 {
		t.Fatal("expected one tts_first_audio event")
	}
}

func TestTTSProcessorFallbackAfterRetriesExhausted(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1), sendErr: errors.New("socket gone")}
	proc := NewTTSProcessor(func(callSID, streamID string) tts.StreamingTTS { return mock })

	out, err := proc.Process(dispatchText("stream-1", "Bay forty two."))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	var fallback bool
	for _, f := range out {
		if f.Kind() == frames.KindControl && f.(frames.ControlFrame).Code() == frames.ControlFallback {
			fallback = true
		}
	}
	if !fallback {
		t.Fatal("expected fallback control frame after send failures")
	}
	if mock.startCount < 2 {
		t.Fatalf("expected session rebuilds during retry, got %d starts", mock.startCount)
	}
}

func TestTTSProcessorCallEndClosesSession(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	proc := NewTTSProcessor(func(callSID, streamID string) tts.StreamingTTS { return mock })

	if _, err := proc.Process(dispatchText("stream-1", "hello")); err != nil {
		t.Fatalf("process: %v", err)
	}
	end := frames.NewSystemFrame("stream-1", 1, "call_end", map[string]string{frames.MetaStreamID: "stream-1"})
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("process call_end: %v", err)
	}
	if mock.closeCount == 0 {
		t.Fatal("expected session close on call_end")
	}
}
