// Package mock provides scripted STT, TTS, and model providers for local
// runs and pipeline tests. Each one plays back a configured response the
// first time it is poked, using the same frame shapes the real vendors emit.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/adapters/stt"
	"github.com/parkvoice/joanne/pkg/frames"
)

// STTConfig scripts what the fake recognizer says and which endpointing
// signals it raises around the transcript.
type STTConfig struct {
	StreamID          string
	CallSID           string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitVAD           bool
	EmitUtteranceEnd  bool
}

// StreamingSTT emits the scripted transcript on the first SendAudio and
// ignores audio after that. The emission order mirrors a live recognizer:
// optional speech-start, optional interim, final, flush, optional
// utterance-end.
type StreamingSTT struct {
	cfg    STTConfig
	out    chan frames.Frame
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	played  bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

// SendAudio triggers the scripted playback once; later calls are no-ops so
// tests can stream as much audio as they like without duplicate turns.
func (s *StreamingSTT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.played {
		s.mu.Unlock()
		return nil
	}
	s.played = true
	s.mu.Unlock()

	if s.cfg.EmitVAD {
		s.emitControl("speech_started")
	}
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.emitTranscript(interim, false)
	}
	s.emitTranscript(s.cfg.Transcript, true)
	s.emitControl("speech_final")
	if s.cfg.EmitUtteranceEnd {
		s.emitControl("utterance_end")
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) meta() map[string]string {
	m := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	return m
}

func (s *StreamingSTT) emitTranscript(text string, final bool) {
	m := s.meta()
	if final {
		m[frames.MetaIsFinal] = "true"
	} else {
		m[frames.MetaIsFinal] = "false"
	}
	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), text, m)
}

func (s *StreamingSTT) emitControl(reason string) {
	m := s.meta()
	m[frames.MetaReason] = reason
	s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, m)
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
