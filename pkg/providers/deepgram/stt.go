package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/parkvoice/joanne/pkg/adapters/stt"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
	VADEvents  bool

	// UtteranceEndMS enables Deepgram's native end-of-utterance detection.
	// Zero disables it and leaves endpointing to speech_final alone.
	UtteranceEndMS int

	// Keywords boosts recognition of domain vocabulary (terminal names,
	// phonetic-alphabet words callers use when spelling registrations).
	Keywords []string

	StreamID string
	CallSID  string
	TraceID  string
}

// StreamingSTT bridges one call's audio into a Deepgram live-transcription
// websocket. Audio goes in through an io.Pipe feeding the SDK's Stream loop;
// transcripts and VAD events come back through the callback and are exposed
// as frames on Results().
type StreamingSTT struct {
	cfg    Config
	ws     *client.WSCallback
	out    chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	pr     *io.PipeReader
	pw     *io.PipeWriter
	logger *slog.Logger

	metaLogged bool
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pr, s.pw = io.Pipe()

	opts := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = strconv.Itoa(s.cfg.UtteranceEndMS)
	}
	if len(s.cfg.Keywords) > 0 {
		opts.Keywords = s.cfg.Keywords
	}

	s.logger.Info("deepgram_connecting",
		"stream_id", s.cfg.StreamID,
		"call_sid", s.cfg.CallSID,
		"model", s.cfg.Model,
		"language", s.cfg.Language,
		"sample_rate", s.cfg.SampleRate,
		"vad_events", s.cfg.VADEvents,
		"utterance_end_ms", s.cfg.UtteranceEndMS)

	ws, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey,
		&interfaces.ClientOptions{EnableKeepAlive: true}, opts, &liveCallback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			"error", err.Error(),
			"stream_id", s.cfg.StreamID)
		return err
	}
	s.ws = ws

	if !s.ws.Connect() {
		s.logger.Error("deepgram_connect_failed", "stream_id", s.cfg.StreamID)
		return fmt.Errorf("deepgram connection failed")
	}
	s.logger.Info("deepgram_connected",
		"stream_id", s.cfg.StreamID,
		"call_sid", s.cfg.CallSID)

	go func() {
		if err := s.ws.Stream(s.pr); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				"error", err.Error(),
				"stream_id", s.cfg.StreamID)
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("deepgram_closing", "stream_id", s.cfg.StreamID)
	if s.cancel != nil {
		s.cancel()
	}
	if s.pw != nil {
		_ = s.pw.Close()
	}
	if s.ws != nil {
		s.ws.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pw == nil {
		return fmt.Errorf("not started")
	}
	if _, err := s.pw.Write(frame.RawPayload()); err != nil {
		s.logger.Error("deepgram_audio_write_error",
			"error", err.Error(),
			"stream_id", s.cfg.StreamID)
		return err
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) baseMeta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

func (s *StreamingSTT) emit(f frames.Frame, event string) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			"stream_id", s.cfg.StreamID,
			"dropped", event)
	}
}

// emitFlush pushes an end-of-turn (or barge-in) marker downstream. The reason
// tells the turn manager and aggregator which Deepgram signal fired.
func (s *StreamingSTT) emitFlush(reason string) {
	meta := s.baseMeta()
	meta[frames.MetaReason] = reason
	s.emit(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, meta), reason)
}

type liveCallback struct {
	parent *StreamingSTT
}

func (c *liveCallback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		"stream_id", c.parent.cfg.StreamID)
	return nil
}

// Message carries transcript segments. Finals are followed by a speech_final
// flush so downstream stages see the segment and its endpoint back to back.
func (c *liveCallback) Message(mr *msginterfaces.MessageResponse) error {
	s := c.parent
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal
	meta := s.baseMeta()
	meta[frames.MetaIsFinal] = strconv.FormatBool(isFinal)

	s.logger.Debug("transcript_received",
		"stream_id", s.cfg.StreamID,
		"transcript", transcript,
		"is_final", isFinal)

	s.emit(frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), transcript, meta), "transcript")

	if mr.SpeechFinal {
		s.emitFlush("speech_final")
	}
	return nil
}

func (c *liveCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			"stream_id", c.parent.cfg.StreamID,
			"request_id", md.RequestID)
	}
	return nil
}

func (c *liveCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Info("speech_started_event",
		"stream_id", c.parent.cfg.StreamID)
	c.parent.emitFlush("speech_started")
	return nil
}

func (c *liveCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Info("utterance_end_event",
		"stream_id", c.parent.cfg.StreamID)
	c.parent.emitFlush("utterance_end")
	return nil
}

func (c *liveCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		"stream_id", c.parent.cfg.StreamID)
	return nil
}

func (c *liveCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		"stream_id", c.parent.cfg.StreamID,
		"error_code", er.ErrCode,
		"error_message", er.ErrMsg)
	return nil
}

func (c *liveCallback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		"stream_id", c.parent.cfg.StreamID,
		"data", string(byData))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
