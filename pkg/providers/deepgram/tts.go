package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/parkvoice/joanne/pkg/adapters/tts"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/logging"

	speakinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speakclient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
)

type TTSConfig struct {
	APIKey string

	// Model is the aura voice. Defaults to a British-English voice to match
	// the agent persona.
	Model      string
	Encoding   string
	SampleRate int

	StreamID string
	CallSID  string
}

// SpeakTTS streams synthesis over the Deepgram speak websocket. One session
// per call leg: text goes out through SendText, mulaw audio chunks come back
// through the callback and are emitted as frames.
type SpeakTTS struct {
	cfg    TTSConfig
	ws     *speakclient.WSCallback
	out    chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewTTS(cfg TTSConfig) *SpeakTTS {
	if cfg.Model == "" {
		cfg.Model = "aura-athena-en"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	return &SpeakTTS{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_tts"),
	}
}

func (s *SpeakTTS) Name() string { return "deepgram_speak" }

func (s *SpeakTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errors.New("missing deepgram api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	opts := &clientinterfaces.WSSpeakOptions{
		Model:      s.cfg.Model,
		Encoding:   s.cfg.Encoding,
		SampleRate: s.cfg.SampleRate,
	}

	s.logger.Info("deepgram_tts_connecting",
		"stream_id", s.cfg.StreamID,
		"call_sid", s.cfg.CallSID,
		"model", s.cfg.Model,
		"encoding", s.cfg.Encoding,
		"sample_rate", s.cfg.SampleRate)

	ws, err := speakclient.NewWSUsingCallback(s.ctx, s.cfg.APIKey,
		&clientinterfaces.ClientOptions{}, opts, &speakCallback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_tts_client_create_error",
			"error", err.Error(),
			"stream_id", s.cfg.StreamID)
		return err
	}
	s.ws = ws

	if !s.ws.Connect() {
		s.logger.Error("deepgram_tts_connect_failed", "stream_id", s.cfg.StreamID)
		return fmt.Errorf("deepgram speak connection failed")
	}
	s.logger.Info("deepgram_tts_connected",
		"stream_id", s.cfg.StreamID,
		"call_sid", s.cfg.CallSID)
	return nil
}

func (s *SpeakTTS) Close() error {
	s.logger.Info("deepgram_tts_closing", "stream_id", s.cfg.StreamID)
	if s.cancel != nil {
		s.cancel()
	}
	if s.ws != nil {
		s.ws.Stop()
	}
	return nil
}

func (s *SpeakTTS) SendText(text string) error {
	if s.ws == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := s.ws.SpeakWithText(text); err != nil {
		s.logger.Error("deepgram_tts_speak_error",
			"stream_id", s.cfg.StreamID,
			"error", err.Error())
		return err
	}
	// Replies are short conversational turns; force synthesis rather than
	// letting the service batch for more text.
	if err := s.ws.Flush(); err != nil {
		s.logger.Warn("deepgram_tts_flush_error",
			"stream_id", s.cfg.StreamID,
			"error", err.Error())
	}
	return nil
}

// Flush drops buffered audio so a barge-in never replays stale agent speech.
func (s *SpeakTTS) Flush() {
	for {
		select {
		case <-s.out:
		default:
			s.logger.Info("deepgram_tts_buffer_purged", "stream_id", s.cfg.StreamID)
			return
		}
	}
}

func (s *SpeakTTS) Results() <-chan frames.Frame { return s.out }

type speakCallback struct {
	parent *SpeakTTS
}

func (c *speakCallback) Binary(data []byte) error {
	s := c.parent
	if len(data) == 0 {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "deepgram",
	}
	// mulaw output needs no transcoding before the phone leg.
	if strings.Contains(s.cfg.Encoding, "mulaw") {
		meta[frames.MetaEncoding] = "mulaw"
		meta[frames.MetaCodec] = "ulaw"
		meta["sample_rate"] = strconv.Itoa(s.cfg.SampleRate)
		meta["channels"] = "1"
	}

	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), buf, s.cfg.SampleRate, 1, meta)
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_tts_output_buffer_full", "stream_id", s.cfg.StreamID)
	}
	return nil
}

func (c *speakCallback) Open(*speakinterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_tts_connection_opened",
		"stream_id", c.parent.cfg.StreamID)
	return nil
}

func (c *speakCallback) Metadata(*speakinterfaces.MetadataResponse) error { return nil }
func (c *speakCallback) Flush(*speakinterfaces.FlushedResponse) error     { return nil }
func (c *speakCallback) Clear(*speakinterfaces.ClearedResponse) error     { return nil }

func (c *speakCallback) Close(*speakinterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_tts_connection_closed",
		"stream_id", c.parent.cfg.StreamID)
	return nil
}

func (c *speakCallback) Warning(*speakinterfaces.WarningResponse) error {
	c.parent.logger.Warn("deepgram_tts_warning", "stream_id", c.parent.cfg.StreamID)
	return nil
}

func (c *speakCallback) Error(*speakinterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_tts_error", "stream_id", c.parent.cfg.StreamID)
	return nil
}

func (c *speakCallback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_tts_unhandled_event",
		"stream_id", c.parent.cfg.StreamID,
		"data", string(byData))
	return nil
}

var _ tts.StreamingTTS = (*SpeakTTS)(nil)
