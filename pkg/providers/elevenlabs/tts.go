package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parkvoice/joanne/pkg/adapters/tts"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/logging"
	"github.com/parkvoice/joanne/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int

	// Voice tuning. Zero values fall back to the service defaults that work
	// well for a telephone voice.
	Stability       float64
	SimilarityBoost float64

	StreamID string
	CallSID  string
}

// ElevenLabsTTS streams synthesis over the stream-input websocket. Text goes
// out through a single writer goroutine (the socket tolerates one writer);
// audio chunks come back base64-encoded and are emitted as frames.
type ElevenLabsTTS struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan outgoingText
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	mu      sync.Mutex
}

type outgoingText struct {
	text  string
	flush bool
}

// inboundMessage is the subset of the stream-input protocol we care about.
// The audio field name has varied across API revisions.
type inboundMessage struct {
	Audio       string          `json:"audio"`
	AudioB64    string          `json:"audio_base_64"`
	AudioB64Alt string          `json:"audio_base64"`
	Alignment   json.RawMessage `json:"alignment"`
}

func (m inboundMessage) audioPayload() string {
	switch {
	case m.Audio != "":
		return m.Audio
	case m.AudioB64 != "":
		return m.AudioB64
	default:
		return m.AudioB64Alt
	}
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.8
	}
	return &ElevenLabsTTS{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan outgoingText, 256),
		logger:  logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Debug("elevenlabs_connecting",
		"stream_id", s.cfg.StreamID,
		"output_format", s.cfg.OutputFormat)

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(s.streamInputURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("elevenlabs_rate_limited",
				"stream_id", s.cfg.StreamID,
				"status", resp.Status)
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		s.logger.Error("elevenlabs_connect_failed",
			"stream_id", s.cfg.StreamID,
			"error", err.Error())
		return err
	}
	s.conn = conn
	s.logger.Info("elevenlabs_connected",
		"stream_id", s.cfg.StreamID,
		"output_format", s.cfg.OutputFormat)

	// Session-opening message: voice settings and a chunk schedule tuned for
	// low first-byte latency on short conversational replies.
	_ = s.send(map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        s.cfg.Stability,
			"similarity_boost": s.cfg.SimilarityBoost,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	})
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *ElevenLabsTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("elevenlabs_closing", "stream_id", s.cfg.StreamID)
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *ElevenLabsTTS) SendText(text string) error {
	return s.SendTextWithOptions(text, false)
}

func (s *ElevenLabsTTS) SendTextWithOptions(text string, flush bool) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" && !flush {
		return nil
	}
	if text != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	select {
	case s.writeCh <- outgoingText{text: text, flush: flush}:
	default:
	}
	return nil
}

// Flush stops generation and discards any audio already buffered, so a
// barge-in never plays stale agent speech.
func (s *ElevenLabsTTS) Flush() {
	_ = s.send(map[string]any{"text": " ", "flush": true})
	for {
		select {
		case <-s.out:
		default:
			s.logger.Info("elevenlabs_buffer_purged", "stream_id", s.cfg.StreamID)
			return
		}
	}
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

func (s *ElevenLabsTTS) streamInputURL() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	if s.cfg.OutputFormat != "" {
		q.Set("output_format", s.cfg.OutputFormat)
	}
	q.Set("optimize_streaming_latency", "4")
	return "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input?" + q.Encode()
}

func (s *ElevenLabsTTS) writeLoop() {
	// The service drops idle sockets after 20s; keep-alive under that.
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			_ = s.send(payload)
		case <-ticker.C:
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *ElevenLabsTTS) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("elevenlabs_read_error",
						"stream_id", s.cfg.StreamID,
						"error", err.Error())
				}
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *ElevenLabsTTS) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("elevenlabs_unparseable_message",
			"stream_id", s.cfg.StreamID,
			"data", string(data))
		return
	}
	payload := msg.audioPayload()
	if payload == "" {
		if len(msg.Alignment) == 0 {
			s.logger.Debug("elevenlabs_non_audio_message",
				"stream_id", s.cfg.StreamID)
		}
		return
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		s.logger.Error("elevenlabs_audio_decode_error",
			"stream_id", s.cfg.StreamID,
			"error", err.Error())
		return
	}

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "elevenlabs",
	}
	// ulaw_8000 output needs no transcoding before the phone leg.
	if strings.Contains(s.cfg.OutputFormat, "ulaw") {
		meta[frames.MetaEncoding] = "mulaw"
		meta[frames.MetaCodec] = "ulaw"
		meta["sample_rate"] = "8000"
		meta["channels"] = "1"
	}

	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta)
	select {
	case s.out <- f:
	default:
		s.logger.Warn("elevenlabs_output_buffer_full",
			"stream_id", s.cfg.StreamID)
	}
}

func (s *ElevenLabsTTS) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
