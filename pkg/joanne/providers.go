package joanne

import (
	"fmt"
	"strings"
	"time"

	"github.com/parkvoice/joanne/pkg/adapters/stt"
	"github.com/parkvoice/joanne/pkg/adapters/tts"
	"github.com/parkvoice/joanne/pkg/configutil"
	"github.com/parkvoice/joanne/pkg/llm"
	"github.com/parkvoice/joanne/pkg/providers/deepgram"
	"github.com/parkvoice/joanne/pkg/providers/elevenlabs"
	"github.com/parkvoice/joanne/pkg/providers/mock"
	"github.com/parkvoice/joanne/pkg/providers/openai"
	"github.com/parkvoice/joanne/pkg/resilience"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

type deepgramSettings struct {
	APIKey         string   `mapstructure:"api_key"`
	Model          string   `mapstructure:"model"`
	Language       string   `mapstructure:"language"`
	SampleRate     int      `mapstructure:"sample_rate"`
	Encoding       string   `mapstructure:"encoding"`
	Interim        *bool    `mapstructure:"interim"`
	VADEvents      *bool    `mapstructure:"vad_events"`
	UtteranceEndMS *int     `mapstructure:"utterance_end_ms"`
	Keywords       []string `mapstructure:"keywords"`
}

type deepgramTTSSettings struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
}

type elevenlabsSettings struct {
	APIKey          string  `mapstructure:"api_key"`
	VoiceID         string  `mapstructure:"voice_id"`
	ModelID         string  `mapstructure:"model_id"`
	OutputFormat    string  `mapstructure:"output_format"`
	SampleRate      int     `mapstructure:"sample_rate"`
	Stability       float64 `mapstructure:"stability"`
	SimilarityBoost float64 `mapstructure:"similarity_boost"`
}

type chatSettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
	EmitVAD           *bool  `mapstructure:"emit_vad"`
	EmitUtteranceEnd  *bool  `mapstructure:"emit_utterance_end"`
}

type mockTTSSettings struct {
	EmitAudioReady *bool `mapstructure:"emit_audio_ready"`
	SampleRate     int   `mapstructure:"sample_rate"`
	Channels       int   `mapstructure:"channels"`
}

type mockLLMSettings struct {
	ResponseText string         `mapstructure:"response_text"`
	ToolCalls    []mockToolCall `mapstructure:"tool_calls"`
	StreamChunks []string       `mapstructure:"stream_chunks"`
}

type mockToolCall struct {
	ID        string         `mapstructure:"id"`
	Name      string         `mapstructure:"name"`
	Arguments map[string]any `mapstructure:"arguments"`
}

// RegisterDefaultProviders wires the stock vendor set: Deepgram transcription
// and synthesis, ElevenLabs synthesis, and any OpenAI-compatible chat endpoint
// (Groq gets a pre-filled base URL). Mock providers back the offline tests.
func RegisterDefaultProviders(reg *ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		var settings deepgramSettings
		if err := decodeVendor("vendors.stt.settings", cfg.Vendors.STT.Settings, &settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms", "keywords"},
		}); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.stt.settings.model"); err != nil {
			return nil, err
		}
		settings.SampleRate = engineSampleRate(cfg, settings.SampleRate)
		if settings.Language == "" {
			settings.Language = "en-GB"
		}
		if settings.Encoding == "" {
			settings.Encoding = "mulaw"
		}
		if !validDeepgramEncoding(settings.Encoding) {
			return nil, fmt.Errorf("vendors.stt.settings.encoding must be one of [linear16, mulaw], got %s", settings.Encoding)
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		interim := configutil.BoolValue(settings.Interim, true)
		vadEvents := configutil.BoolValue(settings.VADEvents, true)

		return func(callSID, streamID string) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:         settings.APIKey,
				Model:          settings.Model,
				Language:       settings.Language,
				SampleRate:     settings.SampleRate,
				Encoding:       settings.Encoding,
				Interim:        interim,
				VADEvents:      vadEvents,
				UtteranceEndMS: utteranceEnd,
				Keywords:       settings.Keywords,
				StreamID:       streamID,
				CallSID:        callSID,
				TraceID:        traceID,
			})
		}, nil
	})

	reg.RegisterSTT("mock", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		var settings mockSTTSettings
		if err := decodeVendor("vendors.stt.settings", cfg.Vendors.STT.Settings, &settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript", "emit_interim", "emit_vad", "emit_utterance_end"},
		}); err != nil {
			return nil, err
		}
		emitInterim := configutil.BoolValue(settings.EmitInterim, false)
		emitVAD := configutil.BoolValue(settings.EmitVAD, false)
		emitUtteranceEnd := configutil.BoolValue(settings.EmitUtteranceEnd, false)
		return func(callSID, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				StreamID:          streamID,
				CallSID:           callSID,
				TraceID:           traceID,
				Transcript:        settings.Transcript,
				InterimTranscript: settings.InterimTranscript,
				EmitInterim:       emitInterim,
				EmitVAD:           emitVAD,
				EmitUtteranceEnd:  emitUtteranceEnd,
			})
		}, nil
	})

	reg.RegisterTTS("deepgram", func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
		var settings deepgramTTSSettings
		if err := decodeVendor("vendors.tts.settings", cfg.Vendors.TTS.Settings, &settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "encoding", "sample_rate"},
		}); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if settings.Encoding == "" {
			settings.Encoding = "mulaw"
		}
		if !validDeepgramEncoding(settings.Encoding) {
			return nil, fmt.Errorf("vendors.tts.settings.encoding must be one of [linear16, mulaw], got %s", settings.Encoding)
		}
		settings.SampleRate = engineSampleRate(cfg, settings.SampleRate)
		return func(callSID, streamID string) tts.StreamingTTS {
			return deepgram.NewTTS(deepgram.TTSConfig{
				APIKey:     settings.APIKey,
				Model:      settings.Model,
				Encoding:   settings.Encoding,
				SampleRate: settings.SampleRate,
				StreamID:   streamID,
				CallSID:    callSID,
			})
		}, nil
	})

	reg.RegisterTTS("elevenlabs", func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
		var settings elevenlabsSettings
		if err := decodeVendor("vendors.tts.settings", cfg.Vendors.TTS.Settings, &settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "sample_rate", "stability", "similarity_boost"},
		}); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		if settings.OutputFormat == "" {
			settings.OutputFormat = "ulaw_8000"
		}
		settings.SampleRate = engineSampleRate(cfg, settings.SampleRate)
		return func(callSID, streamID string) tts.StreamingTTS {
			return elevenlabs.New(elevenlabs.Config{
				APIKey:          settings.APIKey,
				VoiceID:         settings.VoiceID,
				ModelID:         settings.ModelID,
				OutputFormat:    settings.OutputFormat,
				SampleRate:      settings.SampleRate,
				Stability:       settings.Stability,
				SimilarityBoost: settings.SimilarityBoost,
				StreamID:        streamID,
				CallSID:         callSID,
			})
		}, nil
	})

	reg.RegisterTTS("mock", func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
		var settings mockTTSSettings
		if err := decodeVendor("vendors.tts.settings", cfg.Vendors.TTS.Settings, &settings, configutil.Schema{
			Optional: []string{"emit_audio_ready", "sample_rate", "channels"},
		}); err != nil {
			return nil, err
		}
		sampleRate := engineSampleRate(cfg, settings.SampleRate)
		channels := settings.Channels
		if channels == 0 {
			channels = 1
		}
		emitAudioReady := configutil.BoolValue(settings.EmitAudioReady, false)
		return func(callSID, streamID string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{
				StreamID:       streamID,
				CallSID:        callSID,
				SampleRate:     sampleRate,
				Channels:       channels,
				EmitAudioReady: emitAudioReady,
			})
		}, nil
	})

	reg.RegisterLLM("openai", chatFactory(""))
	reg.RegisterLLM("groq", chatFactory(groqBaseURL))

	reg.RegisterLLM("mock", func(cfg Config) (llm.LLMAdapter, error) {
		var settings mockLLMSettings
		if err := decodeVendor("vendors.llm.settings", cfg.Vendors.LLM.Settings, &settings, configutil.Schema{
			Optional: []string{"response_text", "tool_calls", "stream_chunks"},
		}); err != nil {
			return nil, err
		}
		toolCalls := make([]llm.ToolCall, 0, len(settings.ToolCalls))
		for i, tc := range settings.ToolCalls {
			id := strings.TrimSpace(tc.ID)
			if id == "" {
				id = fmt.Sprintf("mock-tool-%d", i+1)
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        id,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText: settings.ResponseText,
			ToolCalls:    toolCalls,
			StreamChunks: settings.StreamChunks,
		}), nil
	})
}

// chatFactory builds an OpenAI-compatible chat adapter. A non-empty
// defaultBaseURL turns the same adapter into a Groq (or any other
// compatible) client unless the settings override it.
func chatFactory(defaultBaseURL string) LLMFactory {
	return func(cfg Config) (llm.LLMAdapter, error) {
		var settings chatSettings
		if err := decodeVendor("vendors.llm.settings", cfg.Vendors.LLM.Settings, &settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
		}); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		} else if defaultBaseURL != "" {
			adapter.BaseURL = defaultBaseURL
		}
		useBreaker := configutil.BoolValue(settings.UseCircuitBreaker, true)
		threshold := settings.CircuitThreshold
		if threshold == 0 {
			threshold = 3
		}
		cooldown := settings.CircuitCooldownMs
		if cooldown == 0 {
			cooldown = 30000
		}
		if useBreaker {
			breaker := resilience.NewCircuitBreaker(threshold, time.Duration(cooldown)*time.Millisecond)
			return llm.NewGuardedAdapter(adapter, breaker), nil
		}
		return adapter, nil
	}
}

// decodeVendor validates a settings block against its schema and decodes it
// into the vendor's typed settings struct, prefixing errors with the config
// path so misconfiguration reports read like the YAML.
func decodeVendor(path string, input map[string]any, out any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := configutil.DecodeSettings(input, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// engineSampleRate resolves a vendor's sample rate: explicit setting wins,
// then the engine-wide rate, then telephony 8kHz.
func engineSampleRate(cfg Config, v int) int {
	if v > 0 {
		return v
	}
	if cfg.Engine.SampleRate > 0 {
		return cfg.Engine.SampleRate
	}
	return 8000
}

func validDeepgramEncoding(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "linear16", "mulaw":
		return true
	default:
		return false
	}
}
