package joanne

import (
	"fmt"
	"strings"

	"github.com/parkvoice/joanne/pkg/adapters/stt"
	"github.com/parkvoice/joanne/pkg/adapters/tts"
	"github.com/parkvoice/joanne/pkg/llm"
)

// Factory builders are invoked once per engine start with the loaded
// config; the STT/TTS builders return per-call factories because those
// vendors hold one streaming session per call leg, while the model adapter
// is shared across calls.
type (
	STTFactoryBuilder func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error)
	TTSFactoryBuilder func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error)
	LLMFactory        func(cfg Config) (llm.LLMAdapter, error)
)

// ProviderRegistry maps vendor names from config to their constructors.
// Names are case-insensitive.
type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	tts map[string]TTSFactoryBuilder
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactoryBuilder),
		tts: make(map[string]TTSFactoryBuilder),
		llm: make(map[string]LLMFactory),
	}
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactoryBuilder) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
	fn, ok := r.stt[providerKey(provider)]
	if !ok {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg, traceID)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
	fn, ok := r.tts[providerKey(provider)]
	if !ok {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.LLMAdapter, error) {
	fn, ok := r.llm[providerKey(provider)]
	if !ok {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}
