package pipeline

// VoiceAgentBuilder assembles the per-call processor chain. Stages land in
// one of three bands that fix the wire order regardless of call order:
// acoustic front-ends first, then the conversational core (STT, turn,
// dispatch, TTS), then serializers on the way back out.
type VoiceAgentBuilder struct {
	front []FrameProcessor
	core  []FrameProcessor
	back  []FrameProcessor
}

func NewVoiceAgentBuilder() *VoiceAgentBuilder {
	return &VoiceAgentBuilder{}
}

func (b *VoiceAgentBuilder) WithProcessor(p FrameProcessor) *VoiceAgentBuilder {
	if p != nil {
		b.core = append(b.core, p)
	}
	return b
}

// The named wrappers below exist for call-site readability; they all place
// their processor in the core band in call order.

func (b *VoiceAgentBuilder) WithSTT(p FrameProcessor) *VoiceAgentBuilder         { return b.WithProcessor(p) }
func (b *VoiceAgentBuilder) WithTurnManager(p FrameProcessor) *VoiceAgentBuilder { return b.WithProcessor(p) }
func (b *VoiceAgentBuilder) WithDispatch(p FrameProcessor) *VoiceAgentBuilder    { return b.WithProcessor(p) }
func (b *VoiceAgentBuilder) WithTTS(p FrameProcessor) *VoiceAgentBuilder         { return b.WithProcessor(p) }

func (b *VoiceAgentBuilder) WithAcoustic(p FrameProcessor) *VoiceAgentBuilder {
	if p != nil {
		b.front = append(b.front, p)
	}
	return b
}

func (b *VoiceAgentBuilder) WithSerializer(p FrameProcessor) *VoiceAgentBuilder {
	if p != nil {
		b.back = append(b.back, p)
	}
	return b
}

func (b *VoiceAgentBuilder) Build(cfg Config) Orchestrator {
	chain := make([]FrameProcessor, 0, len(b.front)+len(b.core)+len(b.back))
	chain = append(chain, b.front...)
	chain = append(chain, b.core...)
	chain = append(chain, b.back...)
	return NewWithPipelineConfig(PipelineConfig{Config: cfg, Processors: chain})
}
