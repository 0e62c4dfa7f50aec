package processors

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/pipeline"
	"github.com/parkvoice/joanne/pkg/turn"
)

type TurnProcessorConfig struct {
	BargeInThreshold time.Duration
	MinBargeIn       time.Duration
	EndOfTurnTimeout time.Duration
}

// SilenceRepromptConfig makes the agent nudge a quiet caller. After Timeout
// of silence following agent speech, a reprompt system frame is emitted, up
// to MaxAttempts times per quiet spell.
type SilenceRepromptConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	PromptText  string
}

// TurnProcessor watches the frame flow for speech boundaries and feeds them
// to the turn manager, which decides when a barge-in interrupts the agent.
// It also owns two watchdogs: the end-of-turn timer that force-closes a
// caller turn when the recognizer never signals an endpoint, and the
// silence timer that reprompts a caller who has gone quiet.
type TurnProcessor struct {
	mgr    turn.Manager
	emitCh chan frames.Frame
	lastID string

	mu          sync.Mutex
	lastTraceID string

	idleCfg   *SilenceRepromptConfig
	idleTimer *time.Timer
	reprompts int

	turnTTL    time.Duration
	turnTimer  *time.Timer
	turnStream string
}

func NewTurnProcessor(strategy turn.Strategy) *TurnProcessor {
	return NewTurnProcessorWithConfig(strategy, TurnProcessorConfig{})
}

func NewTurnProcessorWithConfig(strategy turn.Strategy, cfg TurnProcessorConfig) *TurnProcessor {
	tp := &TurnProcessor{
		emitCh:  make(chan frames.Frame, 32),
		turnTTL: cfg.EndOfTurnTimeout,
	}
	tp.mgr = turn.NewManagerWithOptions(strategy, &turnEmitter{out: tp.emitCh}, turn.ManagerOptions{
		BargeInThreshold: cfg.BargeInThreshold,
		MinBargeIn:       cfg.MinBargeIn,
	})
	return tp
}

func (p *TurnProcessor) SetSilenceReprompt(cfg *SilenceRepromptConfig) {
	if cfg != nil {
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = 2
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 10 * time.Second
		}
		if cfg.PromptText == "" {
			cfg.PromptText = "Hello, are you still there?"
		}
	}
	p.mu.Lock()
	p.idleCfg = cfg
	p.mu.Unlock()
}

func (p *TurnProcessor) Name() string { return "turn_processor" }

func (p *TurnProcessor) Manager() turn.Manager { return p.mgr }

func (p *TurnProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if traceID := f.Meta()[frames.MetaTraceID]; traceID != "" {
		p.mu.Lock()
		p.lastTraceID = traceID
		p.mu.Unlock()
	}
	if streamID := f.Meta()[frames.MetaStreamID]; streamID != "" {
		p.lastID = streamID
	}

	out := p.drainEmitted()
	switch f.Kind() {
	case frames.KindControl:
		p.onControl(f.(frames.ControlFrame))
	case frames.KindText:
		p.onText(f.(frames.TextFrame))
	case frames.KindSystem:
		p.onSystem(f.(frames.SystemFrame))
	}
	out = append(out, f)
	return append(out, p.drainEmitted()...), nil
}

func (p *TurnProcessor) onControl(cf frames.ControlFrame) {
	meta := cf.Meta()
	switch cf.Code() {
	case frames.ControlFlush:
		switch meta[frames.MetaSource] {
		case "stt", "vad", "audio_gate":
			if isEndOfTurnReason(meta[frames.MetaReason]) {
				p.stopTurnTimer()
				p.mgr.OnUserSpeechEnd()
			} else {
				p.userSpeaking(meta[frames.MetaStreamID])
			}
		}
		p.quietIdleTimer()
	case frames.ControlAudioReady:
		// agent finished talking; the caller's silence clock starts now
		p.mgr.OnAudioComplete()
		p.armIdleTimer()
	}
}

func (p *TurnProcessor) onText(tf frames.TextFrame) {
	switch tf.Meta()[frames.MetaSource] {
	case "stt":
		p.quietIdleTimer()
		if isFinal(tf.Meta()) {
			p.stopTurnTimer()
			p.mgr.OnUserSpeechEnd()
		} else {
			p.userSpeaking(tf.Meta()[frames.MetaStreamID])
		}
	case "dispatch":
		p.mgr.OnAgentSpeechStart()
		p.quietIdleTimer()
	}
}

func (p *TurnProcessor) onSystem(sf frames.SystemFrame) {
	switch sf.Name() {
	case "thinking_start":
		p.mgr.OnAgentThinkStart()
	case "thinking_end":
		p.mgr.OnAgentThinkEnd()
	case "call_end":
		p.quietIdleTimer()
		p.stopTurnTimer()
		p.mu.Lock()
		p.lastTraceID = ""
		p.mu.Unlock()
	}
}

func (p *TurnProcessor) userSpeaking(streamID string) {
	p.mgr.OnUserSpeechStart()
	p.armTurnTimer(streamID)
}

func (p *TurnProcessor) drainEmitted() []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f := <-p.emitCh:
			out = append(out, p.stampStream(f))
		default:
			return out
		}
	}
}

// stampStream fills in the stream ID on frames the turn manager emitted
// without one, so downstream routing still works.
func (p *TurnProcessor) stampStream(f frames.Frame) frames.Frame {
	if p.lastID == "" {
		return f
	}
	meta := f.Meta()
	if meta[frames.MetaStreamID] != "" {
		return f
	}
	meta[frames.MetaStreamID] = p.lastID
	if meta[frames.MetaSource] == "" {
		meta[frames.MetaSource] = "turn"
	}
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		return frames.NewControlFrame(p.lastID, cf.PTS(), cf.Code(), meta)
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		return frames.NewSystemFrame(p.lastID, sf.PTS(), sf.Name(), meta)
	case frames.KindText:
		tf := f.(frames.TextFrame)
		return frames.NewTextFrame(p.lastID, tf.PTS(), tf.Text(), meta)
	default:
		return f
	}
}

// armIdleTimer schedules a reprompt after the configured silence window.
// Each fired reprompt re-arms the timer until attempts run out; any caller
// activity resets the whole cycle via quietIdleTimer.
func (p *TurnProcessor) armIdleTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.idleCfg
	if cfg == nil {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	streamID := p.lastID
	p.idleTimer = time.AfterFunc(cfg.Timeout, func() { p.fireReprompt(streamID) })
}

func (p *TurnProcessor) fireReprompt(streamID string) {
	p.mu.Lock()
	cfg := p.idleCfg
	if cfg == nil || streamID == "" || p.reprompts >= cfg.MaxAttempts {
		p.mu.Unlock()
		return
	}
	p.reprompts++
	meta := map[string]string{
		frames.MetaStreamID:        streamID,
		frames.MetaGreetingText:    cfg.PromptText,
		frames.MetaRepromptAttempt: fmt.Sprintf("%d", p.reprompts),
	}
	if traceID := strings.TrimSpace(p.lastTraceID); traceID != "" {
		meta[frames.MetaTraceID] = traceID
	}
	again := p.reprompts < cfg.MaxAttempts
	if again {
		p.idleTimer = time.AfterFunc(cfg.Timeout, func() { p.fireReprompt(streamID) })
	}
	p.mu.Unlock()

	sf := frames.NewSystemFrame(streamID, time.Now().UnixNano(), "reprompt", meta)
	select {
	case p.emitCh <- sf:
	default:
	}
}

func (p *TurnProcessor) quietIdleTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.reprompts = 0
}

// armTurnTimer guards against a recognizer that reports speech starting but
// never an endpoint; when it fires, the turn is closed with a synthetic
// speech_timeout flush.
func (p *TurnProcessor) armTurnTimer(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.turnTTL <= 0 || streamID == "" {
		return
	}
	if p.turnTimer != nil {
		p.turnTimer.Stop()
	}
	p.turnStream = streamID
	p.turnTimer = time.AfterFunc(p.turnTTL, func() { p.fireTurnTimeout(streamID) })
}

func (p *TurnProcessor) fireTurnTimeout(streamID string) {
	p.mu.Lock()
	if p.turnStream != streamID {
		p.mu.Unlock()
		return
	}
	p.turnTimer = nil
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "turn",
		frames.MetaReason:   "speech_timeout",
	}
	if traceID := strings.TrimSpace(p.lastTraceID); traceID != "" {
		meta[frames.MetaTraceID] = traceID
	}
	p.mu.Unlock()

	p.mgr.OnUserSpeechEnd()
	cf := frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFlush, meta)
	select {
	case p.emitCh <- cf:
	default:
	}
}

func (p *TurnProcessor) stopTurnTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.turnTimer != nil {
		p.turnTimer.Stop()
		p.turnTimer = nil
	}
	p.turnStream = ""
}

func isEndOfTurnReason(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "utterance_end", "speech_final", "speech_timeout":
		return true
	default:
		return false
	}
}

type turnEmitter struct {
	out chan frames.Frame
}

func (e *turnEmitter) Emit(frame frames.Frame) error {
	select {
	case e.out <- frame:
	default:
	}
	return nil
}

var _ pipeline.FrameProcessor = (*TurnProcessor)(nil)
