package processors

import (
	"strings"
	"sync"

	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/pipeline"
)

type RecoveryConfig struct {
	MaxAttempts int
	PromptText  string
	Phrases     []string
}

// RecoveryProcessor turns provider fallbacks into a spoken clarification
// prompt, a bounded number of times per call. It also watches agent replies
// for confusion phrasing so repeated misunderstandings count against the
// same budget.
type RecoveryProcessor struct {
	cfg      RecoveryConfig
	mu       sync.Mutex
	attempts map[string]int
}

func NewRecoveryProcessor(cfg RecoveryConfig) *RecoveryProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.PromptText == "" {
		cfg.PromptText = "Sorry, I didn't quite catch that. Could you say it again?"
	}
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = []string{
			"could you repeat",
			"i didn't understand",
			"i didn't catch that",
		}
	}
	return &RecoveryProcessor{cfg: cfg, attempts: make(map[string]int)}
}

func (r *RecoveryProcessor) Name() string { return "recovery_processor" }

func (r *RecoveryProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	if streamID == "" {
		return []frames.Frame{f}, nil
	}
	switch f.Kind() {
	case frames.KindSystem:
		if f.(frames.SystemFrame).Name() == "call_end" {
			r.reset(streamID)
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlFallback && r.spend(streamID) {
			return []frames.Frame{r.prompt(streamID, cf), f}, nil
		}
	case frames.KindText:
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaSource] == "dispatch" {
			if r.soundsConfused(tf.Text()) {
				r.spend(streamID)
			} else {
				r.reset(streamID)
			}
		}
	}
	return []frames.Frame{f}, nil
}

func (r *RecoveryProcessor) prompt(streamID string, cf frames.ControlFrame) frames.TextFrame {
	meta := cf.Meta()
	meta[frames.MetaSource] = "system"
	meta[frames.MetaReason] = "fallback"
	return frames.NewTextFrame(streamID, cf.PTS(), r.cfg.PromptText, meta)
}

func (r *RecoveryProcessor) soundsConfused(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, p := range r.cfg.Phrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// spend consumes one recovery attempt; false means the budget for this
// stream is exhausted and no prompt should be injected.
func (r *RecoveryProcessor) spend(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[streamID]++
	return r.attempts[streamID] <= r.cfg.MaxAttempts
}

func (r *RecoveryProcessor) reset(streamID string) {
	r.mu.Lock()
	delete(r.attempts, streamID)
	r.mu.Unlock()
}

var _ pipeline.FrameProcessor = (*RecoveryProcessor)(nil)
