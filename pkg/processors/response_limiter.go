package processors

import (
	"strings"
	"unicode/utf8"

	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/pipeline"
)

type ResponseLimiterConfig struct {
	MaxChars      int
	MaxSentences  int
	SourceFilters map[string]bool
}

// ResponseLimiter clamps agent replies to a few short sentences before they
// reach synthesis. Long monologues are a liability on a phone line: the
// caller cannot skim, and every extra sentence widens the barge-in window.
type ResponseLimiter struct {
	cfg ResponseLimiterConfig
}

func NewResponseLimiter(cfg ResponseLimiterConfig) *ResponseLimiter {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 420
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 3
	}
	if cfg.SourceFilters == nil {
		// only agent-authored text; caller transcripts pass untouched
		cfg.SourceFilters = map[string]bool{"dispatch": true, "system": true}
	}
	return &ResponseLimiter{cfg: cfg}
}

func (r *ResponseLimiter) Name() string { return "response_limiter" }

func (r *ResponseLimiter) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if !r.cfg.SourceFilters[meta[frames.MetaSource]] {
		return []frames.Frame{f}, nil
	}
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return []frames.Frame{f}, nil
	}

	clamped := firstSentences(text, r.cfg.MaxSentences)
	if len(clamped) > r.cfg.MaxChars {
		clamped = cutAtWord(clamped, r.cfg.MaxChars)
	}
	if clamped == text {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaShortTurnEnforced] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), clamped, meta)}, nil
}

// firstSentences keeps at most max sentences, splitting on terminal
// punctuation. Text with no terminator counts as one sentence.
func firstSentences(text string, max int) string {
	if max <= 0 {
		return text
	}
	var b strings.Builder
	count := 0
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= max {
				break
			}
		}
	}
	kept := strings.TrimSpace(b.String())
	if kept == "" {
		return text
	}
	return kept
}

// cutAtWord truncates to at most max bytes without splitting a word or a
// UTF-8 sequence.
func cutAtWord(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	} else {
		for len(cut) > 0 && !utf8.ValidString(cut) {
			cut = cut[:len(cut)-1]
		}
	}
	return strings.TrimSpace(cut)
}

var _ pipeline.FrameProcessor = (*ResponseLimiter)(nil)
