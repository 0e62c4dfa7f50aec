package processors

import (
	"strings"

	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/pipeline"
)

type TextNormalizerConfig struct {
	Replacements map[string]string
	Source       string
}

// TextNormalizer rewrites known recognizer slips in caller transcripts
// before the model sees them ("meat and greet" for "meet and greet",
// mangled car-park names, and the like). Replacements come from config so
// deployments can grow the list from real call logs.
type TextNormalizer struct {
	replacements map[string]string
	source       string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	source := cfg.Source
	if source == "" {
		source = "stt"
	}
	lowered := make(map[string]string, len(cfg.Replacements))
	for from, to := range cfg.Replacements {
		if from == "" {
			continue
		}
		lowered[strings.ToLower(from)] = to
	}
	return &TextNormalizer{replacements: lowered, source: source}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText || len(t.replacements) == 0 {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if t.source != "" && meta[frames.MetaSource] != t.source {
		return []frames.Frame{f}, nil
	}

	normalized := strings.ToLower(tf.Text())
	for from, to := range t.replacements {
		normalized = strings.ReplaceAll(normalized, from, to)
	}
	if normalized == tf.Text() {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaNormalized] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), normalized, meta)}, nil
}

var _ pipeline.FrameProcessor = (*TextNormalizer)(nil)
