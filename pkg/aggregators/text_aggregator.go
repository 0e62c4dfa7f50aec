package aggregators

import (
	"strings"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/pipeline"
)

// UtteranceAggregator merges consecutive final transcript segments into one
// utterance. Deepgram finalizes segments independently of endpointing, so a
// single caller turn can arrive as several is_final fragments; downstream
// stages want exactly one transcript per turn. Fragments buffer here and the
// combined text is released when the end-of-turn flush comes through.
type UtteranceAggregator struct {
	mu        sync.Mutex
	cfg       AggregatorConfig
	segments  []string
	firstPTS  int64
	streamID  string
	meta      map[string]string
	lastSegAt time.Time
}

func NewUtteranceAggregator(cfg AggregatorConfig) *UtteranceAggregator {
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 16
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Second
	}
	return &UtteranceAggregator{cfg: cfg}
}

func (a *UtteranceAggregator) Name() string { return "utterance_aggregator" }

func (a *UtteranceAggregator) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] != "stt" || meta[frames.MetaIsFinal] != "true" {
			return []frames.Frame{f}, nil
		}
		a.mu.Lock()
		if len(a.segments) == 0 {
			a.firstPTS = tf.PTS()
			a.streamID = meta[frames.MetaStreamID]
			a.meta = meta
		}
		a.segments = append(a.segments, strings.TrimSpace(tf.Text()))
		a.lastSegAt = time.Now()
		if len(a.segments) >= a.cfg.MaxSegments {
			out := a.flushLocked()
			a.mu.Unlock()
			if out != nil {
				return []frames.Frame{*out}, nil
			}
			return nil, nil
		}
		a.mu.Unlock()
		return nil, nil
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlFlush && endOfTurn(cf.Meta()[frames.MetaReason]) {
			a.mu.Lock()
			out := a.flushLocked()
			a.mu.Unlock()
			if out != nil {
				return []frames.Frame{*out, f}, nil
			}
		}
		return []frames.Frame{f}, nil
	default:
		a.mu.Lock()
		stale := len(a.segments) > 0 && time.Since(a.lastSegAt) > a.cfg.StaleAfter
		if stale {
			out := a.flushLocked()
			a.mu.Unlock()
			if out != nil {
				return []frames.Frame{*out, f}, nil
			}
			return []frames.Frame{f}, nil
		}
		a.mu.Unlock()
		return []frames.Frame{f}, nil
	}
}

func (a *UtteranceAggregator) flushLocked() *frames.TextFrame {
	text := strings.TrimSpace(strings.Join(a.segments, " "))
	if text == "" {
		a.reset()
		return nil
	}
	meta := make(map[string]string, len(a.meta))
	for k, v := range a.meta {
		meta[k] = v
	}
	meta[frames.MetaIsFinal] = "true"
	out := frames.NewTextFrame(a.streamID, a.firstPTS, text, meta)
	a.reset()
	return &out
}

func (a *UtteranceAggregator) reset() {
	a.segments = nil
	a.firstPTS = 0
	a.streamID = ""
	a.meta = nil
}

func endOfTurn(reason string) bool {
	switch reason {
	case "utterance_end", "speech_final", "speech_timeout":
		return true
	default:
		return false
	}
}

var _ pipeline.FrameProcessor = (*UtteranceAggregator)(nil)
