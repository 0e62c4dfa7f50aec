package aggregators

import (
	"testing"
	"time"

	"github.com/parkvoice/joanne/pkg/frames"
)

func finalSegment(text string) frames.TextFrame {
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "true",
	}
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta)
}

func TestUtteranceAggregatorMergesSegments(t *testing.T) {
	agg := NewUtteranceAggregator(AggregatorConfig{})

	out, err := agg.Process(finalSegment("my registration is"))
	if err != nil {
		t.Fatalf("process first segment: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected first segment to buffer, got %d frames", len(out))
	}
	if _, err := agg.Process(finalSegment("V E 68 V E P")); err != nil {
		t.Fatalf("process second segment: %v", err)
	}

	flush := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlFlush, map[string]string{
		frames.MetaReason: "speech_final",
	})
	out, err = agg.Process(flush)
	if err != nil {
		t.Fatalf("process flush: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected combined text plus flush, got %d frames", len(out))
	}
	tf, ok := out[0].(frames.TextFrame)
	if !ok {
		t.Fatalf("expected first frame to be text, got %T", out[0])
	}
	if tf.Text() != "my registration is V E 68 V E P" {
		t.Fatalf("unexpected combined text: %q", tf.Text())
	}
	if tf.Meta()[frames.MetaIsFinal] != "true" {
		t.Fatalf("combined frame should be final")
	}
}

func TestUtteranceAggregatorPassesInterims(t *testing.T) {
	agg := NewUtteranceAggregator(AggregatorConfig{})
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "false",
	}
	interim := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "my reg", meta)
	out, err := agg.Process(interim)
	if err != nil {
		t.Fatalf("process interim: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected interim to pass through, got %d frames", len(out))
	}
	if tf, ok := out[0].(frames.TextFrame); !ok || tf.Text() != "my reg" {
		t.Fatalf("expected interim to pass through untouched")
	}
}

func TestUtteranceAggregatorForcedFlushOnCap(t *testing.T) {
	agg := NewUtteranceAggregator(AggregatorConfig{MaxSegments: 2})
	if _, err := agg.Process(finalSegment("one")); err != nil {
		t.Fatalf("process: %v", err)
	}
	out, err := agg.Process(finalSegment("two"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected forced flush at cap, got %d frames", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() != "one two" {
		t.Fatalf("unexpected text: %q", tf.Text())
	}
}

func TestUtteranceAggregatorEmptyFlushEmitsNothing(t *testing.T) {
	agg := NewUtteranceAggregator(AggregatorConfig{})
	flush := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlFlush, map[string]string{
		frames.MetaReason: "utterance_end",
	})
	out, err := agg.Process(flush)
	if err != nil {
		t.Fatalf("process flush: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected only the flush frame, got %d", len(out))
	}
}
