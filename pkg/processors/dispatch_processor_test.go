package processors

import (
	"testing"
	"time"

	"github.com/parkvoice/joanne/pkg/dispatch"
	"github.com/parkvoice/joanne/pkg/frames"
)

func newTestDispatchProcessor() *DispatchProcessor {
	d := dispatch.NewDispatcher(dispatch.Config{CallSID: "CA123"})
	return NewDispatchProcessor(d)
}

func TestDispatchProcessorPassesFramesThrough(t *testing.T) {
	proc := newTestDispatchProcessor()
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "true",
	}
	tf := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "hello", meta)
	out, err := proc.Process(tf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected pass-through, got %d frames", len(out))
	}
	if got := out[0].(frames.TextFrame).Text(); got != "hello" {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestDispatchProcessorExpandsReprompt(t *testing.T) {
	proc := newTestDispatchProcessor()
	meta := map[string]string{
		frames.MetaStreamID:     "stream-1",
		frames.MetaGreetingText: "Hello, are you still there?",
	}
	sf := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "reprompt", meta)
	out, err := proc.Process(sf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected system frame plus prompt text, got %d frames", len(out))
	}
	tf, ok := out[1].(frames.TextFrame)
	if !ok {
		t.Fatalf("expected text frame, got %T", out[1])
	}
	if tf.Text() != "Hello, are you still there?" {
		t.Fatalf("unexpected prompt: %q", tf.Text())
	}
	if tf.Meta()[frames.MetaSource] != "dispatch" || tf.Meta()[frames.MetaTTSFlush] != "true" {
		t.Fatalf("reprompt prompt missing synthesis meta: %v", tf.Meta())
	}
}

func TestDispatchProcessorIgnoresInterimText(t *testing.T) {
	proc := newTestDispatchProcessor()
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "false",
	}
	tf := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "partial", meta)
	out, err := proc.Process(tf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected pass-through, got %d frames", len(out))
	}
}
