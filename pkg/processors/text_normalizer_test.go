package processors

import (
	"testing"

	"github.com/parkvoice/joanne/pkg/frames"
)

func TestTextNormalizerFixesKnownSlips(t *testing.T) {
	n := NewTextNormalizer(TextNormalizerConfig{
		Replacements: map[string]string{
			"Meat And Greet": "meet and greet",
			"manchester air port": "manchester airport",
		},
	})

	in := frames.NewTextFrame("s1", 1, "I booked the meat and greet at Manchester air port", map[string]string{
		frames.MetaStreamID: "s1",
		frames.MetaSource:   "stt",
	})
	out, err := n.Process(in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	tf := out[0].(frames.TextFrame)
	if got, want := tf.Text(), "i booked the meet and greet at manchester airport"; got != want {
		t.Fatalf("normalized = %q, want %q", got, want)
	}
	if tf.Meta()[frames.MetaNormalized] != "true" {
		t.Fatal("expected normalized marker")
	}
}

func TestTextNormalizerSkipsOtherSources(t *testing.T) {
	n := NewTextNormalizer(TextNormalizerConfig{Replacements: map[string]string{"x": "y"}})
	in := frames.NewTextFrame("s1", 1, "x marks the spot", map[string]string{
		frames.MetaStreamID: "s1",
		frames.MetaSource:   "dispatch",
	})
	out, err := n.Process(in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out[0].(frames.TextFrame).Text() != "x marks the spot" {
		t.Fatal("agent text must not be normalized")
	}
}
