// Package tts declares the text-to-speech contract the pipeline consumes.
// Vendor packages under pkg/providers implement it; the processor layer
// only ever talks to this interface.
package tts

import (
	"context"

	"github.com/parkvoice/joanne/pkg/frames"
)

// StreamingTTS is a live synthesis session bound to one call leg.
//
// Text goes in through SendText, synthesized audio comes back as frames on
// Results. Flush aborts whatever is mid-synthesis; it is the barge-in hook,
// so it must be safe to call from a different goroutine than SendText.
type StreamingTTS interface {
	// Name identifies the vendor in logs and metric tags.
	Name() string
	// Start opens the upstream connection. It must be called before SendText.
	Start(ctx context.Context) error
	// Close tears down the connection and closes Results.
	Close() error
	// SendText queues text for synthesis.
	SendText(text string) error
	// Flush discards queued and in-flight synthesis output.
	Flush()
	// Results yields synthesized AudioFrames and boundary control frames.
	Results() <-chan frames.Frame
}
