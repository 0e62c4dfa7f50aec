// Package stt declares the speech-to-text contract the pipeline consumes.
// Vendor packages under pkg/providers implement it; the processor layer
// only ever talks to this interface.
package stt

import (
	"context"

	"github.com/parkvoice/joanne/pkg/frames"
)

// StreamingSTT is a live transcription session bound to one call leg.
//
// Implementations stream caller audio out via SendAudio and deliver
// transcript and control frames on Results. The Results channel must be
// closed by Close so downstream readers can drain and exit.
type StreamingSTT interface {
	// Name identifies the vendor in logs and metric tags.
	Name() string
	// Start opens the upstream connection. It must be called before SendAudio.
	Start(ctx context.Context) error
	// Close tears down the connection and closes Results.
	Close() error
	// SendAudio forwards one inbound audio frame to the recognizer.
	SendAudio(frame frames.AudioFrame) error
	// Results yields transcript TextFrames and endpointing control frames.
	Results() <-chan frames.Frame
}
