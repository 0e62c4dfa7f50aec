package processors

import (
	"strings"
	"time"

	"github.com/parkvoice/joanne/pkg/dispatch"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/pipeline"
)

// DispatchProcessor bridges the frame pipeline and the per-call dispatcher.
// Inbound transcripts, barge-in signals, playback completions, and hangups
// become dispatcher events; everything passes through untouched so the
// stages after it still see the full frame flow.
type DispatchProcessor struct {
	d *dispatch.Dispatcher
}

func NewDispatchProcessor(d *dispatch.Dispatcher) *DispatchProcessor {
	return &DispatchProcessor{d: d}
}

func (p *DispatchProcessor) Name() string { return "dispatch_processor" }

func (p *DispatchProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] == "stt" && isFinal(meta) {
			p.d.Submit(dispatch.Event{Kind: dispatch.EventFinalTranscript, Text: tf.Text()})
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		meta := cf.Meta()
		switch cf.Code() {
		case frames.ControlFlush:
			source := meta[frames.MetaSource]
			if (source == "stt" || source == "vad" || source == "audio_gate") && !isEndOfTurnReason(meta[frames.MetaReason]) {
				p.d.Submit(dispatch.Event{Kind: dispatch.EventVoiceActivity})
			}
		case frames.ControlAudioReady:
			p.d.Submit(dispatch.Event{Kind: dispatch.EventSpeechDone, Reason: "audio_complete"})
		}
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		meta := sf.Meta()
		switch sf.Name() {
		case "call_end":
			reason := meta[frames.MetaCallEndReason]
			if reason == "" {
				reason = "transport_closed"
			}
			p.d.Submit(dispatch.Event{Kind: dispatch.EventHangup, Reason: reason})
		case "reprompt":
			// Silence reprompts bypass the model: the prompt text goes
			// straight to synthesis.
			if text := strings.TrimSpace(meta[frames.MetaGreetingText]); text != "" {
				meta[frames.MetaSource] = "dispatch"
				meta[frames.MetaTTSFlush] = "true"
				prompt := frames.NewTextFrame(meta[frames.MetaStreamID], time.Now().UnixNano(), text, meta)
				return []frames.Frame{f, prompt}, nil
			}
		}
	}
	return []frames.Frame{f}, nil
}

func isFinal(meta map[string]string) bool {
	return meta[frames.MetaIsFinal] == "true"
}

var _ pipeline.FrameProcessor = (*DispatchProcessor)(nil)
