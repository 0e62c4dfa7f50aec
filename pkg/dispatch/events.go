package dispatch

// EventKind tags the inputs the dispatcher loop suspends on.
type EventKind int

const (
	// EventFinalTranscript carries a final utterance from the transcriber.
	EventFinalTranscript EventKind = iota
	// EventVoiceActivity signals caller speech on the inbound leg.
	EventVoiceActivity
	// EventSpeechDone signals natural completion of synthesis playback.
	EventSpeechDone
	// EventHangup signals transport disconnect.
	EventHangup
)

type Event struct {
	Kind   EventKind
	Text   string
	Reason string
}
