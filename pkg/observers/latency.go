package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/metrics"
)

// LatencyObserver measures the caller-perceived response time of the first
// reply on a stream: caller audio arriving, the final transcript landing,
// and the first synthesized audio going back out.
type LatencyObserver struct {
	mu      sync.Mutex
	streams map[string]*replyTimings
	log     *slog.Logger
}

type replyTimings struct {
	traceID   string
	audioIn   time.Time
	sttFinal  time.Time
	ttsFirst  time.Time
	modelTurn string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		streams: make(map[string]*replyTimings),
		log:     log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.streams[streamID]
	if t == nil {
		t = &replyTimings{}
		o.streams[streamID] = t
	}
	if t.traceID == "" && ev.Tags != nil {
		t.traceID = ev.Tags["trace_id"]
	}
	switch ev.Name {
	case "stt_audio_in":
		if t.audioIn.IsZero() {
			t.audioIn = ev.Time
		}
	case "stt_final":
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
	case "model_turn":
		if ev.Tags != nil {
			t.modelTurn = ev.Tags["duration_ms"]
		}
	case "tts_first_audio":
		t.ttsFirst = ev.Time
		o.logReplyLocked(streamID, t)
		delete(o.streams, streamID)
	case "call_closed":
		delete(o.streams, streamID)
	}
}

func (o *LatencyObserver) logReplyLocked(streamID string, t *replyTimings) {
	o.log.Info("reply_latency",
		"stream_id", streamID,
		"trace_id", t.traceID,
		"stt_ms", durationMs(t.audioIn, t.sttFinal),
		"model_turn_ms", t.modelTurn,
		"ttfb_ms", durationMs(t.sttFinal, t.ttsFirst),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
