package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/metrics"
	"github.com/parkvoice/joanne/pkg/redact"
)

// TimelineObserver writes a replayable JSONL trace per call. Lines are
// keyed by trace ID, so a call that reconnects on a new stream keeps
// appending to the same file.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

type timelineEvent struct {
	Time     time.Time         `json:"time"`
	Event    string            `json:"event"`
	StreamID string            `json:"stream_id,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	var id, streamID, traceID string
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
		traceID = ev.Tags["trace_id"]
		// prefer the identifier that survives reconnects
		for _, candidate := range []string{traceID, streamID, ev.Tags["call_sid"]} {
			if candidate != "" {
				id = candidate
				break
			}
		}
	}
	if id == "" {
		return
	}

	line, err := json.Marshal(timelineEvent{
		Time:     ev.Time.UTC(),
		Event:    displayName(ev),
		StreamID: streamID,
		TraceID:  traceID,
		Tags:     redactTags(ev.Tags),
		Fields:   redactFields(ev.Fields),
	})
	if err != nil {
		return
	}
	if f := o.open(id); f != nil {
		_, _ = f.Write(append(line, '\n'))
	}
}

func (o *TimelineObserver) open(id string) *os.File {
	safe := filenameSafe(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f != nil {
			err = errors.Join(err, f.Close())
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

// displayName renames raw pipeline flow events for audio so timelines read
// as media activity rather than queue mechanics.
func displayName(ev metrics.MetricsEvent) string {
	if ev.Tags != nil && ev.Tags["kind"] == "audio" {
		switch ev.Name {
		case "frame_in":
			return "audio_in"
		case "frame_out":
			return "audio_out"
		}
	}
	return ev.Name
}

func filenameSafe(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func redactTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = redact.Text(v)
	}
	return out
}

// redactFields scrubs string fields before they hit disk. Base64 audio is
// exempt; recording it is a separate opt-in (record_audio).
func redactFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok || strings.Contains(k, "payload_b64") || strings.Contains(k, "audio_b64") {
			out[k] = v
			continue
		}
		out[k] = redact.Text(s)
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
