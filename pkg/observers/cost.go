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
)

// CallUsage accumulates the billable surface of one call: audio seconds in
// each direction, model turns, and tool invocations. One JSON file per call
// is written when the observer closes.
type CallUsage struct {
	TraceID       string         `json:"trace_id,omitempty"`
	StreamID      string         `json:"stream_id,omitempty"`
	CallSID       string         `json:"call_sid,omitempty"`
	STTAudioSec   float64        `json:"stt_audio_seconds"`
	TTSAudioSec   float64        `json:"tts_audio_seconds"`
	ModelTurns    int            `json:"model_turns"`
	ToolCalls     map[string]int `json:"tool_calls,omitempty"`
	BargeIns      int            `json:"barge_ins"`
	EndReason     string         `json:"end_reason,omitempty"`
	RecordedAtUTC string         `json:"recorded_at_utc"`
}

type CostObserver struct {
	dir   string
	mu    sync.Mutex
	usage map[string]*CallUsage
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, usage: make(map[string]*CallUsage)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	streamID := ev.Tags["stream_id"]
	traceID := ev.Tags["trace_id"]
	callSID := ev.Tags["call_sid"]
	id := traceID
	if id == "" {
		id = streamID
	}
	if id == "" {
		id = callSID
	}
	if id == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	u := o.usage[id]
	if u == nil {
		u = &CallUsage{TraceID: traceID, StreamID: streamID, CallSID: callSID}
		o.usage[id] = u
	}
	if u.CallSID == "" && callSID != "" {
		u.CallSID = callSID
	}

	switch ev.Name {
	case "audio_in":
		u.STTAudioSec += audioSeconds(ev.Fields)
	case "audio_out":
		u.TTSAudioSec += audioSeconds(ev.Fields)
	case "model_turn":
		u.ModelTurns++
	case "tool_result":
		if tool := ev.Tags["tool"]; tool != "" {
			if u.ToolCalls == nil {
				u.ToolCalls = make(map[string]int)
			}
			u.ToolCalls[tool]++
		}
	case "barge_in":
		u.BargeIns++
	case "call_closed":
		u.EndReason = ev.Tags["reason"]
	}
}

func (o *CostObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, u := range o.usage {
		u.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(u, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, filenameSafe(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

// audioSeconds derives duration from the byte count of a mulaw/PCM8 chunk
// (one byte per sample per channel at the telephony rates used here).
func audioSeconds(fields map[string]any) float64 {
	if fields == nil {
		return 0
	}
	size := intField(fields, "bytes")
	if size <= 0 {
		return 0
	}
	sampleRate := intField(fields, "sample_rate")
	channels := intField(fields, "channels")
	if channels <= 0 {
		channels = 1
	}
	if sampleRate <= 0 {
		return 0
	}
	return float64(size) / float64(sampleRate*channels)
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*CostObserver)(nil)
