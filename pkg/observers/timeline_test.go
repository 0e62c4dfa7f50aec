package observers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parkvoice/joanne/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: "frame_out",
		Time: time.Now(),
		Tags: map[string]string{
			"stream_id": "stream-1",
			"trace_id":  "trace-1",
			"kind":      "audio",
		},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "trace-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "audio_out") {
		t.Fatalf("expected audio_out event in file, got %s", b)
	}
}

func TestCostObserverAccumulatesUsage(t *testing.T) {
	dir := t.TempDir()
	obs := NewCostObserver(dir)
	tags := map[string]string{"stream_id": "stream-1", "trace_id": "trace-1", "call_sid": "CA123"}

	// 8000 bytes of mulaw at 8kHz mono is one second.
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   "audio_in",
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"bytes": 8000, "sample_rate": 8000, "channels": 1},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   "audio_out",
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"bytes": 4000, "sample_rate": 8000, "channels": 1},
	})
	obs.RecordEvent(metrics.MetricsEvent{Name: "model_turn", Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "tool_result",
		Time: time.Now(),
		Tags: map[string]string{"stream_id": "stream-1", "trace_id": "trace-1", "tool": "update_eta"},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "call_closed",
		Time: time.Now(),
		Tags: map[string]string{"trace_id": "trace-1", "reason": "completed"},
	})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "trace-1.usage.json"))
	if err != nil {
		t.Fatalf("read usage file: %v", err)
	}
	var usage CallUsage
	if err := json.Unmarshal(b, &usage); err != nil {
		t.Fatalf("unmarshal usage: %v", err)
	}
	if usage.STTAudioSec != 1.0 {
		t.Fatalf("expected 1s of caller audio, got %v", usage.STTAudioSec)
	}
	if usage.TTSAudioSec != 0.5 {
		t.Fatalf("expected 0.5s of agent audio, got %v", usage.TTSAudioSec)
	}
	if usage.ModelTurns != 1 {
		t.Fatalf("expected 1 model turn, got %d", usage.ModelTurns)
	}
	if usage.ToolCalls["update_eta"] != 1 {
		t.Fatalf("expected update_eta counted, got %v", usage.ToolCalls)
	}
	if usage.EndReason != "completed" {
		t.Fatalf("expected end reason completed, got %q", usage.EndReason)
	}
}

func TestLatencyObserverLogsReply(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	obs := NewLatencyObserver(log)
	tags := map[string]string{"stream_id": "stream-1", "trace_id": "trace-1"}

	base := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: "stt_audio_in", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "stt_final", Time: base.Add(300 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "tts_first_audio", Time: base.Add(900 * time.Millisecond), Tags: tags})

	out := buf.String()
	if !strings.Contains(out, "reply_latency") {
		t.Fatalf("expected reply_latency log line, got %q", out)
	}
	if !strings.Contains(out, "ttfb_ms=600") {
		t.Fatalf("expected ttfb of 600ms, got %q", out)
	}

	obs.mu.Lock()
	remaining := len(obs.streams)
	obs.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected stream state to be cleared after reply, got %d entries", remaining)
	}
}

func TestPurgeArtifactsRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	if err := os.WriteFile(old, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	fresh := filepath.Join(dir, "fresh.jsonl")
	if err := os.WriteFile(fresh, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	removed, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh file to survive: %v", err)
	}
}
