package joanne

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parkvoice/joanne/pkg/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
booking:
  api_key: key-123
  base_id: base-456
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.SampleRate != 8000 {
		t.Fatalf("sample rate = %d, want 8000", cfg.Engine.SampleRate)
	}
	if cfg.Turn.BargeInThresholdMS != 500 {
		t.Fatalf("barge-in threshold = %d, want 500", cfg.Turn.BargeInThresholdMS)
	}
	if cfg.Booking.Timezone != "Europe/London" {
		t.Fatalf("timezone = %q", cfg.Booking.Timezone)
	}
	if cfg.Pipeline.Backpressure != pipeline.BackpressureDrop {
		t.Fatalf("backpressure = %v, want drop", cfg.Pipeline.Backpressure)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatal("redaction should default on")
	}
}

func TestLoadConfigParsesBackpressureMode(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
pipeline:
  backpressure: wait
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.Backpressure != pipeline.BackpressureWait {
		t.Fatalf("backpressure = %v, want wait", cfg.Pipeline.Backpressure)
	}
}

func TestLoadConfigExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BOOKING_KEY", "secret-from-env")
	cfg, err := LoadConfig(writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
booking:
  api_key: ${TEST_BOOKING_KEY}
  base_id: base-456
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Booking.APIKey != "secret-from-env" {
		t.Fatalf("api key = %q, want env value", cfg.Booking.APIKey)
	}
}

func TestLoadConfigReadsSystemPromptFile(t *testing.T) {
	promptPath := filepath.Join(t.TempDir(), "persona.txt")
	if err := os.WriteFile(promptPath, []byte("You are Joanne.\n"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
agent:
  system_prompt: inline wins unless a path is set
  system_prompt_path: `+promptPath+`
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.SystemPrompt != "You are Joanne." {
		t.Fatalf("system prompt = %q, want file contents", cfg.Agent.SystemPrompt)
	}
}

func TestLoadConfigRejectsBadSystemPromptPath(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
agent:
  system_prompt_path: /nonexistent/persona.txt
`))
	if err == nil {
		t.Fatal("expected error for unreadable prompt file")
	}
}

func TestLoadConfigRejectsMissingBookingStore(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`))
	if err == nil {
		t.Fatal("expected validation error for missing booking credentials")
	}
}
