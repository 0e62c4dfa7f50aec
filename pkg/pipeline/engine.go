package pipeline

import (
	"context"
	"log/slog"

	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/metrics"
)

// FrameProcessor is one stage of a call pipeline. Process takes a frame and
// returns zero or more frames for the next stage; returning nil swallows the
// input (aggregation, gating).
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

type BackpressureMode int

const (
	// BackpressureDrop sheds low-priority frames when a stage falls behind.
	// Audio is continuous, so dropping beats delaying the whole call.
	BackpressureDrop BackpressureMode = iota
	// BackpressureWait blocks the producer instead. Only safe in tests and
	// offline replays.
	BackpressureWait
)

type Config struct {
	Async         bool
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
	Backpressure  BackpressureMode
}

type PipelineConfig struct {
	Config     Config
	Processors []FrameProcessor
}

type EngineConfig struct {
	SampleRate      int `mapstructure:"samplerate"`
	STTReplayChunks int `mapstructure:"stt_replay_chunks"`
}

func LogConfiguration(cfg EngineConfig) {
	slog.Info("engine_config",
		"sample_rate", cfg.SampleRate,
		"stt_replay_chunks", cfg.STTReplayChunks,
	)
}

// Orchestrator runs a built pipeline: frames enter through In, flow through
// the stages, and leave through Out or the configured sink.
type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
}
