package joanne

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/aggregators"
	"github.com/parkvoice/joanne/pkg/booking"
	"github.com/parkvoice/joanne/pkg/convo"
	"github.com/parkvoice/joanne/pkg/dispatch"
	"github.com/parkvoice/joanne/pkg/flow"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/metrics"
	"github.com/parkvoice/joanne/pkg/notify"
	"github.com/parkvoice/joanne/pkg/observers"
	"github.com/parkvoice/joanne/pkg/pipeline"
	"github.com/parkvoice/joanne/pkg/processors"
	"github.com/parkvoice/joanne/pkg/redact"
	"github.com/parkvoice/joanne/pkg/runner"
	"github.com/parkvoice/joanne/pkg/tools"
	"github.com/parkvoice/joanne/pkg/transfer"
	"github.com/parkvoice/joanne/pkg/transports"
	"github.com/parkvoice/joanne/pkg/turn"
)

// Engine ties the pieces of one deployment together: the telephony
// transport, the per-call pipelines, and the shared booking backends.
type Engine struct {
	cfg       Config
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *pipeline.Runner
	asyncObs  *metrics.AsyncObserver
	// dispatchers maps call SID to the live dispatcher so transport-level
	// hangups can be delivered synchronously before session teardown.
	dispatchers *sync.Map
	ctx         context.Context
	cancel      context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Optional backend overrides, mainly for tests.
	Store       *booking.Client
	Notifier    booking.Notifier
	Transferrer booking.Transferrer
	// Optional extra pipeline stages.
	PreProcessors  []pipeline.FrameProcessor
	PostProcessors []pipeline.FrameProcessor
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("joanne_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Engine)
	obsStack := buildObserverStack(cfg.Observability)
	asyncObs := obsStack.async

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterDefaultProviders(providers)
	}

	backends := buildBackends(cfg, opts)

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			recordAudioEvent(asyncObs, "audio_out", f, cfg.Observability.RecordAudio)
			_ = opts.Transport.Send(f)
		}
	}

	dispatchers := &sync.Map{}
	registry := pipeline.NewSessionRegistry(func(ctx context.Context, callSID, streamID, traceID string) (pipeline.Orchestrator, error) {
		sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
		if err != nil {
			return nil, err
		}
		sttProc := processors.NewSTTProcessor(sttFactory)
		sttProc.SetForwardInterim(cfg.STT.ForwardInterim)
		sttProc.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: cfg.Engine.STTReplayChunks})
		sttProc.SetObserver(asyncObs)
		sttProc.SetContext(ctx)

		turnProc := processors.NewTurnProcessorWithConfig(turn.AggressiveStrategy{}, processors.TurnProcessorConfig{
			BargeInThreshold: time.Duration(cfg.Turn.BargeInThresholdMS) * time.Millisecond,
			MinBargeIn:       time.Duration(cfg.Turn.MinBargeInMS) * time.Millisecond,
			EndOfTurnTimeout: time.Duration(cfg.Turn.EndOfTurnTimeoutMS) * time.Millisecond,
		})
		if reprompt := silenceRepromptFromConfig(cfg); reprompt != nil {
			turnProc.SetSilenceReprompt(reprompt)
		}

		model, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
		if err != nil {
			return nil, err
		}

		reg := tools.NewRegistry(tools.WithTimeout(time.Duration(cfg.Dispatch.ToolTimeoutMS) * time.Millisecond))
		toolset := &booking.Toolset{
			Store:        backends.store,
			Notifier:     backends.notifier,
			Transferrer:  backends.transferrer,
			Tracker:      flow.NewTracker(),
			CallSID:      callSID,
			Instructions: cfg.Agent.Instructions,
			Location:     backends.location,
		}
		toolset.RegisterAll(reg)

		conversation := convo.New(convo.Options{
			SystemPrompt: cfg.Agent.SystemPrompt,
			MaxTurns:     cfg.Agent.MaxTurns,
		})

		speaker := &frameSpeaker{callSID: callSID, streamID: streamID, traceID: traceID}
		dispatcher := dispatch.NewDispatcher(dispatch.Config{
			CallSID:      callSID,
			Model:        model,
			Registry:     reg,
			Conversation: conversation,
			Speaker:      speaker,
			Greeting:     cfg.Agent.Greeting,
			Apology:      cfg.Agent.Apology,
			ModelTimeout: time.Duration(cfg.Dispatch.ModelTimeoutMS) * time.Millisecond,
			Observer:     asyncObs,
		})

		ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
		if err != nil {
			return nil, err
		}
		ttsProc := processors.NewTTSProcessor(ttsFactory)
		ttsProc.SetObserver(asyncObs)
		ttsProc.SetContext(ctx)

		builder := pipeline.NewVoiceAgentBuilder()
		for _, p := range opts.PreProcessors {
			if p != nil {
				builder = builder.WithAcoustic(p)
			}
		}
		builder = builder.WithSTT(sttProc).
			WithTurnManager(turnProc).
			WithProcessor(aggregators.NewUtteranceAggregator(aggregators.AggregatorConfig{}))
		if len(cfg.Normalizer.Replacements) > 0 {
			builder = builder.WithProcessor(processors.NewTextNormalizer(processors.TextNormalizerConfig{
				Replacements: cfg.Normalizer.Replacements,
			}))
		}
		builder = builder.WithDispatch(processors.NewDispatchProcessor(dispatcher)).
			WithProcessor(processors.NewRecoveryProcessor(processors.RecoveryConfig{
				MaxAttempts: cfg.Recovery.MaxAttempts,
				PromptText:  cfg.Recovery.PromptText,
				Phrases:     cfg.Recovery.Phrases,
			})).
			WithProcessor(processors.NewResponseLimiter(processors.ResponseLimiterConfig{
				MaxChars:     cfg.Agent.MaxReplyChars,
				MaxSentences: cfg.Agent.MaxReplySentences,
			})).
			WithTTS(ttsProc)
		for _, p := range opts.PostProcessors {
			if p != nil {
				builder = builder.WithSerializer(p)
			}
		}

		orch := builder.Build(cfg.Pipeline)
		orch.SetContext(ctx)
		orch.SetObserver(asyncObs)
		speaker.in = orch.In()
		dispatcher.SetInterruptEmitter(&frameEmitter{in: orch.In()})

		if sink != nil {
			orch.SetSink(sink)
		}

		dispatchers.Store(callSID, dispatcher)
		go func() {
			_ = dispatcher.Run(ctx)
		}()
		go func() {
			<-ctx.Done()
			dispatchers.CompareAndDelete(callSID, dispatcher)
			sttProc.CloseAll()
			ttsProc.CloseAll()
		}()

		return orch, nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Joanne Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			obsStack.close()
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	lr := pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:         cfg,
		registry:    registry,
		transport:   opts.Transport,
		providers:   providers,
		runner:      lr,
		asyncObs:    asyncObs,
		dispatchers: dispatchers,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// frameSpeaker feeds assistant text into the pipeline's input so it flows
// through the limiter and synthesis stages like any other frame.
type frameSpeaker struct {
	callSID  string
	streamID string
	traceID  string
	in       chan frames.Frame
}

func (s *frameSpeaker) Speak(ctx context.Context, text string) error {
	if s.in == nil {
		return fmt.Errorf("speaker not wired")
	}
	meta := map[string]string{
		frames.MetaStreamID: s.streamID,
		frames.MetaCallSID:  s.callSID,
		frames.MetaTraceID:  s.traceID,
		frames.MetaSource:   "dispatch",
		frames.MetaTTSFlush: "true",
	}
	f := frames.NewTextFrame(s.streamID, time.Now().UnixNano(), text, meta)
	select {
	case s.in <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameEmitter pushes barge-in flush/cancel frames into the pipeline's
// high-priority path. Drops rather than blocks: a full input queue during an
// interruption means the pipeline is already tearing the turn down.
type frameEmitter struct {
	in chan frames.Frame
}

func (e *frameEmitter) Emit(f frames.Frame) error {
	select {
	case e.in <- f:
	default:
	}
	return nil
}

// observerStack is the assembled metrics fan-out plus the handles that need
// closing on shutdown.
type observerStack struct {
	async       *metrics.AsyncObserver
	timeline    *observers.TimelineObserver
	cost        *observers.CostObserver
	metricsFile *os.File
}

func buildObserverStack(cfg ObservabilityConfig) observerStack {
	var stack observerStack
	var debugObs metrics.Observer = observers.NewLoggerObserver(slog.Default())
	if rate := cfg.MetricsSampleRate; rate > 0 && rate < 1 {
		// Per-frame events swamp the debug log at full volume.
		debugObs = metrics.NewSamplingObserver(debugObs, rate)
	}
	obsList := []metrics.Observer{observers.NewLatencyObserver(slog.Default()), debugObs}

	if dir := strings.TrimSpace(cfg.ArtifactsDir); dir != "" {
		if cfg.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.RetentionDays)*24*time.Hour)
		}
		stack.timeline = observers.NewTimelineObserver(dir)
		stack.cost = observers.NewCostObserver(dir)
		obsList = append(obsList, stack.timeline, stack.cost)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				stack.metricsFile = f
				obsList = append(obsList, metrics.NewJSONLObserver(f))
			}
		}
	}
	stack.async = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)
	return stack
}

func (s observerStack) close() {
	if s.async != nil {
		s.async.Close()
	}
	if s.timeline != nil {
		_ = s.timeline.Close()
	}
	if s.cost != nil {
		_ = s.cost.Close()
	}
	if s.metricsFile != nil {
		_ = s.metricsFile.Close()
	}
}

// engineBackends are the shared per-deployment services every call's toolset
// borrows: the booking table store, the WhatsApp notifier, and the live
// transfer dialer.
type engineBackends struct {
	store       *booking.Client
	notifier    booking.Notifier
	transferrer booking.Transferrer
	location    *time.Location
}

func buildBackends(cfg Config, opts EngineOptions) engineBackends {
	b := engineBackends{
		store:       opts.Store,
		notifier:    opts.Notifier,
		transferrer: opts.Transferrer,
	}
	if b.store == nil {
		b.store = booking.NewClient(booking.Config{
			APIKey:          cfg.Booking.APIKey,
			BaseID:          cfg.Booking.BaseID,
			ArrivalsTable:   cfg.Booking.ArrivalsTable,
			DeparturesTable: cfg.Booking.DeparturesTable,
			Timeout:         time.Duration(cfg.Booking.TimeoutMS) * time.Millisecond,
		})
	}
	if b.notifier == nil {
		b.notifier = notify.NewWhatsAppNotifier(notify.Config{
			AccountSID:  cfg.Notify.AccountSID,
			AuthToken:   cfg.Notify.AuthToken,
			FromNumber:  cfg.Notify.FromNumber,
			GroupNumber: cfg.Notify.GroupNumber,
		})
	}
	if b.transferrer == nil {
		b.transferrer = transfer.NewService(transfer.Config{
			AccountSID:  cfg.Transfer.AccountSID,
			AuthToken:   cfg.Transfer.AuthToken,
			AgentNumber: cfg.Transfer.AgentNumber,
		})
	}
	var err error
	if b.location, err = time.LoadLocation(cfg.Booking.Timezone); err != nil {
		slog.Warn("timezone_load_failed", "timezone", cfg.Booking.Timezone, "error", err)
		b.location = time.UTC
	}
	return b
}

// recordAudioEvent emits an audio_in/audio_out metrics event for a media
// frame. The raw payload only goes to disk when audio recording is opted in.
func recordAudioEvent(obs metrics.Observer, name string, f frames.Frame, includePayload bool) {
	if obs == nil || f.Kind() != frames.KindAudio {
		return
	}
	af := f.(frames.AudioFrame)
	meta := f.Meta()
	fields := map[string]any{
		"sample_rate": af.Rate(),
		"channels":    af.Channels(),
		"bytes":       len(af.RawPayload()),
	}
	if includePayload {
		fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
	}
	obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			frames.MetaStreamID: meta[frames.MetaStreamID],
			frames.MetaTraceID:  meta[frames.MetaTraceID],
			frames.MetaCallSID:  meta[frames.MetaCallSID],
			"component":         "transport",
		},
		Fields: fields,
	})
}

func silenceRepromptFromConfig(cfg Config) *processors.SilenceRepromptConfig {
	sr := cfg.Turn.SilenceReprompt
	if sr.TimeoutMS == 0 && sr.MaxAttempts == 0 && sr.PromptText == "" {
		return nil
	}
	return &processors.SilenceRepromptConfig{
		Timeout:     time.Duration(sr.TimeoutMS) * time.Millisecond,
		MaxAttempts: sr.MaxAttempts,
		PromptText:  sr.PromptText,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			callSID := meta[frames.MetaCallSID]
			streamID := meta[frames.MetaStreamID]
			traceID := meta[frames.MetaTraceID]
			if callSID == "" || streamID == "" {
				continue
			}
			recordAudioEvent(e.asyncObs, "audio_in", f, e.cfg.Observability.RecordAudio)
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				switch sf.Name() {
				case "call_end":
					// Close the dispatcher with the transport's end reason
					// before the session context is cancelled. Queuing the
					// hangup as a pipeline event would race teardown.
					if v, ok := e.dispatchers.LoadAndDelete(callSID); ok {
						v.(*dispatch.Dispatcher).Hangup(meta[frames.MetaCallEndReason])
					}
					e.registry.Remove(callSID)
					continue
				case "call_reconnect":
					e.registry.Rebind(callSID, streamID)
				}
			}
			sess, _, err := e.registry.GetOrCreate(callSID, streamID, traceID)
			if err != nil {
				continue
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

// SetDefaultLogger installs the process-wide slog handler. Format is "json"
// or "text"; anything else falls back to text.
func SetDefaultLogger(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
