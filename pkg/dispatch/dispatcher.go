package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/parkvoice/joanne/pkg/convo"
	"github.com/parkvoice/joanne/pkg/errorsx"
	"github.com/parkvoice/joanne/pkg/llm"
	"github.com/parkvoice/joanne/pkg/metrics"
	"github.com/parkvoice/joanne/pkg/tools"
	"github.com/parkvoice/joanne/pkg/turn"
)

// Speaker hands assistant text to the synthesis leg. Speak returns once the
// text is accepted; playback completion arrives later as EventSpeechDone.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

const defaultApology = "I'm sorry, I'm having trouble on my end. Please call back in a few minutes. Goodbye."

type Config struct {
	CallSID      string
	Model        llm.LLMAdapter
	Registry     *tools.Registry
	Conversation *convo.Context
	Speaker      Speaker
	Greeting     string
	Apology      string
	ModelTimeout time.Duration
	Observer     metrics.Observer
	Logger       *slog.Logger
}

// Dispatcher runs one conversation: it pulls transcript events, drives the
// model, executes tool calls through the registry, and feeds results back
// into the conversation before the next model turn. One goroutine per call;
// the conversation context has no other writers.
type Dispatcher struct {
	cfg     Config
	sm      *turn.Machine
	ic      *turn.Interrupter
	events  chan Event
	log     *slog.Logger
	closing bool
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Apology == "" {
		cfg.Apology = defaultApology
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 15 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	sm := turn.NewMachine()
	return &Dispatcher{
		cfg:    cfg,
		sm:     sm,
		ic:     turn.NewInterrupter(sm, nil, cfg.CallSID),
		events: make(chan Event, 64),
		log:    log.With("call_sid", cfg.CallSID),
	}
}

// Machine exposes the call's state machine, shared with the pipeline's
// interruption path.
func (d *Dispatcher) Machine() *turn.Machine { return d.sm }

// Interrupter returns the controller that cancels speech on voice activity.
func (d *Dispatcher) Interrupter() *turn.Interrupter { return d.ic }

// SetInterruptEmitter routes flush/cancel frames from barge-in into the
// pipeline's high-priority path.
func (d *Dispatcher) SetInterruptEmitter(e turn.InterruptEmitter) {
	d.ic = turn.NewInterrupter(d.sm, e, d.cfg.CallSID)
}

// Submit queues an event for the dispatcher loop without blocking the
// caller. Events submitted after Closed are dropped.
func (d *Dispatcher) Submit(ev Event) bool {
	if d.sm.Closed() {
		return false
	}
	select {
	case d.events <- ev:
		return true
	default:
		d.log.Warn("dispatcher_event_dropped", "kind", ev.Kind)
		return false
	}
}

// Hangup closes the call immediately with the transport's end reason. The
// engine calls it before tearing the session down: a hangup queued as an
// event would race the session context cancellation and usually lose, so
// the close reason must be recorded synchronously. Safe to call from any
// goroutine; the event loop's own close afterwards is a no-op.
func (d *Dispatcher) Hangup(reason string) {
	if reason == "" {
		reason = "transport_closed"
	}
	d.close(reason)
}

// Run drives the conversation until hangup, context cancellation, or an
// explicit end-of-call tool outcome. It owns every mutation of the
// conversation context.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer d.close("run_exit")

	if err := d.sm.Transition(turn.StateListening, "call_start"); err != nil {
		return err
	}

	if d.cfg.Greeting != "" {
		// The greeting is an unprompted assistant turn: same path as any
		// other reply, minus the model invocation.
		if err := d.sm.Transition(turn.StateThinking, "greeting"); err == nil {
			d.speak(ctx, d.cfg.Greeting, "greeting")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			switch ev.Kind {
			case EventFinalTranscript:
				if ev.Text == "" {
					continue
				}
				d.onTranscript(ctx, ev.Text)
			case EventVoiceActivity:
				if d.ic.OnVoiceActivity() {
					d.cfg.Conversation.MarkLastAssistantTruncated()
					d.record("barge_in", nil)
					d.log.Info("speech_interrupted")
					if d.closing {
						d.close("interrupted_while_closing")
						return nil
					}
				}
			case EventSpeechDone:
				d.ic.OnSpeechComplete()
				if d.closing {
					d.close(ev.Reason)
					return nil
				}
			case EventHangup:
				d.close(ev.Reason)
				return nil
			}
			if d.sm.Closed() {
				return nil
			}
		}
	}
}

func (d *Dispatcher) onTranscript(ctx context.Context, text string) {
	if d.sm.State() != turn.StateListening {
		// Mid-synthesis transcripts stay queued; anything reaching here in
		// the wrong state is stale and gets dropped.
		d.log.Debug("transcript_ignored", "state", d.sm.State().String())
		return
	}
	d.cfg.Conversation.AppendUser(text)
	d.think(ctx)
}

// think runs model turns until one produces spoken text. Tool turns loop:
// every call of a model turn is dispatched concurrently, and the model is
// not re-invoked until all of its results are in the conversation.
func (d *Dispatcher) think(ctx context.Context) {
	if err := d.sm.Transition(turn.StateThinking, "model_turn"); err != nil {
		d.log.Warn("think_transition_rejected", "error", err.Error())
		return
	}

	for {
		resp, err := d.generate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error("model_failed_twice", "error", err.Error())
			d.record("backend_failure", map[string]string{"reason": string(errorsx.Reason(err))})
			d.closing = true
			d.speak(ctx, d.cfg.Apology, "backend_failure")
			return
		}

		if len(resp.ToolCalls) == 0 {
			d.speak(ctx, resp.Text, "assistant_turn")
			return
		}

		d.cfg.Conversation.AppendAssistantToolCalls(resp.ToolCalls)
		if !d.awaitTools(ctx, resp.ToolCalls) {
			return
		}
	}
}

// generate invokes the model once, retrying exactly once with unchanged
// context on failure.
func (d *Dispatcher) generate(ctx context.Context) (llm.Response, error) {
	input := llm.Context{
		Messages: d.cfg.Conversation.Render(),
		Tools:    d.cfg.Registry.ExportSchemas(),
	}
	start := time.Now()
	resp, err := llm.Retry(ctx, llm.RetryConfig{MaxAttempts: 2}, func(ctx context.Context) (llm.Response, error) {
		cctx, cancel := context.WithTimeout(ctx, d.cfg.ModelTimeout)
		defer cancel()
		return d.cfg.Model.Generate(cctx, input)
	})
	if err != nil {
		return llm.Response{}, errorsx.Wrap(err, errorsx.ReasonBackend)
	}
	d.record("model_turn", map[string]string{"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10)})
	return resp, nil
}

// awaitTools is the barrier: all calls of one model turn run concurrently,
// results append in completion order, and the loop returns only when every
// result is in. On teardown mid-flight the remaining results are discarded
// and never touch the conversation.
func (d *Dispatcher) awaitTools(ctx context.Context, calls []llm.ToolCall) bool {
	if err := d.sm.Transition(turn.StateAwaitingTool, "tool_calls"); err != nil {
		d.log.Warn("await_transition_rejected", "error", err.Error())
		return false
	}

	outcomes := make(chan convo.ToolResult, len(calls))
	for _, call := range calls {
		go func(c llm.ToolCall) {
			outcomes <- d.cfg.Registry.Dispatch(ctx, c)
		}(call)
	}

	for i := 0; i < len(calls); i++ {
		select {
		case <-ctx.Done():
			d.log.Info("tool_results_discarded", "outstanding", len(calls)-i)
			return false
		case res := <-outcomes:
			d.cfg.Conversation.AppendToolResult(res)
			d.record("tool_result", map[string]string{
				"tool":   res.ToolName,
				"status": toolStatus(res),
			})
			if res.ToolName == "end_call" && !res.IsError && endCallApproved(res.Payload) {
				d.closing = true
			}
		}
	}

	return d.sm.Transition(turn.StateThinking, "tool_results_complete") == nil
}

// speak appends the assistant turn and hands it to synthesis. The return to
// Listening happens later, won by whichever of natural completion and
// interruption fires first.
func (d *Dispatcher) speak(ctx context.Context, text string, reason string) {
	if text == "" {
		d.sm.TransitionIf(turn.StateThinking, turn.StateListening, "empty_response")
		return
	}
	d.cfg.Conversation.AppendAssistant(text)
	if err := d.sm.Transition(turn.StateSpeaking, reason); err != nil {
		d.log.Warn("speak_transition_rejected", "error", err.Error())
		return
	}
	if err := d.cfg.Speaker.Speak(ctx, text); err != nil {
		d.log.Error("speak_failed", "error", err.Error())
		d.ic.OnSpeechComplete()
		if d.closing {
			d.close("speak_failed")
		}
	}
}

func (d *Dispatcher) close(reason string) {
	if d.sm.Closed() {
		return
	}
	_ = d.sm.Transition(turn.StateClosed, reason)
	d.record("call_closed", map[string]string{"reason": reason})
	d.log.Info("call_closed", "reason", reason)
}

func (d *Dispatcher) record(name string, tags map[string]string) {
	if d.cfg.Observer == nil {
		return
	}
	if tags == nil {
		tags = map[string]string{}
	}
	tags["call_sid"] = d.cfg.CallSID
	d.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: tags,
	})
}

func endCallApproved(payload json.RawMessage) bool {
	var body struct {
		EndCall bool `json:"end_call"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	return body.EndCall
}

func toolStatus(res convo.ToolResult) string {
	if res.IsError {
		return "error"
	}
	return "ok"
}

