package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parkvoice/joanne/pkg/convo"
	"github.com/parkvoice/joanne/pkg/llm"
	"github.com/parkvoice/joanne/pkg/metrics"
	"github.com/parkvoice/joanne/pkg/tools"
	"github.com/parkvoice/joanne/pkg/turn"
)

// scriptedModel returns canned responses in order, then repeats the last one.
type scriptedModel struct {
	mu        sync.Mutex
	responses []llm.Response
	errs      []error
	calls     []llm.Context
}

func (m *scriptedModel) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.calls)
	m.calls = append(m.calls, input)
	if i < len(m.errs) && m.errs[i] != nil {
		return llm.Response{}, m.errs[i]
	}
	if i >= len(m.responses) {
		if len(m.responses) == 0 {
			return llm.Response{Text: "ok"}, nil
		}
		return m.responses[len(m.responses)-1], nil
	}
	return m.responses[i], nil
}

func (m *scriptedModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *scriptedModel) Call(i int) llm.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func (m *scriptedModel) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}
func (m *scriptedModel) MapTools(t []llm.Tool) (any, error)          { return nil, nil }
func (m *scriptedModel) ToProviderFormat(c llm.Context) (any, error) { return nil, nil }
func (m *scriptedModel) FromProviderFormat(raw any) (llm.Response, error) {
	return llm.Response{}, nil
}
func (m *scriptedModel) Name() string { return "scripted" }

type captureSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (s *captureSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *captureSpeaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

func newTestDispatcher(model *scriptedModel, reg *tools.Registry) (*Dispatcher, *captureSpeaker, *convo.Context) {
	if reg == nil {
		reg = tools.NewRegistry()
	}
	speaker := &captureSpeaker{}
	cc := convo.New(convo.Options{SystemPrompt: "system"})
	d := NewDispatcher(Config{
		CallSID:      "CA1",
		Model:        model,
		Registry:     reg,
		Conversation: cc,
		Speaker:      speaker,
	})
	return d, speaker, cc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestDispatcherSpeaksModelReply(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "hello caller"}}}
	d, speaker, _ := newTestDispatcher(model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(Event{Kind: EventFinalTranscript, Text: "hi"})
	waitFor(t, func() bool { return len(speaker.Texts()) == 1 })
	if speaker.Texts()[0] != "hello caller" {
		t.Fatalf("unexpected speech: %v", speaker.Texts())
	}
	if d.Machine().State() != turn.StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", d.Machine().State())
	}

	d.Submit(Event{Kind: EventSpeechDone})
	waitFor(t, func() bool { return d.Machine().State() == turn.StateListening })

	d.Submit(Event{Kind: EventHangup, Reason: "test"})
	<-done
}

func TestDispatcherRecordsTurnMetrics(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "hello caller"}}}
	speaker := &captureSpeaker{}
	obs := metrics.NewMemoryObserver()
	d := NewDispatcher(Config{
		CallSID:      "CA1",
		Model:        model,
		Registry:     tools.NewRegistry(),
		Conversation: convo.New(convo.Options{SystemPrompt: "system"}),
		Speaker:      speaker,
		Observer:     obs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(Event{Kind: EventFinalTranscript, Text: "hi"})
	waitFor(t, func() bool { return len(speaker.Texts()) == 1 })
	d.Submit(Event{Kind: EventHangup, Reason: "caller_hangup"})
	<-done

	turns := obs.Named("model_turn")
	if len(turns) != 1 {
		t.Fatalf("expected one model_turn event, got %d", len(turns))
	}
	if turns[0].Tags["duration_ms"] == "" {
		t.Fatal("model_turn missing duration_ms tag")
	}
	closed := obs.Named("call_closed")
	if len(closed) != 1 || closed[0].Tags["reason"] != "caller_hangup" {
		t.Fatalf("unexpected call_closed events: %+v", closed)
	}
}

func TestDispatcherToolBarrier(t *testing.T) {
	reg := tools.NewRegistry()
	slowDone := make(chan struct{})
	reg.Register(llm.Tool{Name: "slow"}, func(ctx context.Context, args map[string]any) (any, error) {
		<-slowDone
		return map[string]any{"ok": "slow"}, nil
	})
	reg.Register(llm.Tool{Name: "fast"}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"ok": "fast"}, nil
	})

	model := &scriptedModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "slow", Arguments: map[string]any{}},
			{ID: "c2", Name: "fast", Arguments: map[string]any{}},
		}},
		{Text: "both done"},
	}}
	d, speaker, cc := newTestDispatcher(model, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Submit(Event{Kind: EventFinalTranscript, Text: "go"})

	// The fast tool finishes immediately, but the barrier holds: the model
	// must not be re-invoked while the slow tool is outstanding.
	waitFor(t, func() bool { return d.Machine().State() == turn.StateAwaitingTool })
	time.Sleep(50 * time.Millisecond)
	if model.CallCount() != 1 {
		t.Fatalf("model re-invoked before all tool results: %d calls", model.CallCount())
	}

	close(slowDone)
	waitFor(t, func() bool { return len(speaker.Texts()) == 1 })

	// Both tool results precede the second model invocation.
	second := model.Call(1)
	toolMsgs := 0
	for _, msg := range second.Messages {
		if msg["role"] == "tool" {
			toolMsgs++
		}
	}
	if toolMsgs != 2 {
		t.Fatalf("expected 2 tool messages in second model call, got %d", toolMsgs)
	}

	// Completion order: fast first, slow second.
	var toolTurns []convo.Turn
	for _, tr := range cc.Turns() {
		if tr.Role == convo.RoleTool {
			toolTurns = append(toolTurns, tr)
		}
	}
	if len(toolTurns) != 2 {
		t.Fatalf("expected 2 tool turns, got %d", len(toolTurns))
	}
	if toolTurns[0].ToolResult.ToolCallID != "c2" || toolTurns[1].ToolResult.ToolCallID != "c1" {
		t.Fatalf("expected completion order c2,c1; got %s,%s",
			toolTurns[0].ToolResult.ToolCallID, toolTurns[1].ToolResult.ToolCallID)
	}
}

func TestDispatcherBackendRetriesOnceThenApologizes(t *testing.T) {
	model := &scriptedModel{
		errs: []error{errors.New("boom"), errors.New("boom again"), errors.New("never reached")},
	}
	d, speaker, _ := newTestDispatcher(model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(Event{Kind: EventFinalTranscript, Text: "hi"})
	waitFor(t, func() bool { return len(speaker.Texts()) == 1 })
	if model.CallCount() != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", model.CallCount())
	}
	if speaker.Texts()[0] != defaultApology {
		t.Fatalf("expected apology, got %q", speaker.Texts()[0])
	}

	d.Submit(Event{Kind: EventSpeechDone})
	<-done
	if !d.Machine().Closed() {
		t.Fatalf("expected CLOSED after apology")
	}
}

func TestDispatcherInterruptionTruncatesAndListens(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "a very long answer"}}}
	d, speaker, cc := newTestDispatcher(model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Submit(Event{Kind: EventFinalTranscript, Text: "question"})
	waitFor(t, func() bool { return len(speaker.Texts()) == 1 })

	d.Submit(Event{Kind: EventVoiceActivity})
	waitFor(t, func() bool { return d.Machine().State() == turn.StateListening })

	// Late natural completion is swallowed.
	d.Submit(Event{Kind: EventSpeechDone})
	time.Sleep(20 * time.Millisecond)
	if d.Machine().State() != turn.StateListening {
		t.Fatalf("expected LISTENING to hold, got %s", d.Machine().State())
	}

	var assistant *convo.Turn
	for _, tr := range cc.Turns() {
		if tr.Role == convo.RoleAssistant {
			cp := tr
			assistant = &cp
		}
	}
	if assistant == nil || !assistant.Truncated {
		t.Fatalf("expected assistant turn marked truncated")
	}
}

func TestDispatcherEndCallClosesAfterGoodbye(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(llm.Tool{Name: "end_call"}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"end_call": true}, nil
	})
	model := &scriptedModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "end_call", Arguments: map[string]any{}}}},
		{Text: "goodbye"},
	}}
	d, speaker, _ := newTestDispatcher(model, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(Event{Kind: EventFinalTranscript, Text: "that's all, thanks"})
	waitFor(t, func() bool { return len(speaker.Texts()) == 1 })
	if speaker.Texts()[0] != "goodbye" {
		t.Fatalf("expected goodbye, got %q", speaker.Texts()[0])
	}

	d.Submit(Event{Kind: EventSpeechDone})
	<-done
	if !d.Machine().Closed() {
		t.Fatalf("expected CLOSED after goodbye")
	}
}

func TestDispatcherDiscardsLateToolResults(t *testing.T) {
	reg := tools.NewRegistry()
	release := make(chan struct{})
	reg.Register(llm.Tool{Name: "stuck"}, func(ctx context.Context, args map[string]any) (any, error) {
		<-release
		return map[string]any{"ok": true}, nil
	})
	model := &scriptedModel{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "stuck", Arguments: map[string]any{}}}},
	}}
	d, _, cc := newTestDispatcher(model, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(Event{Kind: EventFinalTranscript, Text: "go"})
	waitFor(t, func() bool { return d.Machine().State() == turn.StateAwaitingTool })

	before := cc.Len()
	cancel()
	<-done
	close(release)
	time.Sleep(50 * time.Millisecond)

	if cc.Len() != before {
		t.Fatalf("late tool result mutated a torn-down conversation")
	}
	if !d.Machine().Closed() {
		t.Fatalf("expected CLOSED after teardown")
	}
}

func TestHangupRecordsReasonBeforeTeardown(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "hello caller"}}}
	speaker := &captureSpeaker{}
	obs := metrics.NewMemoryObserver()
	d := NewDispatcher(Config{
		CallSID:      "CA1",
		Model:        model,
		Registry:     tools.NewRegistry(),
		Conversation: convo.New(convo.Options{SystemPrompt: "system"}),
		Speaker:      speaker,
		Observer:     obs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitFor(t, func() bool { return d.Machine().State() == turn.StateListening })

	// The transport reports the caller hung up and immediately cancels the
	// session, the way the engine tears a call down. The close reason must
	// come from the transport, not from the loop's own exit path.
	d.Hangup("caller_hungup")
	cancel()
	<-done

	if !d.Machine().Closed() {
		t.Fatal("expected CLOSED after hangup")
	}
	closed := obs.Named("call_closed")
	if len(closed) != 1 {
		t.Fatalf("expected exactly one call_closed event, got %d", len(closed))
	}
	if closed[0].Tags["reason"] != "caller_hungup" {
		t.Fatalf("close reason = %q, want caller_hungup", closed[0].Tags["reason"])
	}
}

func TestHangupDefaultsReason(t *testing.T) {
	model := &scriptedModel{}
	obs := metrics.NewMemoryObserver()
	d := NewDispatcher(Config{
		CallSID:      "CA1",
		Model:        model,
		Registry:     tools.NewRegistry(),
		Conversation: convo.New(convo.Options{}),
		Speaker:      &captureSpeaker{},
		Observer:     obs,
	})
	d.Hangup("")
	closed := obs.Named("call_closed")
	if len(closed) != 1 || closed[0].Tags["reason"] != "transport_closed" {
		t.Fatalf("unexpected call_closed events: %+v", closed)
	}
}

func TestDispatcherGreetingSpokenFirst(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{{Text: "reply"}}}
	speaker := &captureSpeaker{}
	cc := convo.New(convo.Options{})
	d := NewDispatcher(Config{
		CallSID:      "CA2",
		Model:        model,
		Registry:     tools.NewRegistry(),
		Conversation: cc,
		Speaker:      speaker,
		Greeting:     "Hello! Welcome to Manchester Airport Parking.",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	waitFor(t, func() bool { return len(speaker.Texts()) == 1 })
	if speaker.Texts()[0] != "Hello! Welcome to Manchester Airport Parking." {
		t.Fatalf("unexpected greeting: %v", speaker.Texts())
	}
	if model.CallCount() != 0 {
		t.Fatalf("greeting must not invoke the model")
	}
}
