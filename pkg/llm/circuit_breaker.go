package llm

import (
	"context"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/metrics"
	"github.com/parkvoice/joanne/pkg/resilience"
)

// GuardedAdapter guards an LLMAdapter with a breaker so a provider in
// rate-limit freefall is denied fast instead of stalling every caller's turn.
// State flips (open/closed) are surfaced as metrics events.
type GuardedAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	mu      sync.Mutex
	open    bool
}

func NewGuardedAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *GuardedAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &GuardedAdapter{inner: inner, breaker: breaker}
}

func (a *GuardedAdapter) Name() string { return a.inner.Name() }

// SetObserver enables breaker-event metrics.
func (a *GuardedAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

// admit checks the breaker before a provider call. A denial is reported as a
// rate-limit error so retry and recovery treat it like provider pushback.
func (a *GuardedAdapter) admit() error {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}
	}
	a.setOpen(false)
	return nil
}

func (a *GuardedAdapter) settle(err error) {
	if err == nil {
		a.breaker.OnSuccess()
		return
	}
	if resilience.IsRateLimit(err) {
		a.record(metrics.EventRateLimit)
	}
	a.breaker.OnError(err)
}

func (a *GuardedAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if err := a.admit(); err != nil {
		return Response{}, err
	}
	resp, err := a.inner.Generate(ctx, input)
	a.settle(err)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (a *GuardedAdapter) Stream(ctx context.Context, input Context) (<-chan string, error) {
	if err := a.admit(); err != nil {
		return nil, err
	}
	ch, err := a.inner.Stream(ctx, input)
	a.settle(err)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *GuardedAdapter) MapTools(tools []Tool) (any, error) {
	return a.inner.MapTools(tools)
}

func (a *GuardedAdapter) ToProviderFormat(ctx Context) (any, error) {
	return a.inner.ToProviderFormat(ctx)
}

func (a *GuardedAdapter) FromProviderFormat(raw any) (Response, error) {
	return a.inner.FromProviderFormat(raw)
}

func (a *GuardedAdapter) record(name string) {
	if a.obs == nil {
		return
	}
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  a.inner.Name(),
			"component": "llm",
		},
	})
}

func (a *GuardedAdapter) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}
