package runner

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LifecycleRunner walks a process through New → Starting → Running →
// Draining → Stopped. Stop is idempotent; the drain step is bounded by the
// configured timeout so a stuck call cannot hold shutdown forever.
type LifecycleRunner struct {
	state    atomicState
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &LifecycleRunner{
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
	r.state.set(StateNew)
	return r
}

// Run blocks until the context ends or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.cas(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	PrintBanner()
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.set(StateRunning)
	<-r.ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return r.state.get()
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.state.set(StateDraining)
		r.stopErr = r.drainWithTimeout()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.set(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) drainWithTimeout() error {
	if r.drainer == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = r.drainer.Drain()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(r.timeout):
		return errors.New("drain timeout")
	}
}
