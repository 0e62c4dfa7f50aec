package pipeline

import (
	"context"
	"time"

	"github.com/parkvoice/joanne/pkg/runner"
)

// Runner ties an orchestrator (or any drainable resource) to the process
// lifecycle: banner, hooks, signal-driven drain.
type Runner struct {
	orch Orchestrator
	lc   *runner.LifecycleRunner
}

// NewRunner wraps a single orchestrator. Stop drains it immediately.
func NewRunner(orch Orchestrator, hooks runner.Hooks) *Runner {
	drainer := DrainerFunc(func() error { return orch.Stop() })
	lc := runner.NewLifecycleRunner(drainer, hooks, 0)
	return &Runner{orch: orch, lc: lc}
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }
func (r *Runner) Restart(ctx context.Context) error {
	_ = r.lc.Stop()
	return r.lc.Run(ctx)
}

// DrainerFunc adapts a plain func to runner.Drainer.
type DrainerFunc func() error

func (r DrainerFunc) Drain() error { return r() }

// NewDrainRunner builds a runner around a custom drainer, for engines that
// manage many sessions and need an ordered multi-step shutdown.
func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	lc := runner.NewLifecycleRunner(drainer, hooks, timeout)
	return &Runner{lc: lc}
}
