// Package mock provides an in-memory transport used for local runs and
// pipeline tests. It satisfies transports.Transport without touching the
// network: tests inject caller frames with Push and observe agent output
// on Sent.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/parkvoice/joanne/pkg/frames"
)

const laneDepth = 256

// Transport shuttles frames through two buffered channels. Both lanes are
// non-blocking: when a test is not draining Sent, writes are dropped rather
// than stalling the pipeline under test.
type Transport struct {
	inbound  chan frames.Frame
	outbound chan frames.Frame
	closed   atomic.Bool
	mu       sync.Mutex
}

func New() *Transport {
	return &Transport{
		inbound:  make(chan frames.Frame, laneDepth),
		outbound: make(chan frames.Frame, laneDepth),
	}
}

func (t *Transport) Name() string { return "mock" }

// Start ties the transport lifetime to ctx; cancellation closes both lanes.
func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.inbound)
		close(t.outbound)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.inbound }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.outbound <- f:
	default:
	}
	return nil
}

// Push feeds a frame into the transport as if it arrived from a caller.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.inbound <- f:
	default:
	}
}

// Sent exposes frames the pipeline wrote back, for assertions.
func (t *Transport) Sent() <-chan frames.Frame { return t.outbound }
