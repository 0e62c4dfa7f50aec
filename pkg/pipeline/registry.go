package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one live call: its pipeline, identity, and cancellation scope.
type Session struct {
	CallSID  string
	StreamID string
	TraceID  string
	Orch     Orchestrator
	Ctx      context.Context
	Cancel   context.CancelFunc
	Created  time.Time
}

type SessionFactory func(ctx context.Context, callSID, streamID, traceID string) (Orchestrator, error)

// SessionRegistry maps call SIDs to sessions. Creation is race-safe: when two
// transport events for a new call arrive concurrently, only one pipeline is
// built and the loser is stopped.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

func (r *SessionRegistry) GetOrCreate(callSID, streamID, traceID string) (*Session, bool, error) {
	if callSID == "" {
		return nil, false, nil
	}
	if v, ok := r.sessions.Load(callSID); ok {
		return v.(*Session), false, nil
	}
	sess, err := r.spawn(callSID, streamID, traceID)
	if err != nil {
		return nil, false, err
	}
	actual, loaded := r.sessions.LoadOrStore(callSID, sess)
	if loaded {
		// lost the race; tear down the spare pipeline
		_ = sess.Orch.Stop()
		sess.Cancel()
		return actual.(*Session), false, nil
	}
	r.count.Add(1)
	slog.Info("session_created", "call_sid", callSID, "stream_id", streamID, "trace_id", traceID)
	return sess, true, nil
}

func (r *SessionRegistry) spawn(callSID, streamID, traceID string) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	orch, err := r.factory(ctx, callSID, streamID, traceID)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := orch.Start(); err != nil {
		cancel()
		return nil, err
	}
	return &Session{
		CallSID:  callSID,
		StreamID: streamID,
		TraceID:  traceID,
		Orch:     orch,
		Ctx:      ctx,
		Cancel:   cancel,
		Created:  time.Now(),
	}, nil
}

func (r *SessionRegistry) Get(callSID string) (*Session, bool) {
	if v, ok := r.sessions.Load(callSID); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Rebind points an existing session at a new media stream. Used when the
// carrier reconnects the same call on a fresh stream ID.
func (r *SessionRegistry) Rebind(callSID, streamID string) bool {
	v, ok := r.sessions.Load(callSID)
	if !ok {
		return false
	}
	sess := v.(*Session)
	old := sess.StreamID
	sess.StreamID = streamID
	slog.Info("session_rebound", "call_sid", callSID, "old_stream_id", old, "stream_id", streamID)
	return true
}

func (r *SessionRegistry) Remove(callSID string) {
	if v, ok := r.sessions.LoadAndDelete(callSID); ok {
		sess := v.(*Session)
		if sess.Cancel != nil {
			sess.Cancel()
		}
		if sess.Orch != nil {
			_ = sess.Orch.Stop()
		}
		r.count.Add(-1)
		slog.Info("session_removed", "call_sid", callSID, "lifetime_ms", time.Since(sess.Created).Milliseconds())
	}
}

func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		if callSID, ok := key.(string); ok {
			r.Remove(callSID)
		}
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty blocks until every session has ended or ctx expires. Used
// during drain so in-flight calls finish before shutdown.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
