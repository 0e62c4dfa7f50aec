package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/adapters/stt"
	"github.com/parkvoice/joanne/pkg/errorsx"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/metrics"
	"github.com/parkvoice/joanne/pkg/pipeline"
	"github.com/parkvoice/joanne/pkg/redact"
	"github.com/parkvoice/joanne/pkg/resilience"
)

// STTReplayConfig bounds the rolling audio buffer replayed into a fresh
// recognizer session after a reconnect. Zero disables replay.
type STTReplayConfig struct {
	MaxChunks int
}

// sttStream is the per-call-leg state the processor keeps alongside the
// vendor session: caller identity for downstream meta, the replay ring,
// and whether the first interim has been logged yet.
type sttStream struct {
	sess          stt.StreamingSTT
	callSID       string
	from          string
	traceID       string
	interimLogged bool
	replay        []replayChunk
}

type replayChunk struct {
	data     []byte
	rate     int
	channels int
}

// STTProcessor feeds caller audio into a streaming recognizer and drains
// transcript frames back out. One vendor session per media stream; a call
// that reappears on a new stream gets a new session seeded from the replay
// buffer so the first words after a reconnect are not lost.
type STTProcessor struct {
	factory func(callSID, streamID string) stt.StreamingSTT

	mu      sync.Mutex
	streams map[string]*sttStream
	byCall  map[string]string

	replayCfg      STTReplayConfig
	forwardInterim bool

	ctx         context.Context
	obs         metrics.Observer
	retry       resilience.RetryPolicy
	breaker     *resilience.CircuitBreaker
	provider    string
	breakerOpen bool
}

func NewSTTProcessor(factory func(callSID, streamID string) stt.StreamingSTT) *STTProcessor {
	return &STTProcessor{
		factory:   factory,
		streams:   make(map[string]*sttStream),
		byCall:    make(map[string]string),
		replayCfg: STTReplayConfig{MaxChunks: 50},
		retry:     resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:   resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

func (p *STTProcessor) SetReplayBuffer(cfg STTReplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxChunks < 0 {
		cfg.MaxChunks = 0
	}
	p.replayCfg = cfg
	if cfg.MaxChunks == 0 {
		for _, st := range p.streams {
			st.replay = nil
		}
	}
}

// SetForwardInterim controls whether non-final transcripts travel
// downstream. Off by default: the dispatcher only acts on finals.
func (p *STTProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	p.forwardInterim = enabled
	p.mu.Unlock()
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		p.onSystem(f.(frames.SystemFrame))
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}

	af := f.(frames.AudioFrame)
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	st := p.track(streamID, callSID, meta)
	p.buffer(st, af)

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID, nil)
		p.markBreaker(true, streamID)
		slog.Info("stt_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonSTTCircuitOpen))
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.markBreaker(false, streamID)

	sess, err := p.ensureSession(st, streamID, callSID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		slog.Info("stt_session_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.noteFailure(err, streamID)
		frames.ReleaseAudioFrame(f)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
	}
	p.noteProvider(sess)
	p.record("stt_audio_in", streamID, nil)

	if err := sess.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		slog.Info("stt_send_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		sess, err = p.resend(streamID, callSID, af)
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonSTTRetry)
			slog.Info("stt_retry_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
			p.noteFailure(err, streamID)
			frames.ReleaseAudioFrame(f)
			return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}, nil
		}
	}
	p.breaker.OnSuccess()
	frames.ReleaseAudioFrame(f)

	// heartbeat keeps the pipeline clock moving even between utterances
	out := []frames.Frame{frames.NewSystemFrame(streamID, af.PTS(), "heartbeat", nil)}
	out = append(out, p.collect(sess.Results(), streamID)...)
	for _, e := range out {
		if e.Kind() == frames.KindText {
			p.record("stt_final", streamID, nil)
			break
		}
	}
	return out, nil
}

func (p *STTProcessor) onSystem(sf frames.SystemFrame) {
	if sf.Name() != "call_end" {
		return
	}
	meta := sf.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		p.mu.Lock()
		streamID = p.byCall[meta[frames.MetaCallSID]]
		p.mu.Unlock()
	}
	if streamID != "" {
		p.CloseStream(streamID)
	}
}

// track registers the stream, evicting any earlier stream for the same
// call, and absorbs caller identity from the frame meta.
func (p *STTProcessor) track(streamID, callSID string, meta map[string]string) *sttStream {
	var evict string
	p.mu.Lock()
	if callSID != "" && streamID != "" {
		if prev := p.byCall[callSID]; prev != "" && prev != streamID {
			evict = prev
		}
		p.byCall[callSID] = streamID
	}
	st := p.streams[streamID]
	if st == nil {
		st = &sttStream{callSID: callSID}
		p.streams[streamID] = st
	}
	if v := meta[frames.MetaFromNumber]; v != "" {
		st.from = v
	}
	if v := meta[frames.MetaTraceID]; v != "" {
		st.traceID = v
	}
	p.mu.Unlock()
	if evict != "" {
		p.CloseStream(evict)
	}
	return st
}

func (p *STTProcessor) buffer(st *sttStream, af frames.AudioFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	max := p.replayCfg.MaxChunks
	if max <= 0 {
		return
	}
	st.replay = append(st.replay, replayChunk{
		data:     append([]byte(nil), af.RawPayload()...),
		rate:     af.Rate(),
		channels: af.Channels(),
	})
	if len(st.replay) > max {
		st.replay = st.replay[len(st.replay)-max:]
	}
}

func (p *STTProcessor) ensureSession(st *sttStream, streamID, callSID string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.sess != nil {
		return st.sess, nil
	}
	sess := p.factory(callSID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sess.Start(p.ctx); err != nil {
		return nil, err
	}
	st.sess = sess
	return sess, nil
}

// resend tears the session down and retries the frame on a fresh one,
// replaying buffered audio into the first rebuilt session so the
// recognizer regains the recent context.
func (p *STTProcessor) resend(streamID, callSID string, af frames.AudioFrame) (stt.StreamingSTT, error) {
	// snapshot the ring before teardown; CloseStream discards it
	p.mu.Lock()
	var chunks []replayChunk
	if st := p.streams[streamID]; st != nil {
		chunks = append(chunks, st.replay...)
	}
	p.mu.Unlock()

	var sess stt.StreamingSTT
	replayed := false
	err := p.retry.Do(func() error {
		p.CloseStream(streamID)
		st := p.track(streamID, callSID, nil)
		p.mu.Lock()
		st.replay = chunks
		p.mu.Unlock()
		var err error
		sess, err = p.ensureSession(st, streamID, callSID)
		if err != nil {
			return err
		}
		if !replayed {
			replayed = true
			for _, c := range chunks {
				if len(c.data) == 0 {
					continue
				}
				_ = sess.SendAudio(frames.NewAudioFrame(streamID, time.Now().UnixNano(), c.data, c.rate, c.channels, nil))
			}
		}
		return sess.SendAudio(af)
	})
	return sess, err
}

func (p *STTProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.streams[streamID]
	if !ok {
		return
	}
	if st.sess != nil {
		_ = st.sess.Close()
	}
	if st.callSID != "" && p.byCall[st.callSID] == streamID {
		delete(p.byCall, st.callSID)
	}
	delete(p.streams, streamID)
}

func (p *STTProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range p.streams {
		if st.sess != nil {
			_ = st.sess.Close()
		}
		delete(p.streams, id)
	}
	p.byCall = make(map[string]string)
}

// collect drains pending recognizer output without blocking. Finals always
// go downstream carrying the caller's number and trace; interims are logged
// once per stream and forwarded only when configured.
func (p *STTProcessor) collect(ch <-chan frames.Frame, streamID string) []frames.Frame {
	p.mu.Lock()
	forward := p.forwardInterim
	st := p.streams[streamID]
	var from, traceID string
	if st != nil {
		from, traceID = st.from, st.traceID
	}
	p.mu.Unlock()

	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() != frames.KindText {
				out = append(out, f)
				continue
			}
			tf := f.(frames.TextFrame)
			if tf.Meta()[frames.MetaIsFinal] != "true" {
				p.logInterim(st, streamID, tf.Text())
				if forward {
					out = append(out, tf)
				}
				continue
			}
			p.logFinal(streamID, traceID, tf.Text())
			meta := tf.Meta()
			if meta[frames.MetaFromNumber] == "" && from != "" {
				meta[frames.MetaFromNumber] = from
			}
			if meta[frames.MetaTraceID] == "" && traceID != "" {
				meta[frames.MetaTraceID] = traceID
			}
			out = append(out, frames.NewTextFrame(streamID, tf.PTS(), tf.Text(), meta))
		default:
			return out
		}
	}
}

func (p *STTProcessor) logInterim(st *sttStream, streamID, text string) {
	p.mu.Lock()
	if st == nil || st.interimLogged {
		p.mu.Unlock()
		return
	}
	st.interimLogged = true
	traceID := st.traceID
	p.mu.Unlock()
	slog.Info("stt_interim", "stream_id", streamID, "trace_id", traceID, "text", clipText(redact.Text(text)))
}

func (p *STTProcessor) logFinal(streamID, traceID, text string) {
	safe := redact.Text(text)
	slog.Info("stt_final", "stream_id", streamID, "trace_id", traceID, "text", clipText(safe))
	p.record("stt_final_text", streamID, map[string]any{"text": safe})
}

func (p *STTProcessor) record(name, streamID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "stt"}
	p.mu.Lock()
	if st := p.streams[streamID]; st != nil {
		if st.traceID != "" {
			tags[frames.MetaTraceID] = st.traceID
		}
		if st.callSID != "" {
			tags[frames.MetaCallSID] = st.callSID
		}
	}
	p.mu.Unlock()
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags, Fields: fields})
}

func (p *STTProcessor) noteFailure(err error, streamID string) {
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID, nil)
	}
	p.breaker.OnError(err)
}

func (p *STTProcessor) noteProvider(sess stt.StreamingSTT) {
	if sess != nil && p.provider == "" {
		p.provider = sess.Name()
	}
}

func (p *STTProcessor) markBreaker(open bool, streamID string) {
	if p.breakerOpen == open {
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID, nil)
	} else {
		p.record(metrics.EventBreakerClose, streamID, nil)
	}
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

var _ pipeline.FrameProcessor = (*STTProcessor)(nil)
