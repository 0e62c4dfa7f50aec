package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parkvoice/joanne/pkg/adapters/tts"
	"github.com/parkvoice/joanne/pkg/errorsx"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/logging"
	"github.com/parkvoice/joanne/pkg/metrics"
	"github.com/parkvoice/joanne/pkg/pipeline"
	"github.com/parkvoice/joanne/pkg/redact"
	"github.com/parkvoice/joanne/pkg/resilience"
)

// flushSender is the optional fast path a synthesizer may offer: send text
// and force the vendor to emit audio for it immediately instead of waiting
// for more input.
type flushSender interface {
	SendTextWithOptions(text string, flush bool) error
}

// ttsStream is the per-call-leg synthesis state.
type ttsStream struct {
	sess       tts.StreamingTTS
	callSID    string
	traceID    string
	firstAudio bool
}

// TTSProcessor turns agent text into synthesized audio frames. It owns one
// vendor session per media stream, drains synthesis output opportunistically
// on every frame that passes through, and converts vendor failures into
// fallback control frames so the transport can play canned audio instead of
// dead air.
type TTSProcessor struct {
	factory func(callSID, streamID string) tts.StreamingTTS

	mu      sync.Mutex
	streams map[string]*ttsStream
	byCall  map[string]string

	ctx          context.Context
	obs          metrics.Observer
	outputFormat string
	breaker      *resilience.CircuitBreaker
	retry        resilience.RetryPolicy
	open         bool
	provider     string
	logger       *slog.Logger
}

func NewTTSProcessor(factory func(callSID, streamID string) tts.StreamingTTS) *TTSProcessor {
	return &TTSProcessor{
		factory:      factory,
		streams:      make(map[string]*ttsStream),
		byCall:       make(map[string]string),
		outputFormat: "ulaw_8000",
		breaker:      resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:        resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:       logging.NewComponentLogger(slog.Default(), "tts_processor"),
	}
}

func (p *TTSProcessor) Name() string { return "tts_processor" }

func (p *TTSProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TTSProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *TTSProcessor) SetOutputFormat(format string) {
	p.outputFormat = format
	p.logger.Info("tts output format configured", slog.String("output_format", format))
}

func (p *TTSProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "tts_processor")
	}
}

func (p *TTSProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	p.track(meta[frames.MetaCallSID], streamID)

	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			if streamID == "" {
				p.mu.Lock()
				streamID = p.byCall[meta[frames.MetaCallSID]]
				p.mu.Unlock()
			}
			p.CloseStream(streamID)
			return []frames.Frame{f}, nil
		}
		return append(p.drain(streamID), f), nil

	case frames.KindControl:
		return p.onControl(f.(frames.ControlFrame), streamID), nil

	case frames.KindText:
		return p.onText(f.(frames.TextFrame), streamID), nil

	default:
		return append(p.drain(streamID), f), nil
	}
}

func (p *TTSProcessor) onControl(cf frames.ControlFrame, streamID string) []frames.Frame {
	// barge-in aborts synthesis before anything is drained, so stale audio
	// never rides out behind the clear signal
	if cf.Code() == frames.ControlStartInterruption {
		p.withSession(streamID, func(sess tts.StreamingTTS) {
			sess.Flush()
			p.logger.Info("tts interruption received", slog.String("stream_id", streamID))
		})
		return []frames.Frame{cf}
	}

	out := p.drain(streamID)
	switch cf.Code() {
	case frames.ControlFlush:
		p.withSession(streamID, func(sess tts.StreamingTTS) {
			sess.Flush()
			p.logger.Info("tts flush signal received", slog.String("stream_id", streamID))
		})
	case frames.ControlCancel:
		p.logger.Info("tts cancel signal received", slog.String("stream_id", streamID))
		p.CloseStream(streamID)
	case frames.ControlFallback:
		p.logger.Info("tts fallback signal received", slog.String("stream_id", streamID))
		p.CloseStream(streamID)
	case frames.ControlAudioReady:
		p.logger.Debug("tts webhook flush", slog.String("stream_id", streamID))
		out = append(out, p.drain(streamID)...)
	}
	return append(out, cf)
}

func (p *TTSProcessor) onText(tf frames.TextFrame, streamID string) []frames.Frame {
	meta := tf.Meta()
	callSID := meta[frames.MetaCallSID]
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		p.setTrace(streamID, traceID)
	}
	flushRequested := meta[frames.MetaTTSFlush] == "true"

	if strings.TrimSpace(tf.Text()) == "" {
		if flushRequested {
			p.withSession(streamID, func(sess tts.StreamingTTS) {
				if sender, ok := sess.(flushSender); ok {
					_ = sender.SendTextWithOptions("", true)
				} else {
					sess.Flush()
				}
				p.logger.Info("tts flush requested", slog.String("stream_id", streamID))
			})
		}
		return nil
	}

	if !p.breaker.Allow() {
		p.recordNamed(metrics.EventBreakerDenied, streamID)
		p.markBreaker(true, streamID)
		p.logger.Warn("tts circuit breaker open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonTTSCircuitOpen)))
		return p.failTurn(streamID, meta)
	}
	p.markBreaker(false, streamID)

	sess, err := p.ensureSession(streamID, callSID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
		p.logger.Error("tts connection failed",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		p.noteFailure(err, streamID)
		return p.failTurn(streamID, meta)
	}

	p.logger.Info("tts request",
		slog.String("stream_id", streamID),
		slog.String("text", clipText(redact.Text(tf.Text()))),
		slog.Int("text_length", len(tf.Text())),
		slog.String("output_format", p.outputFormat))

	if err := p.speak(sess, tf.Text(), flushRequested); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSSend)
		p.logger.Error("tts send failed",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))

		retryErr := p.retry.Do(func() error {
			p.CloseStream(streamID)
			var rerr error
			sess, rerr = p.ensureSession(streamID, callSID)
			if rerr != nil {
				return rerr
			}
			return sess.SendText(tf.Text())
		})
		if retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonTTSRetry)
			p.logger.Error("tts send failed after retry",
				slog.String("stream_id", streamID),
				slog.String("reason_code", string(errorsx.Reason(retryErr))),
				slog.String("error", retryErr.Error()),
				slog.Int("max_retries", p.retry.MaxRetries))
			p.noteFailure(retryErr, streamID)
			return p.failTurn(streamID, meta)
		}
		// retried onto a fresh session; a requested flush has to be re-sent
		if flushRequested {
			sess.Flush()
		}
	}

	p.breaker.OnSuccess()
	return p.drain(streamID)
}

func (p *TTSProcessor) speak(sess tts.StreamingTTS, text string, flush bool) error {
	if flush {
		if sender, ok := sess.(flushSender); ok {
			return sender.SendTextWithOptions(text, true)
		}
		if err := sess.SendText(text); err != nil {
			return err
		}
		sess.Flush()
		return nil
	}
	return sess.SendText(text)
}

// failTurn drains whatever audio already arrived and appends a fallback
// signal for the transport.
func (p *TTSProcessor) failTurn(streamID string, meta map[string]string) []frames.Frame {
	out := p.drain(streamID)
	return append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta))
}

func (p *TTSProcessor) track(callSID, streamID string) {
	if callSID == "" || streamID == "" {
		return
	}
	var evict string
	p.mu.Lock()
	if prev := p.byCall[callSID]; prev != "" && prev != streamID {
		evict = prev
	}
	p.byCall[callSID] = streamID
	if st := p.streams[streamID]; st != nil {
		st.callSID = callSID
	}
	p.mu.Unlock()
	if evict != "" {
		p.CloseStream(evict)
	}
}

func (p *TTSProcessor) ensureSession(streamID, callSID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.streams[streamID]; st != nil && st.sess != nil {
		return st.sess, nil
	}

	sess := p.factory(callSID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sess.Start(p.ctx); err != nil {
		p.logger.Error("failed to start TTS session",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		return nil, err
	}
	p.logger.Info("TTS session created",
		slog.String("stream_id", streamID),
		slog.String("output_format", p.outputFormat))

	st := p.streams[streamID]
	if st == nil {
		st = &ttsStream{}
		p.streams[streamID] = st
	}
	st.sess = sess
	st.callSID = callSID
	if p.provider == "" {
		p.provider = sess.Name()
	}
	return sess, nil
}

// CloseStream ignores an empty ID so a stray frame cannot tear down every
// session.
func (p *TTSProcessor) CloseStream(streamID string) {
	if streamID == "" {
		return
	}
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

func (p *TTSProcessor) CloseAll() {
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

func (p *TTSProcessor) withSession(streamID string, fn func(tts.StreamingTTS)) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	st := p.streams[streamID]
	var sess tts.StreamingTTS
	if st != nil {
		sess = st.sess
	}
	p.mu.Unlock()
	if sess != nil {
		fn(sess)
	}
}

// drain pulls pending synthesis output without blocking and records the
// time-to-first-audio event once per stream.
func (p *TTSProcessor) drain(streamID string) []frames.Frame {
	var out []frames.Frame
	p.withSession(streamID, func(sess tts.StreamingTTS) {
		for {
			select {
			case f, ok := <-sess.Results():
				if !ok {
					return
				}
				out = append(out, f)
			default:
				return
			}
		}
	})
	if len(out) > 0 {
		p.recordFirstAudio(streamID)
	}
	return out
}

func (p *TTSProcessor) recordFirstAudio(streamID string) {
	if p.obs == nil {
		return
	}
	p.mu.Lock()
	st := p.streams[streamID]
	if st == nil || st.firstAudio {
		p.mu.Unlock()
		return
	}
	st.firstAudio = true
	p.mu.Unlock()
	p.recordNamed("tts_first_audio", streamID)
}

func (p *TTSProcessor) recordNamed(name, streamID string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "tts"}
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
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func (p *TTSProcessor) noteFailure(err error, streamID string) {
	if resilience.IsRateLimit(err) {
		p.recordNamed(metrics.EventRateLimit, streamID)
	}
	p.breaker.OnError(err)
}

func (p *TTSProcessor) markBreaker(open bool, streamID string) {
	if p.open == open {
		return
	}
	p.open = open
	if open {
		p.recordNamed(metrics.EventBreakerOpen, streamID)
	} else {
		p.recordNamed(metrics.EventBreakerClose, streamID)
	}
}

func (p *TTSProcessor) setTrace(streamID, traceID string) {
	if traceID == "" || streamID == "" {
		return
	}
	p.mu.Lock()
	st := p.streams[streamID]
	if st == nil {
		st = &ttsStream{}
		p.streams[streamID] = st
	}
	st.traceID = traceID
	p.mu.Unlock()
}

var _ pipeline.FrameProcessor = (*TTSProcessor)(nil)
