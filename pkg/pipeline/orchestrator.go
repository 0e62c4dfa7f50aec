package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/metrics"
	"github.com/parkvoice/joanne/pkg/priority"
)

// maxAudioLag is how stale an audio frame may get before the orchestrator
// drops it instead of processing it. Caller audio older than this has
// already been replaced by newer speech; transcribing it only adds latency.
const maxAudioLag = 500 * time.Millisecond

type orchestrator struct {
	in      chan frames.Frame
	out     chan frames.Frame
	pq      *priority.PriorityQueue
	procs   []FrameProcessor
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	stageCh []chan frames.Frame
	sink    func(frames.Frame)
	obs     metrics.Observer
}

func New(cfg Config) Orchestrator {
	o := &orchestrator{
		in:  make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		out: make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		cfg: cfg,
	}
	o.pq = priority.New(cfg.HighCapacity, cfg.LowCapacity, cfg.FairnessRatio)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func NewWithPipelineConfig(pc PipelineConfig) Orchestrator {
	orch := New(pc.Config)
	logStageOrder(pc.Processors)
	for _, p := range pc.Processors {
		_ = orch.AddProcessor(p)
	}
	return orch
}

func (o *orchestrator) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
}

func (o *orchestrator) In() chan frames.Frame            { return o.in }
func (o *orchestrator) Out() chan frames.Frame           { return o.out }
func (o *orchestrator) SetSink(sink func(frames.Frame))  { o.sink = sink }
func (o *orchestrator) SetObserver(obs metrics.Observer) { o.obs = obs }

func (o *orchestrator) AddProcessor(p FrameProcessor) error {
	o.procs = append(o.procs, p)
	return nil
}

func (o *orchestrator) Start() error {
	go o.feedLoop()
	if o.cfg.Async {
		o.startStaged()
	} else {
		go o.runInline()
	}
	return nil
}

func (o *orchestrator) Stop() error {
	o.cancel()
	o.pq.Close()
	// give loop goroutines a beat to observe cancellation before out closes
	time.Sleep(5 * time.Millisecond)
	close(o.out)
	return nil
}

// feedLoop moves frames from the intake channel into the priority queue.
// Control frames take the high lane so barge-in signals overtake buffered
// audio; everything else rides the low lane.
func (o *orchestrator) feedLoop() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-o.in:
			o.enqueue(f)
		}
	}
}

func (o *orchestrator) enqueue(f frames.Frame) {
	admitted := false
	if f.Kind() == frames.KindControl {
		admitted = o.pq.TryPushHigh(f)
	} else {
		admitted = o.pq.TryPushLow(f)
	}
	if !admitted {
		frames.ReleaseAudioFrame(f)
		o.recordDrop(f)
	}
	o.recordIn(f)
}

// runInline pops frames and walks them through every processor on a single
// goroutine. This is the default mode: stage handoff cost is zero and
// ordering across stages is trivially preserved.
func (o *orchestrator) runInline() {
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		popped, ok := o.pq.Pop()
		if !ok {
			return
		}
		f := popped.(frames.Frame)
		if audioTooStale(f) {
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
			continue
		}
		for _, e := range o.applyStages(f) {
			o.recordOut(e)
			o.emit(e)
		}
	}
}

// applyStages runs one frame through the processor chain. A stage may fan a
// frame out into several, swallow it, or fail; failures drop the frame.
func (o *orchestrator) applyStages(f frames.Frame) []frames.Frame {
	batch := []frames.Frame{f}
	for _, p := range o.procs {
		var next []frames.Frame
		for _, cur := range batch {
			start := time.Now()
			produced, err := p.Process(cur)
			if err != nil || produced == nil {
				frames.ReleaseAudioFrame(cur)
				continue
			}
			o.recordStage(p.Name(), cur, start)
			next = append(next, produced...)
		}
		batch = next
		if batch == nil {
			break
		}
	}
	return batch
}

// startStaged runs each processor on its own goroutine with buffered
// channels between stages, trading per-frame handoffs for stage
// parallelism on heavier pipelines.
func (o *orchestrator) startStaged() {
	o.stageCh = make([]chan frames.Frame, len(o.procs)+1)
	for i := range o.stageCh {
		o.stageCh[i] = make(chan frames.Frame, o.cfg.StageBuffer)
	}

	for i, p := range o.procs {
		go o.stageLoop(p, o.stageCh[i], o.stageCh[i+1])
	}

	// queue -> first stage
	go func() {
		for {
			select {
			case <-o.ctx.Done():
				return
			default:
			}
			popped, ok := o.pq.Pop()
			if !ok {
				return
			}
			f := popped.(frames.Frame)
			if audioTooStale(f) {
				frames.ReleaseAudioFrame(f)
				o.recordDrop(f)
				continue
			}
			o.push(o.stageCh[0], f)
		}
	}()

	// last stage -> out
	go func() {
		final := o.stageCh[len(o.stageCh)-1]
		for {
			select {
			case <-o.ctx.Done():
				return
			case e := <-final:
				o.recordOut(e)
				o.emit(e)
			}
		}
	}()
}

func (o *orchestrator) stageLoop(proc FrameProcessor, in, out chan frames.Frame) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-in:
			start := time.Now()
			produced, err := proc.Process(f)
			if err != nil || produced == nil {
				frames.ReleaseAudioFrame(f)
				continue
			}
			o.recordStage(proc.Name(), f, start)
			for _, e := range produced {
				o.push(out, e)
			}
		}
	}
}

func (o *orchestrator) emit(f frames.Frame) {
	if o.sink != nil {
		o.sink(f)
		frames.ReleaseAudioFrame(f)
		return
	}
	o.push(o.out, f)
}

func (o *orchestrator) push(ch chan frames.Frame, f frames.Frame) {
	if audioTooStale(f) {
		frames.ReleaseAudioFrame(f)
		o.recordDrop(f)
		return
	}
	switch o.cfg.Backpressure {
	case BackpressureWait:
		select {
		case <-o.ctx.Done():
			frames.ReleaseAudioFrame(f)
			return
		case ch <- f:
		}
	default:
		select {
		case ch <- f:
		default:
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
		}
	}
}

func (o *orchestrator) recordStage(name string, f frames.Frame, start time.Time) {
	if o.obs == nil {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "stage_latency_us",
		Time:  time.Now(),
		Value: float64(time.Since(start).Microseconds()),
		Tags: map[string]string{
			"processor":         name,
			frames.MetaStreamID: frameStream(f),
			frames.MetaTraceID:  frameTrace(f),
		},
	})
}

func (o *orchestrator) recordIn(f frames.Frame)   { o.recordFlow("frame_in", f) }
func (o *orchestrator) recordOut(f frames.Frame)  { o.recordFlow("frame_out", f) }
func (o *orchestrator) recordDrop(f frames.Frame) { o.recordFlow("frame_drop", f) }

func (o *orchestrator) recordFlow(name string, f frames.Frame) {
	if o.obs == nil {
		return
	}
	tags := map[string]string{
		frames.MetaStreamID: frameStream(f),
		frames.MetaTraceID:  frameTrace(f),
		"kind":              frameKind(f),
	}
	if name != "frame_drop" {
		tagFrameDetail(tags, f)
	}
	o.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func frameStream(f frames.Frame) string { return frameMetaValue(f, frames.MetaStreamID) }
func frameTrace(f frames.Frame) string  { return frameMetaValue(f, frames.MetaTraceID) }

func frameMetaValue(f frames.Frame, key string) string {
	if f == nil {
		return ""
	}
	m := f.Meta()
	if m == nil {
		return ""
	}
	return m[key]
}

func frameKind(f frames.Frame) string {
	if f == nil {
		return ""
	}
	return string(f.Kind())
}

func tagFrameDetail(tags map[string]string, f frames.Frame) {
	if tags == nil || f == nil {
		return
	}
	if source := frameMetaValue(f, frames.MetaSource); source != "" {
		tags["source"] = source
	}
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		tags["control_code"] = string(cf.Code())
		if reason := frameMetaValue(f, frames.MetaReason); reason != "" {
			tags["control_reason"] = reason
		}
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if name := sf.Name(); name != "" {
			tags["system_name"] = name
		}
	}
}

func logStageOrder(procs []FrameProcessor) {
	if len(procs) == 0 {
		return
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		names = append(names, p.Name())
	}
	slog.Info("pipeline", "order", strings.Join(names, " -> "))
}

// audioTooStale applies the lag cutoff to audio frames whose PTS is a
// nanosecond wall-clock timestamp. Synthetic PTS values (small counters
// used in tests) are left alone.
func audioTooStale(f frames.Frame) bool {
	if f == nil || f.Kind() != frames.KindAudio {
		return false
	}
	pts := f.PTS()
	if pts < 1_000_000_000_000 {
		return false
	}
	return time.Since(time.Unix(0, pts)) > maxAudioLag
}
