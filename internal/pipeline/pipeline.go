// Package pipeline moves payloads through ordered stages, each with its own
// bounded buffer, using a worker pool to run the stages.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"edgestream/internal/metrics"
	"edgestream/internal/queue"
	"edgestream/internal/workerpool"
)

var (
	ErrBackpressure = errors.New("pipeline backpressure")
	ErrNoStages     = errors.New("pipeline has no stages")
	ErrSealed       = errors.New("pipeline stages are fixed once processing starts")
)

// StageFunc transforms one payload. A non-nil error discards the payload.
type StageFunc func(payload []byte) ([]byte, error)

// Sink receives the output of the last stage
type Sink func(payload []byte)

// DropFunc is called when a stage output is rejected by the next stage buffer
type DropFunc func(stage string, payload []byte)

// Submitter runs tasks asynchronously. *workerpool.Pool satisfies it.
type Submitter interface {
	Submit(task workerpool.Task) error
}

type stage struct {
	name string
	fn   StageFunc
	buf  *queue.Ring[[]byte]

	// draining is held by the single task currently emptying buf
	draining *atomic.Bool

	processed *atomic.Int64
	failed    *atomic.Int64
	dropped   *atomic.Int64
}

// Pipeline is an ordered list of stages
type Pipeline struct {
	name   string
	stages []*stage
	runner Submitter
	sink   Sink
	onDrop DropFunc
	sealed *atomic.Bool

	accepted *atomic.Int64
	rejected *atomic.Int64

	metrics  *metrics.Metrics
	log      *logrus.Entry
	logDrops rate.Sometimes
	logFails rate.Sometimes
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithSink sets the consumer of final stage output. Without one the output is discarded.
func WithSink(sink Sink) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// WithDropHandler reports payloads lost to inter-stage backpressure
func WithDropHandler(fn DropFunc) Option {
	return func(p *Pipeline) {
		p.onDrop = fn
	}
}

// WithMetrics records stage activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New creates an empty pipeline whose stages run on runner.
// A nil runner runs stages synchronously in the caller's goroutine.
func New(name string, runner Submitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:     name,
		runner:   runner,
		sealed:   atomic.NewBool(false),
		accepted: atomic.NewInt64(0),
		rejected: atomic.NewInt64(0),
		log:      logrus.WithFields(logrus.Fields{"component": "pipeline", "pipeline": name}),
		logDrops: rate.Sometimes{Interval: time.Second},
		logFails: rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pipeline name
func (p *Pipeline) Name() string {
	return p.name
}

// AddStage appends a stage with a buffer of the given capacity (capacity-1
// usable slots). Stages cannot be added after the first Process call.
func (p *Pipeline) AddStage(name string, capacity int, fn StageFunc) error {
	if p.sealed.Load() {
		return ErrSealed
	}
	if fn == nil {
		return fmt.Errorf("stage %q: nil function", name)
	}
	if capacity < 2 {
		return fmt.Errorf("stage %q: capacity %d must be at least 2", name, capacity)
	}

	p.stages = append(p.stages, &stage{
		name:      name,
		fn:        fn,
		buf:       queue.New[[]byte](capacity),
		draining:  atomic.NewBool(false),
		processed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		dropped:   atomic.NewInt64(0),
	})
	return nil
}

// Process pushes data into the first stage buffer. It never blocks: when
// the buffer is full it returns ErrBackpressure and the caller keeps data.
func (p *Pipeline) Process(data []byte) error {
	if len(p.stages) == 0 {
		return ErrNoStages
	}
	p.sealed.Store(true)

	if !p.stages[0].buf.TryPush(data) {
		p.rejected.Inc()
		p.metrics.RecordPipelineEntry(p.name, false)
		return ErrBackpressure
	}
	p.accepted.Inc()
	p.metrics.RecordPipelineEntry(p.name, true)

	p.Kick()
	return nil
}

// Kick schedules a drain for every stage holding buffered payloads.
// Stages left behind by a rejected task submission resume here.
func (p *Pipeline) Kick() {
	for i, s := range p.stages {
		if s.buf.Size() > 0 {
			p.schedule(i)
		}
	}
}

func (p *Pipeline) schedule(i int) {
	s := p.stages[i]
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	if p.runner == nil {
		p.drain(i)
		return
	}
	if err := p.runner.Submit(func() { p.drain(i) }); err != nil {
		// payloads stay buffered until the next Kick
		s.draining.Store(false)
	}
}

// drain empties stage i. Only the holder of the draining flag runs it.
func (p *Pipeline) drain(i int) {
	s := p.stages[i]
	last := i == len(p.stages)-1

	for {
		item, ok := s.buf.TryPop()
		if !ok {
			s.draining.Store(false)
			// a push may have landed between the failed pop and the release
			if s.buf.Size() > 0 && s.draining.CompareAndSwap(false, true) {
				continue
			}
			return
		}

		out, err := s.fn(item)
		if err != nil {
			s.failed.Inc()
			p.metrics.RecordStageProcessed(p.name, s.name, true)
			p.logFails.Do(func() {
				p.log.WithError(err).WithField("stage", s.name).Warn("Stage failed")
			})
			continue
		}
		s.processed.Inc()
		p.metrics.RecordStageProcessed(p.name, s.name, false)

		if last {
			if p.sink != nil {
				p.sink(out)
			}
			continue
		}

		next := p.stages[i+1]
		if !next.buf.TryPush(out) {
			s.dropped.Inc()
			p.metrics.RecordStageDropped(p.name, s.name)
			p.logDrops.Do(func() {
				p.log.WithFields(logrus.Fields{
					"stage": s.name,
					"next":  next.name,
				}).Warn("Next stage buffer full, dropping payload")
			})
			if p.onDrop != nil {
				p.onDrop(s.name, out)
			}
			continue
		}
		p.schedule(i + 1)
	}
}

// Idle reports whether every stage buffer is empty and no stage is draining
func (p *Pipeline) Idle() bool {
	for _, s := range p.stages {
		if s.buf.Size() > 0 || s.draining.Load() {
			return false
		}
	}
	return true
}

// StageStats is a snapshot of one stage
type StageStats struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Buffered  int    `json:"buffered"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
}

// Stats is a snapshot of the pipeline counters
type Stats struct {
	Name     string       `json:"name"`
	Accepted int64        `json:"accepted"`
	Rejected int64        `json:"rejected"`
	Stages   []StageStats `json:"stages"`
}

// Stats returns the current counters
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Name:     p.name,
		Accepted: p.accepted.Load(),
		Rejected: p.rejected.Load(),
		Stages:   make([]StageStats, 0, len(p.stages)),
	}
	for _, s := range p.stages {
		st.Stages = append(st.Stages, StageStats{
			Name:      s.name,
			Capacity:  s.buf.Capacity(),
			Buffered:  s.buf.Size(),
			Processed: s.processed.Load(),
			Failed:    s.failed.Load(),
			Dropped:   s.dropped.Load(),
		})
	}
	return st
}
