// Package engine owns the video and audio pipelines, the adaptive buffer
// and the outbound packetization path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"edgestream/internal/fec"
	"edgestream/internal/metrics"
	"edgestream/internal/muxer"
	"edgestream/internal/netestimator"
	"edgestream/internal/pipeline"
	"edgestream/internal/scheduler"
	"edgestream/pkg/models"
)

var ErrClosed = errors.New("media engine closed")

// Stage buffer capacities
const (
	analyzeCapacity = 5
	adaptCapacity   = 3
	enhanceCapacity = 2
	processCapacity = 8
	denoiseCapacity = 4
)

const (
	// DefaultTargetBufferMs is the adaptive buffer target before any adjustment
	DefaultTargetBufferMs = 3000

	// maxGroupChunks bounds the chunk graph when key frames never arrive
	maxGroupChunks = 4096
)

// BitrateLadder lists the encoding rungs in kbps, lowest first
var BitrateLadder = []int{500, 1000, 2500, 5000, 8000, 12000, 20000}

// Conditions is the network state the engine adapts to.
// *netestimator.Estimator satisfies it.
type Conditions interface {
	scheduler.Conditions
	SmoothedJitter() float64
	SmoothedPacketLoss() float64
	OptimalBitrateKbps() int
}

// Runner executes pipeline stage tasks. *workerpool.Pool satisfies it.
type Runner interface {
	pipeline.Submitter
	Drain(ctx context.Context) error
}

// PacketSink receives every outbound batch. Implementations must not block.
type PacketSink interface {
	Deliver(batch *models.PacketBatch)
}

// SinkFunc adapts a function to PacketSink
type SinkFunc func(batch *models.PacketBatch)

// Deliver calls f(batch)
func (f SinkFunc) Deliver(batch *models.PacketBatch) { f(batch) }

// Processors are the transforms behind the non-inspecting stages. A nil
// field uses the default: Annex-B normalization for Enhance, pass-through
// for the audio stages.
type Processors struct {
	Enhance pipeline.StageFunc
	Audio   pipeline.StageFunc
	Denoise pipeline.StageFunc
}

// Engine is the media engine
type Engine struct {
	runner     Runner
	conditions Conditions
	video      *pipeline.Pipeline
	audio      *pipeline.Pipeline

	packetizer   *scheduler.Packetizer
	fec          *fec.Encoder
	fecThreshold float64
	sinks        []PacketSink
	streamID     uint32
	processors   Processors
	normalizer   *muxer.Normalizer

	// graphMu serializes frame id assignment and graph updates
	graphMu   sync.Mutex
	graph     *scheduler.Graph
	nextFrame uint32
	lastKey   uint32
	haveRoot  bool

	targetBufferMs *atomic.Int64
	targetKbps     *atomic.Int64
	ladderKbps     *atomic.Int64
	keyFrames      *atomic.Int64
	videoOut       *atomic.Int64
	audioOut       *atomic.Int64
	packetsOut     *atomic.Int64
	repairsOut     *atomic.Int64
	submitFailures *atomic.Int64
	closed         *atomic.Bool

	metrics *metrics.Metrics
	log     *logrus.Entry
	logFull rate.Sometimes
}

// Option configures an Engine
type Option func(*Engine)

// WithSink adds a consumer of outbound packet batches
func WithSink(sink PacketSink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sink)
	}
}

// WithFEC adds repair symbols to batches while smoothed loss exceeds thresholdPct
func WithFEC(enc *fec.Encoder, thresholdPct float64) Option {
	return func(e *Engine) {
		e.fec = enc
		e.fecThreshold = thresholdPct
	}
}

// WithStreamID sets the stream id stamped on outbound packets
func WithStreamID(id uint32) Option {
	return func(e *Engine) {
		e.streamID = id
	}
}

// WithProcessors overrides the stage transforms
func WithProcessors(p Processors) Option {
	return func(e *Engine) {
		e.processors = p
	}
}

// WithMetrics records engine activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an engine whose stages run on runner and adapt to conditions
func New(runner Runner, conditions Conditions, opts ...Option) (*Engine, error) {
	if runner == nil || conditions == nil {
		return nil, fmt.Errorf("engine requires a runner and network conditions")
	}

	e := &Engine{
		runner:         runner,
		conditions:     conditions,
		packetizer:     scheduler.NewPacketizer(conditions),
		normalizer:     muxer.NewNormalizer(),
		graph:          scheduler.NewGraph(),
		streamID:       1,
		targetBufferMs: atomic.NewInt64(DefaultTargetBufferMs),
		targetKbps:     atomic.NewInt64(0),
		ladderKbps:     atomic.NewInt64(0),
		keyFrames:      atomic.NewInt64(0),
		videoOut:       atomic.NewInt64(0),
		audioOut:       atomic.NewInt64(0),
		packetsOut:     atomic.NewInt64(0),
		repairsOut:     atomic.NewInt64(0),
		submitFailures: atomic.NewInt64(0),
		closed:         atomic.NewBool(false),
		log:            logrus.WithField("component", "engine"),
		logFull:        rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.processors.Enhance == nil {
		e.processors.Enhance = e.normalizer.Normalize
	}
	if e.processors.Audio == nil {
		e.processors.Audio = passThrough
	}
	if e.processors.Denoise == nil {
		e.processors.Denoise = passThrough
	}

	var err error
	if e.video, err = e.buildVideo(); err != nil {
		return nil, err
	}
	if e.audio, err = e.buildAudio(); err != nil {
		return nil, err
	}

	e.metrics.RecordTargetBuffer(DefaultTargetBufferMs)
	return e, nil
}

func passThrough(b []byte) ([]byte, error) { return b, nil }

func (e *Engine) buildVideo() (*pipeline.Pipeline, error) {
	p := pipeline.New(string(models.FrameKindVideo), e.runner,
		pipeline.WithSink(e.emitVideo),
		pipeline.WithMetrics(e.metrics),
	)
	stages := []struct {
		name     string
		capacity int
		fn       pipeline.StageFunc
	}{
		{"analyze", analyzeCapacity, e.analyze},
		{"adapt", adaptCapacity, e.adapt},
		{"enhance", enhanceCapacity, e.processors.Enhance},
	}
	for _, s := range stages {
		if err := p.AddStage(s.name, s.capacity, s.fn); err != nil {
			return nil, fmt.Errorf("failed to build video pipeline: %w", err)
		}
	}
	return p, nil
}

func (e *Engine) buildAudio() (*pipeline.Pipeline, error) {
	p := pipeline.New(string(models.FrameKindAudio), e.runner,
		pipeline.WithSink(e.emitAudio),
		pipeline.WithMetrics(e.metrics),
	)
	if err := p.AddStage("process", processCapacity, e.processors.Audio); err != nil {
		return nil, fmt.Errorf("failed to build audio pipeline: %w", err)
	}
	if err := p.AddStage("denoise", denoiseCapacity, e.processors.Denoise); err != nil {
		return nil, fmt.Errorf("failed to build audio pipeline: %w", err)
	}
	return p, nil
}

// analyze inspects the frame without changing it
func (e *Engine) analyze(frame []byte) ([]byte, error) {
	if muxer.Inspect(frame).IsKeyFrame {
		e.keyFrames.Inc()
		e.metrics.RecordKeyFrame()
	}
	return frame, nil
}

// adapt picks the encoding parameters for the current optimal bitrate
func (e *Engine) adapt(frame []byte) ([]byte, error) {
	params := EncodingParamsFor(e.conditions.OptimalBitrateKbps())
	if e.ladderKbps.Swap(int64(params.LadderBitrateKbps)) != int64(params.LadderBitrateKbps) {
		e.metrics.RecordEncodingBitrate(params.LadderBitrateKbps)
	}
	e.targetKbps.Store(int64(params.TargetBitrateKbps))
	return frame, nil
}

// EncodingParamsFor maps a target bitrate to the highest ladder rung not above it
func EncodingParamsFor(targetKbps int) models.EncodingParams {
	rung := BitrateLadder[0]
	for _, r := range BitrateLadder {
		if r > targetKbps {
			break
		}
		rung = r
	}
	return models.EncodingParams{
		TargetBitrateKbps: targetKbps,
		LadderBitrateKbps: rung,
	}
}

// ProcessVideoFrame submits frame for video processing. workerpool.ErrPoolFull
// tells the caller to drop or retry. A full pipeline entry is only seen by
// the worker, which drops the frame and counts it in the pipeline stats.
func (e *Engine) ProcessVideoFrame(frame []byte) error {
	return e.submit(e.video, models.FrameKindVideo, frame)
}

// ProcessAudioFrame submits frame for audio processing
func (e *Engine) ProcessAudioFrame(frame []byte) error {
	return e.submit(e.audio, models.FrameKindAudio, frame)
}

func (e *Engine) submit(p *pipeline.Pipeline, kind models.FrameKind, frame []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(frame) == 0 {
		return nil
	}
	e.metrics.RecordFrame(string(kind), len(frame))

	// the task owns its copy
	data := append([]byte(nil), frame...)
	err := e.runner.Submit(func() {
		if err := p.Process(data); err != nil {
			e.logFull.Do(func() {
				e.log.WithError(err).WithField("pipeline", p.Name()).Warn("Frame dropped at pipeline entry")
			})
		}
	})
	if err != nil {
		e.submitFailures.Inc()
		return err
	}
	return nil
}

func (e *Engine) emitVideo(frame []byte) {
	if len(frame) == 0 {
		return
	}
	info := muxer.Inspect(frame)
	ts := uint64(time.Now().UnixMicro())

	e.graphMu.Lock()
	frameID := e.nextFrame
	e.nextFrame++
	var deps []uint32
	switch {
	case info.IsKeyFrame || !e.haveRoot || e.graph.Len() >= maxGroupChunks:
		e.graph.Reset()
		e.lastKey = frameID
		e.haveRoot = true
	case info.IsConfig:
		// parameter sets depend on nothing
	default:
		deps = []uint32{e.lastKey}
	}
	if err := e.graph.InsertChunk(frameID, ts, uint32(len(frame)), deps); err != nil {
		e.log.WithError(err).WithField("frame", frameID).Error("Failed to register frame in chunk graph")
	}
	e.graphMu.Unlock()

	e.deliver(&models.PacketBatch{
		Kind:      models.FrameKindVideo,
		StreamID:  e.streamID,
		FrameID:   frameID,
		KeyFrame:  info.IsKeyFrame,
		Packets:   e.packetizer.Packetize(frame, e.streamID),
		CreatedAt: int64(ts),
	})
	e.videoOut.Inc()
}

func (e *Engine) emitAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	e.deliver(&models.PacketBatch{
		Kind:      models.FrameKindAudio,
		StreamID:  e.streamID,
		Packets:   e.packetizer.Packetize(frame, e.streamID),
		CreatedAt: time.Now().UnixMicro(),
	})
	e.audioOut.Inc()
}

func (e *Engine) deliver(batch *models.PacketBatch) {
	if e.fec != nil && e.conditions.SmoothedPacketLoss() > e.fecThreshold {
		repairs, err := e.fec.Protect(batch.Packets)
		if err != nil {
			e.log.WithError(err).Warn("Failed to compute repair symbols")
		} else {
			batch.Repairs = repairs
		}
	}

	e.packetsOut.Add(int64(len(batch.Packets)))
	e.repairsOut.Add(int64(len(batch.Repairs)))
	e.metrics.RecordPackets(len(batch.Packets), len(batch.Repairs))
	for _, s := range e.sinks {
		s.Deliver(batch)
	}
}

// AdjustBuffer recomputes the adaptive buffer target from the smoothed
// latency and jitter and returns it in milliseconds
func (e *Engine) AdjustBuffer() int64 {
	target := int64(netestimator.TargetBufferMs(e.conditions.SmoothedLatency(), e.conditions.SmoothedJitter()))
	e.targetBufferMs.Store(target)
	e.metrics.RecordTargetBuffer(target)
	return target
}

// TargetBufferMs returns the current adaptive buffer target
func (e *Engine) TargetBufferMs() int64 {
	return e.targetBufferMs.Load()
}

// EncodingParams returns the parameters chosen by the last adaptive stage run
func (e *Engine) EncodingParams() models.EncodingParams {
	return models.EncodingParams{
		TargetBitrateKbps: int(e.targetKbps.Load()),
		LadderBitrateKbps: int(e.ladderKbps.Load()),
	}
}

// DeliveryOrder returns the current group's frame ids with every frame after its dependencies
func (e *Engine) DeliveryOrder() []uint32 {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	return e.graph.DeliveryOrder()
}

// Idle reports whether both pipelines are empty
func (e *Engine) Idle() bool {
	return e.video.Idle() && e.audio.Idle()
}

// Drain waits until submitted frames have left both pipelines
func (e *Engine) Drain(ctx context.Context) error {
	for {
		if err := e.runner.Drain(ctx); err != nil {
			return err
		}
		if e.Idle() {
			return nil
		}
		// stages left behind by a full pool
		e.video.Kick()
		e.audio.Kick()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Close rejects further frames. It does not stop the runner.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.log.WithFields(logrus.Fields{
		"video":   e.videoOut.Load(),
		"audio":   e.audioOut.Load(),
		"packets": e.packetsOut.Load(),
	}).Info("Media engine closed")
	return nil
}

// Stats is a snapshot of engine counters
type Stats struct {
	Video          pipeline.Stats        `json:"video"`
	Audio          pipeline.Stats        `json:"audio"`
	TargetBufferMs int64                 `json:"targetBufferMs"`
	Encoding       models.EncodingParams `json:"encoding"`
	KeyFrames      int64                 `json:"keyFrames"`
	VideoFramesOut int64                 `json:"videoFramesOut"`
	AudioFramesOut int64                 `json:"audioFramesOut"`
	PacketsOut     int64                 `json:"packetsOut"`
	RepairsOut     int64                 `json:"repairsOut"`
	SubmitFailures int64                 `json:"submitFailures"`
	GroupSize      int                   `json:"groupSize"`
}

// Stats returns the current counters
func (e *Engine) Stats() Stats {
	e.graphMu.Lock()
	groupSize := e.graph.Len()
	e.graphMu.Unlock()

	return Stats{
		Video:          e.video.Stats(),
		Audio:          e.audio.Stats(),
		TargetBufferMs: e.targetBufferMs.Load(),
		Encoding:       e.EncodingParams(),
		KeyFrames:      e.keyFrames.Load(),
		VideoFramesOut: e.videoOut.Load(),
		AudioFramesOut: e.audioOut.Load(),
		PacketsOut:     e.packetsOut.Load(),
		RepairsOut:     e.repairsOut.Load(),
		SubmitFailures: e.submitFailures.Load(),
		GroupSize:      groupSize,
	}
}
