// Package netestimator smooths noisy bandwidth, latency, jitter and loss
// observations into a stable network state and derives delivery targets.
package netestimator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/atomic"

	"edgestream/pkg/models"
)

const (
	// Alpha is the EWMA weight given to each new sample
	Alpha = 0.2

	MinBitrateKbps = 300
	MaxBitrateKbps = 20000

	// DefaultWindow is the number of recent samples retained
	DefaultWindow = 64

	bitrateHeadroom  = 0.8
	minSafetyFactor  = 0.7
	latencyReference = 100.0 // ms at which the safety factor bottoms out
)

var ErrInvalidSample = errors.New("invalid network sample")

// Estimator keeps a ring of recent samples and the smoothed state.
//
// Samples are applied one at a time under mu, so an identical sequence of
// samples always produces identical state. Readers never take the lock.
type Estimator struct {
	mu      sync.Mutex
	window  int
	history deque.Deque[models.NetworkSample]
	applied uint64

	bandwidth *atomic.Float64
	latency   *atomic.Float64
	jitter    *atomic.Float64
	loss      *atomic.Float64
}

// New creates an estimator retaining the last window samples.
// A non-positive window selects DefaultWindow.
func New(window int) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{
		window:    window,
		bandwidth: atomic.NewFloat64(0),
		latency:   atomic.NewFloat64(0),
		jitter:    atomic.NewFloat64(0),
		loss:      atomic.NewFloat64(0),
	}
}

// AddSample records s and folds it into the smoothed state
func (e *Estimator) AddSample(s models.NetworkSample) error {
	if err := validate(s); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history.PushBack(s)
	for e.history.Len() > e.window {
		e.history.PopFront()
	}

	e.bandwidth.Store(smooth(e.bandwidth.Load(), s.Bandwidth))
	e.latency.Store(smooth(e.latency.Load(), s.Latency))
	e.jitter.Store(smooth(e.jitter.Load(), s.Jitter))
	e.loss.Store(smooth(e.loss.Load(), s.PacketLoss))
	e.applied++
	return nil
}

func smooth(old, sample float64) float64 {
	return Alpha*sample + (1-Alpha)*old
}

func validate(s models.NetworkSample) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"bandwidth", s.Bandwidth},
		{"latency", s.Latency},
		{"packetLoss", s.PacketLoss},
		{"jitter", s.Jitter},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value < 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidSample, f.name, f.value)
		}
	}
	return nil
}

// SmoothedBandwidth returns the smoothed bandwidth in Mbps
func (e *Estimator) SmoothedBandwidth() float64 { return e.bandwidth.Load() }

// SmoothedLatency returns the smoothed latency in ms
func (e *Estimator) SmoothedLatency() float64 { return e.latency.Load() }

// SmoothedJitter returns the smoothed jitter in ms
func (e *Estimator) SmoothedJitter() float64 { return e.jitter.Load() }

// SmoothedPacketLoss returns the smoothed packet loss in percent
func (e *Estimator) SmoothedPacketLoss() float64 { return e.loss.Load() }

// State returns a snapshot taken under the lock, so all fields come from
// the same sample.
func (e *Estimator) State() models.NetworkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.NetworkState{
		SmoothedBandwidth:  e.bandwidth.Load(),
		SmoothedLatency:    e.latency.Load(),
		SmoothedJitter:     e.jitter.Load(),
		SmoothedPacketLoss: e.loss.Load(),
		Samples:            e.applied,
	}
}

// Samples returns the retained samples, oldest first
func (e *Estimator) Samples() []models.NetworkSample {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.NetworkSample, e.history.Len())
	for i := range out {
		out[i] = e.history.At(i)
	}
	return out
}

// OptimalBitrateKbps derives the target bitrate from the smoothed state,
// always within [MinBitrateKbps, MaxBitrateKbps].
func (e *Estimator) OptimalBitrateKbps() int {
	state := e.State()
	return OptimalBitrateKbps(state.SmoothedBandwidth, state.SmoothedLatency)
}

// OptimalBitrateKbps is the closed-form bitrate heuristic:
// bandwidth(Mbps) * 1000 * max(0.7, 1 - latency/100) * 0.8, clamped.
func OptimalBitrateKbps(bandwidthMbps, latencyMs float64) int {
	safety := math.Max(minSafetyFactor, 1-latencyMs/latencyReference)
	bitrate := bandwidthMbps * 1000 * safety * bitrateHeadroom
	if math.IsNaN(bitrate) || bitrate < MinBitrateKbps {
		return MinBitrateKbps
	}
	if bitrate > MaxBitrateKbps {
		return MaxBitrateKbps
	}
	return int(bitrate)
}

// TargetBufferMs returns latency + 3*jitter + 100. It is not clamped.
func TargetBufferMs(latencyMs, jitterMs float64) float64 {
	return latencyMs + 3*jitterMs + 100
}
