package netestimator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgestream/pkg/models"
)

func sample(bw, lat float64) models.NetworkSample {
	return models.NetworkSample{Bandwidth: bw, Latency: lat, Timestamp: time.Unix(0, 0)}
}

func TestEstimator_SmoothingFromZero(t *testing.T) {
	e := New(8)

	require.NoError(t, e.AddSample(sample(10, 20)))
	assert.InDelta(t, 2.0, e.SmoothedBandwidth(), 1e-9)
	assert.InDelta(t, 4.0, e.SmoothedLatency(), 1e-9)

	require.NoError(t, e.AddSample(sample(10, 20)))
	assert.InDelta(t, 3.6, e.SmoothedBandwidth(), 1e-9)
	assert.InDelta(t, 7.2, e.SmoothedLatency(), 1e-9)
}

func TestEstimator_JitterAndLossSmoothed(t *testing.T) {
	e := New(8)
	require.NoError(t, e.AddSample(models.NetworkSample{Jitter: 5, PacketLoss: 10}))

	state := e.State()
	assert.InDelta(t, 1.0, state.SmoothedJitter, 1e-9)
	assert.InDelta(t, 2.0, state.SmoothedPacketLoss, 1e-9)
	assert.Equal(t, uint64(1), state.Samples)
}

func TestEstimator_RejectsInvalidSample(t *testing.T) {
	e := New(8)
	require.NoError(t, e.AddSample(sample(10, 20)))

	err := e.AddSample(sample(-1, 20))
	assert.ErrorIs(t, err, ErrInvalidSample)
	assert.InDelta(t, 2.0, e.SmoothedBandwidth(), 1e-9, "rejected sample must not change state")
	assert.Len(t, e.Samples(), 1)
}

func TestEstimator_WindowBounded(t *testing.T) {
	e := New(3)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.AddSample(sample(float64(i), 0)))
	}
	got := e.Samples()
	require.Len(t, got, 3)
	assert.Equal(t, 7.0, got[0].Bandwidth)
	assert.Equal(t, 9.0, got[2].Bandwidth)
}

func TestOptimalBitrate_Clamped(t *testing.T) {
	assert.Equal(t, MinBitrateKbps, OptimalBitrateKbps(0, 0))
	assert.Equal(t, MaxBitrateKbps, OptimalBitrateKbps(1e9, 0))
	assert.Equal(t, MaxBitrateKbps, OptimalBitrateKbps(1e9, 1e9))

	// 10 Mbps, 10 ms: safety 0.9 -> 10*1000*0.9*0.8
	assert.Equal(t, 7200, OptimalBitrateKbps(10, 10))
	// high latency floors the safety factor at 0.7
	assert.Equal(t, 5600, OptimalBitrateKbps(10, 500))
}

func TestEstimator_OptimalBitrateFromState(t *testing.T) {
	e := New(0)
	assert.Equal(t, MinBitrateKbps, e.OptimalBitrateKbps())

	require.NoError(t, e.AddSample(sample(1e9, 0)))
	assert.Equal(t, MaxBitrateKbps, e.OptimalBitrateKbps())
}

func TestTargetBufferMs(t *testing.T) {
	assert.Equal(t, 100.0, TargetBufferMs(0, 0))
	assert.Equal(t, 80.0+3*15+100, TargetBufferMs(80, 15))
}

func TestEstimator_DeterministicAcrossRuns(t *testing.T) {
	seq := []models.NetworkSample{sample(5, 40), sample(12, 18), sample(0.5, 250), sample(30, 2)}

	run := func() models.NetworkState {
		e := New(4)
		for _, s := range seq {
			require.NoError(t, e.AddSample(s))
		}
		return e.State()
	}
	assert.Equal(t, run(), run())
}

func TestEstimator_ConcurrentSamplesAllApplied(t *testing.T) {
	e := New(16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = e.AddSample(sample(10, 10))
			}
		}()
	}
	wg.Wait()

	// every update is atomic, so identical inputs converge on the input
	assert.Equal(t, uint64(1600), e.State().Samples)
	assert.InDelta(t, 10.0, e.SmoothedBandwidth(), 1e-6)
	assert.Len(t, e.Samples(), 16)
}
