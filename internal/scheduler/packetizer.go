package scheduler

import (
	"math"
	"time"

	"edgestream/pkg/models"
)

const (
	MinChunkSize = 1024
	MaxChunkSize = 65536

	minChunkDurationMs = 100.0
	maxChunkDurationMs = 2000.0
)

// Conditions supplies the smoothed network state used to size chunks
type Conditions interface {
	SmoothedBandwidth() float64 // Mbps
	SmoothedLatency() float64   // ms
}

// Packetizer slices media buffers into packets sized for current network
// conditions.
type Packetizer struct {
	conditions Conditions
	now        func() time.Time
}

// NewPacketizer creates a packetizer reading conditions on every call
func NewPacketizer(conditions Conditions) *Packetizer {
	return &Packetizer{conditions: conditions, now: time.Now}
}

// ChunkSize returns the slice size for the current conditions.
// Larger latency means longer chunks (fewer round trips), up to a ceiling.
func (p *Packetizer) ChunkSize() int {
	return ChunkSizeBytes(p.conditions.SmoothedBandwidth(), p.conditions.SmoothedLatency())
}

// ChunkSizeBytes computes clamp(bw*1000*d/8000, 1024, 65536) where
// d = clamp(2*latency, 100, 2000) ms.
func ChunkSizeBytes(bandwidthMbps, latencyMs float64) int {
	durationMs := math.Max(minChunkDurationMs, math.Min(maxChunkDurationMs, 2*latencyMs))
	size := bandwidthMbps * 1000 * durationMs / 8000
	if math.IsNaN(size) || size < MinChunkSize {
		return MinChunkSize
	}
	if size > MaxChunkSize {
		return MaxChunkSize
	}
	return int(size)
}

// ChunkPriority returns the tier for the chunk at index:
// every 100th is a key chunk, every other 10th is predictive.
func ChunkPriority(index int) uint8 {
	switch {
	case index%100 == 0:
		return models.PriorityKey
	case index%10 == 0:
		return models.PriorityPredictive
	default:
		return models.PriorityBidirectional
	}
}

// Packetize slices media into consecutive packets. Sequence numbers and
// chunk ids start at 0 for every call. Payloads alias media.
func (p *Packetizer) Packetize(media []byte, streamID uint32) []models.Packet {
	return p.packetize(media, streamID, p.ChunkSize())
}

func (p *Packetizer) packetize(media []byte, streamID uint32, chunkSize int) []models.Packet {
	if len(media) == 0 {
		return nil
	}
	ts := uint64(p.now().UnixMicro())
	packets := make([]models.Packet, 0, (len(media)+chunkSize-1)/chunkSize)

	for offset := 0; offset < len(media); offset += chunkSize {
		end := min(offset+chunkSize, len(media))
		index := len(packets)
		packets = append(packets, models.Packet{
			StreamID:       streamID,
			ChunkID:        uint32(index),
			SequenceNumber: uint32(index),
			Timestamp:      ts,
			Priority:       ChunkPriority(index),
			Payload:        media[offset:end:end],
		})
	}
	return packets
}
