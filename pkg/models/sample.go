package models

import "time"

// NetworkSample is one observation of network conditions.
// Samples are values; once recorded they are never modified.
type NetworkSample struct {
	Bandwidth  float64   `json:"bandwidth"`  // Mbps
	Latency    float64   `json:"latency"`    // ms
	PacketLoss float64   `json:"packetLoss"` // percent
	Jitter     float64   `json:"jitter"`     // ms
	Timestamp  time.Time `json:"timestamp"`
}

// NetworkState is a consistent snapshot of an estimator's smoothed values
type NetworkState struct {
	SmoothedBandwidth  float64 `json:"smoothedBandwidth"`
	SmoothedLatency    float64 `json:"smoothedLatency"`
	SmoothedJitter     float64 `json:"smoothedJitter"`
	SmoothedPacketLoss float64 `json:"smoothedPacketLoss"`
	Samples            uint64  `json:"samples"` // total samples applied
}

// NetworkStatus is the adaptive view of the network exposed to operators
type NetworkStatus struct {
	NetworkState
	OptimalBitrateKbps int            `json:"optimalBitrateKbps"`
	TargetBufferMs     int64          `json:"targetBufferMs"`
	Encoding           EncodingParams `json:"encoding"`
}
