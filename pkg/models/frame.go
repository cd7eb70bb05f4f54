package models

// FrameKind distinguishes the two media pipelines
type FrameKind string

const (
	FrameKindVideo FrameKind = "video"
	FrameKindAudio FrameKind = "audio"
)

// FrameInfo is the read-only result of inspecting an ingested video frame
type FrameInfo struct {
	Format     string // "flv", "avcc", "annexb" or "raw"
	IsKeyFrame bool   // IDR / FLV key frame
	IsConfig   bool   // AVC sequence header (SPS/PPS only)
	NALType    uint8  // first NAL unit type, 0 if unknown
	Size       int    // payload size in bytes
}

// EncodingParams are the encoder settings chosen by the adaptive stage
type EncodingParams struct {
	TargetBitrateKbps int `json:"targetBitrateKbps"` // raw estimator output
	LadderBitrateKbps int `json:"ladderBitrateKbps"` // highest ladder rung not above the target
}
