package models

// NodeMetricsRequest is the body of a node metrics update
type NodeMetricsRequest struct {
	Load    float64 `json:"load" binding:"min=0"`
	Latency float64 `json:"latency" binding:"min=0"`
}

// RouteRequest asks for an edge node. An empty ClientIP uses the caller's address.
type RouteRequest struct {
	ClientIP          string   `json:"clientIp"`
	RequiredBandwidth float64  `json:"requiredBandwidth" binding:"min=0"`
	RequiredCodecs    []string `json:"requiredCodecs"`
}

// RouteResponse is the chosen node
type RouteResponse struct {
	Node     EdgeNode `json:"node"`
	ClientIP string   `json:"clientIp"`
}

// NodeListResponse lists the edge node registry
type NodeListResponse struct {
	Nodes []EdgeNode `json:"nodes"`
	Total int        `json:"total"`
}

// ConnectionListResponse lists the connection table
type ConnectionListResponse struct {
	Connections []ConnectionInfo `json:"connections"`
	Total       int              `json:"total"`
}

// ArchivedPacket describes one packet of an archived batch
type ArchivedPacket struct {
	Packet
	PayloadSize int `json:"payloadSize"`
}

// ArchiveBatchResponse is one decoded archived batch
type ArchiveBatchResponse struct {
	StreamID uint32           `json:"streamId"`
	Name     string           `json:"name"`
	Packets  []ArchivedPacket `json:"packets"`
}
