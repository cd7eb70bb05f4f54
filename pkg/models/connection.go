package models

import "time"

// ConnectionInfo is a snapshot of one tracked connection
type ConnectionInfo struct {
	Descriptor   uint64    `json:"descriptor"`
	ClientID     string    `json:"clientId"`
	RemoteAddr   string    `json:"remoteAddr"`
	Transport    string    `json:"transport"` // "tcp", "tls" or "rtmp"
	Active       bool      `json:"active"`
	LastActivity time.Time `json:"lastActivity"`
	BytesRead    uint64    `json:"bytesRead"`
}
