package models

// EdgeNode is a point-in-time view of a delivery node.
// The router owns the live node; callers only ever see copies.
type EdgeNode struct {
	ID              string   `json:"id" yaml:"id"`
	Address         string   `json:"address" yaml:"address"`
	Region          string   `json:"region,omitempty" yaml:"region"`
	Latency         float64  `json:"latency" yaml:"latency"`   // ms
	Capacity        float64  `json:"capacity" yaml:"capacity"` // Mbps
	CurrentLoad     float64  `json:"currentLoad" yaml:"currentLoad"`
	SupportedCodecs []string `json:"supportedCodecs,omitempty" yaml:"codecs"`
}

// SpareCapacity returns capacity not currently in use
func (n EdgeNode) SpareCapacity() float64 {
	return n.Capacity - n.CurrentLoad
}

// SupportsAll reports whether the node supports every codec in codecs
func (n EdgeNode) SupportsAll(codecs []string) bool {
	for _, want := range codecs {
		found := false
		for _, have := range n.SupportedCodecs {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
