// Package scheduler turns media buffers into prioritized packets and
// orders chunks so that no chunk is delivered before its dependencies.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateChunk    = errors.New("chunk already inserted")
	ErrUnknownDependency = errors.New("dependency references an unknown chunk")
)

// Chunk is a schedulable media unit. A chunk is a leaf iff it has no
// dependencies.
type Chunk struct {
	ID           uint32   `json:"id"`
	Timestamp    uint64   `json:"timestamp"`
	Size         uint32   `json:"size"`
	Dependencies []uint32 `json:"dependencies,omitempty"`
	IsLeaf       bool     `json:"isLeaf"`
}

// Graph is a DAG of chunks. Dependencies may only reference chunks that
// were inserted earlier, so the graph can never contain a cycle.
type Graph struct {
	mu     sync.RWMutex
	chunks []Chunk
	index  map[uint32]int // chunk id -> position in chunks
}

// NewGraph creates an empty chunk graph
func NewGraph() *Graph {
	return &Graph{index: make(map[uint32]int)}
}

// InsertChunk appends a chunk. Every dependency must already be present.
func (g *Graph) InsertChunk(id uint32, timestamp uint64, size uint32, dependencies []uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.index[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateChunk, id)
	}
	for _, dep := range dependencies {
		if _, ok := g.index[dep]; !ok {
			return fmt.Errorf("%w: chunk %d depends on %d", ErrUnknownDependency, id, dep)
		}
	}

	deps := append([]uint32(nil), dependencies...)
	g.index[id] = len(g.chunks)
	g.chunks = append(g.chunks, Chunk{
		ID:           id,
		Timestamp:    timestamp,
		Size:         size,
		Dependencies: deps,
		IsLeaf:       len(deps) == 0,
	})
	return nil
}

// DeliveryOrder returns every chunk id exactly once, each after all of its
// dependencies. It is a post-order depth-first walk from a virtual root
// whose children are all chunks in insertion order.
func (g *Graph) DeliveryOrder() []uint32 {
	return g.walk(func(Chunk) bool { return true })
}

// Leaves returns only the leaf chunks, in delivery order
func (g *Graph) Leaves() []uint32 {
	return g.walk(func(c Chunk) bool { return c.IsLeaf })
}

func (g *Graph) walk(emit func(Chunk) bool) []uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order := make([]uint32, 0, len(g.chunks))
	visited := make([]bool, len(g.chunks))

	var visit func(pos int)
	visit = func(pos int) {
		if visited[pos] {
			return
		}
		visited[pos] = true

		c := g.chunks[pos]
		for _, dep := range c.Dependencies {
			visit(g.index[dep])
		}
		if emit(c) {
			order = append(order, c.ID)
		}
	}

	for pos := range g.chunks {
		visit(pos)
	}
	return order
}

// Chunk returns the chunk with the given id
func (g *Graph) Chunk(id uint32) (Chunk, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pos, ok := g.index[id]
	if !ok {
		return Chunk{}, false
	}
	c := g.chunks[pos]
	c.Dependencies = append([]uint32(nil), c.Dependencies...)
	return c, true
}

// Len returns the number of chunks in the graph
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.chunks)
}

// Reset removes every chunk
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chunks = nil
	g.index = make(map[uint32]int)
}
