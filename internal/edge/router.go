// Package edge keeps the registry of delivery nodes and places clients on them.
package edge

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"edgestream/internal/metrics"
	"edgestream/pkg/models"
)

var (
	ErrNoNodeAvailable = errors.New("no node available")
	ErrNodeNotFound    = errors.New("node not found")
	ErrNodeExists      = errors.New("node already exists")
	ErrInvalidNode     = errors.New("invalid node")
)

type node struct {
	id       string
	address  string
	region   string
	capacity float64
	codecs   []string

	load    *atomic.Float64
	latency *atomic.Float64
}

func (n *node) snapshot() models.EdgeNode {
	return models.EdgeNode{
		ID:              n.id,
		Address:         n.address,
		Region:          n.region,
		Latency:         n.latency.Load(),
		Capacity:        n.capacity,
		CurrentLoad:     n.load.Load(),
		SupportedCodecs: append([]string(nil), n.codecs...),
	}
}

// Router is the edge node registry
type Router struct {
	mu    sync.RWMutex
	nodes map[string]*node

	geo Geolocator

	rngMu sync.Mutex
	rng   *rand.Rand

	metrics *metrics.Metrics
	log     *logrus.Entry
}

// Option configures a Router
type Option func(*Router)

// WithGeolocator sets the client region resolver
func WithGeolocator(g Geolocator) Option {
	return func(r *Router) {
		r.geo = g
	}
}

// WithSeed makes node selection reproducible
func WithSeed(seed int64) Option {
	return func(r *Router) {
		r.rng = rand.New(rand.NewSource(seed))
	}
}

// WithMetrics records routing decisions
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter creates an empty registry
func NewRouter(opts ...Option) *Router {
	r := &Router{
		nodes: make(map[string]*node),
		geo:   NewPrefixGeolocator(DefaultRegion),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		log:   logrus.WithField("component", "edge"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddNode registers n. Load starts at n.CurrentLoad.
func (r *Router) AddNode(n models.EdgeNode) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	if n.Capacity < 0 || n.Latency < 0 {
		return fmt.Errorf("%w: negative capacity or latency", ErrInvalidNode)
	}

	r.mu.Lock()
	if _, exists := r.nodes[n.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
	}
	r.nodes[n.ID] = &node{
		id:       n.ID,
		address:  n.Address,
		region:   n.Region,
		capacity: n.Capacity,
		codecs:   append([]string(nil), n.SupportedCodecs...),
		load:     atomic.NewFloat64(n.CurrentLoad),
		latency:  atomic.NewFloat64(n.Latency),
	}
	count := len(r.nodes)
	r.mu.Unlock()

	r.metrics.SetEdgeNodes(count)
	r.log.WithFields(logrus.Fields{
		"node":     n.ID,
		"address":  n.Address,
		"region":   n.Region,
		"capacity": n.Capacity,
	}).Info("Edge node added")
	return nil
}

// UpdateNodeMetrics sets the current load and latency of a node
func (r *Router) UpdateNodeMetrics(id string, load, latency float64) error {
	if load < 0 || latency < 0 {
		return fmt.Errorf("%w: negative load or latency", ErrInvalidNode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.load.Store(load)
	n.latency.Store(latency)
	return nil
}

// updateLatency sets only the latency of a node
func (r *Router) updateLatency(id string, latency float64) error {
	if latency < 0 {
		return fmt.Errorf("%w: negative latency", ErrInvalidNode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.latency.Store(latency)
	return nil
}

// RemoveNode deletes a node from the registry
func (r *Router) RemoveNode(id string) error {
	r.mu.Lock()
	if _, ok := r.nodes[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	delete(r.nodes, id)
	count := len(r.nodes)
	r.mu.Unlock()

	r.metrics.SetEdgeNodes(count)
	r.log.WithField("node", id).Info("Edge node removed")
	return nil
}

// Node returns a copy of one node
func (r *Router) Node(id string) (models.EdgeNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return models.EdgeNode{}, false
	}
	return n.snapshot(), true
}

// Nodes returns copies of all nodes sorted by id
func (r *Router) Nodes() []models.EdgeNode {
	r.mu.RLock()
	nodes := make([]models.EdgeNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Len returns the number of registered nodes
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Score is (1 / (latency + 1)) * spare capacity
func Score(n models.EdgeNode) float64 {
	return (1 / (n.Latency + 1)) * n.SpareCapacity()
}

// Candidates returns the nodes that qualify for a request, sorted by id.
// When any qualifying node is in region only those are returned.
func (r *Router) Candidates(region string, requiredBandwidth float64, requiredCodecs []string) []models.EdgeNode {
	r.mu.RLock()
	var all, local []models.EdgeNode
	for _, n := range r.nodes {
		snap := n.snapshot()
		if snap.SpareCapacity() <= requiredBandwidth || !snap.SupportsAll(requiredCodecs) {
			continue
		}
		all = append(all, snap)
		if region != "" && snap.Region == region {
			local = append(local, snap)
		}
	}
	r.mu.RUnlock()

	if len(local) > 0 {
		all = local
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// RouteStream picks a node for a client by a score-weighted random draw
// over the qualifying nodes. It returns ErrNoNodeAvailable when none qualify.
func (r *Router) RouteStream(clientIP string, requiredBandwidth float64, requiredCodecs []string) (models.EdgeNode, error) {
	region := r.geo.Region(clientIP)
	candidates := r.Candidates(region, requiredBandwidth, requiredCodecs)

	scores := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		scores[i] = Score(c)
		total += scores[i]
	}
	if len(candidates) == 0 || total <= 0 {
		r.metrics.RecordRoute("")
		r.log.WithFields(logrus.Fields{
			"client":    clientIP,
			"region":    region,
			"bandwidth": requiredBandwidth,
			"codecs":    requiredCodecs,
		}).Debug("No edge node available")
		return models.EdgeNode{}, ErrNoNodeAvailable
	}

	r.rngMu.Lock()
	pick := r.rng.Float64() * total
	r.rngMu.Unlock()

	chosen := candidates[len(candidates)-1]
	cumulative := 0.0
	for i, s := range scores {
		cumulative += s
		if pick < cumulative {
			chosen = candidates[i]
			break
		}
	}

	r.metrics.RecordRoute(chosen.ID)
	return chosen, nil
}
