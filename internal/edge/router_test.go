package edge

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgestream/pkg/models"
)

func threeNodeRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(WithSeed(42))
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "node1", Address: "10.1.0.1:9000", Latency: 10, Capacity: 100}))
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "node2", Address: "10.1.0.2:9000", Latency: 5, Capacity: 50}))
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "node3", Address: "10.1.0.3:9000", Latency: 50, Capacity: 10}))
	return r
}

func TestRouteStream_WeightedByScore(t *testing.T) {
	// GIVEN three nodes, one without enough spare capacity
	r := threeNodeRouter(t)

	// WHEN 10,000 clients ask for 20 Mbps
	counts := map[string]int{}
	const trials = 10000
	for i := 0; i < trials; i++ {
		n, err := r.RouteStream("203.0.113.7", 20, nil)
		require.NoError(t, err)
		counts[n.ID]++
	}

	// THEN node3 never qualifies and the others are drawn in proportion to score
	assert.Zero(t, counts["node3"])
	s1 := Score(models.EdgeNode{Latency: 10, Capacity: 100})
	s2 := Score(models.EdgeNode{Latency: 5, Capacity: 50})
	assert.InDelta(t, s1/(s1+s2), float64(counts["node1"])/trials, 0.03)
	assert.InDelta(t, s2/(s1+s2), float64(counts["node2"])/trials, 0.03)
	assert.Greater(t, counts["node2"], trials/3, "selection must spread load, not pick the best node greedily")
}

func TestRouteStream_NoNodeAvailable(t *testing.T) {
	r := threeNodeRouter(t)

	_, err := r.RouteStream("203.0.113.7", 100, nil)
	assert.ErrorIs(t, err, ErrNoNodeAvailable)

	_, err = NewRouter().RouteStream("203.0.113.7", 1, nil)
	assert.ErrorIs(t, err, ErrNoNodeAvailable)
}

func TestRouteStream_CodecFilter(t *testing.T) {
	r := NewRouter(WithSeed(1))
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "h264-only", Capacity: 100, SupportedCodecs: []string{"h264", "aac"}}))
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "av1", Capacity: 100, SupportedCodecs: []string{"h264", "av1", "opus"}}))

	for i := 0; i < 50; i++ {
		n, err := r.RouteStream("203.0.113.7", 10, []string{"av1", "opus"})
		require.NoError(t, err)
		assert.Equal(t, "av1", n.ID)
	}

	_, err := r.RouteStream("203.0.113.7", 10, []string{"vp9"})
	assert.ErrorIs(t, err, ErrNoNodeAvailable)
}

func TestRouteStream_RegionAffinity(t *testing.T) {
	r := NewRouter(WithSeed(7))
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "far", Region: "eu-west", Capacity: 1000}))
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "near", Region: LocalRegion, Capacity: 50}))

	for i := 0; i < 50; i++ {
		n, err := r.RouteStream("192.168.1.20", 10, nil)
		require.NoError(t, err)
		assert.Equal(t, "near", n.ID)
	}

	// affinity never overrides the capacity requirement
	n, err := r.RouteStream("192.168.1.20", 100, nil)
	require.NoError(t, err)
	assert.Equal(t, "far", n.ID)
}

func TestRouteStream_SeededIsDeterministic(t *testing.T) {
	pick := func() []string {
		r := threeNodeRouter(t)
		var ids []string
		for i := 0; i < 20; i++ {
			n, err := r.RouteStream("203.0.113.7", 20, nil)
			require.NoError(t, err)
			ids = append(ids, n.ID)
		}
		return ids
	}
	assert.Equal(t, pick(), pick())
}

func TestRegistry(t *testing.T) {
	r := threeNodeRouter(t)

	err := r.AddNode(models.EdgeNode{ID: "node1", Capacity: 1})
	assert.ErrorIs(t, err, ErrNodeExists)
	assert.ErrorIs(t, r.AddNode(models.EdgeNode{}), ErrInvalidNode)

	require.NoError(t, r.UpdateNodeMetrics("node1", 95, 3))
	n, ok := r.Node("node1")
	require.True(t, ok)
	assert.Equal(t, 95.0, n.CurrentLoad)
	assert.Equal(t, 3.0, n.Latency)

	assert.ErrorIs(t, r.UpdateNodeMetrics("missing", 1, 1), ErrNodeNotFound)
	assert.ErrorIs(t, r.UpdateNodeMetrics("node1", -1, 1), ErrInvalidNode)

	require.NoError(t, r.RemoveNode("node3"))
	assert.ErrorIs(t, r.RemoveNode("node3"), ErrNodeNotFound)

	nodes := r.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "node1", nodes[0].ID)
	assert.Equal(t, "node2", nodes[1].ID)
	assert.Equal(t, 2, r.Len())

	// node1 now has 5 Mbps spare: only node2 qualifies
	for i := 0; i < 20; i++ {
		got, err := r.RouteStream("203.0.113.7", 20, nil)
		require.NoError(t, err)
		assert.Equal(t, "node2", got.ID)
	}
}

func TestNodesReturnsCopies(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "a", Capacity: 10, SupportedCodecs: []string{"h264"}}))

	nodes := r.Nodes()
	nodes[0].SupportedCodecs[0] = "mutated"
	nodes[0].CurrentLoad = 99

	n, _ := r.Node("a")
	assert.Equal(t, []string{"h264"}, n.SupportedCodecs)
	assert.Zero(t, n.CurrentLoad)
}

type fakeProber map[string]ProbeResult

func (f fakeProber) Probe(_ context.Context, id, _ string) (ProbeResult, error) {
	res, ok := f[id]
	if !ok {
		return ProbeResult{}, errors.New("unreachable " + id)
	}
	return res, nil
}

func TestRefresh(t *testing.T) {
	r := threeNodeRouter(t)
	require.NoError(t, r.UpdateNodeMetrics("node2", 10, 5))

	err := r.Refresh(context.Background(), fakeProber{
		"node1": {Latency: 2},
		"node2": {Latency: 4, Load: 30, HasLoad: true},
	})

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 1)

	n1, _ := r.Node("node1")
	assert.Equal(t, 2.0, n1.Latency)
	assert.Zero(t, n1.CurrentLoad)

	n2, _ := r.Node("node2")
	assert.Equal(t, 4.0, n2.Latency)
	assert.Equal(t, 30.0, n2.CurrentLoad)

	n3, _ := r.Node("node3")
	assert.Equal(t, 50.0, n3.Latency)
}

// updatingProber changes a node's load while its probe is in flight
type updatingProber struct {
	r *Router
}

func (p updatingProber) Probe(_ context.Context, id, _ string) (ProbeResult, error) {
	if err := p.r.UpdateNodeMetrics(id, 90, 7); err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{Latency: 3}, nil
}

func TestRefreshKeepsConcurrentLoadUpdate(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.AddNode(models.EdgeNode{ID: "n1", Capacity: 100}))

	require.NoError(t, r.Refresh(context.Background(), updatingProber{r: r}))

	n, ok := r.Node("n1")
	require.True(t, ok)
	assert.Equal(t, 90.0, n.CurrentLoad)
	assert.Equal(t, 3.0, n.Latency)
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	res, err := DialProber{}.Probe(context.Background(), "local", ln.Addr().String())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Latency, 0.0)
	assert.False(t, res.HasLoad)

	addr := ln.Addr().String()
	ln.Close()
	_, err = DialProber{}.Probe(context.Background(), "closed", addr)
	assert.Error(t, err)
}

func TestPrefixGeolocator(t *testing.T) {
	g := NewPrefixGeolocator(DefaultRegion)
	require.NoError(t, g.Add("203.0.113.0/24", "ap-south"))
	require.NoError(t, g.Add("203.0.113.128/25", "ap-south-2"))
	assert.Error(t, g.Add("not-a-cidr", "x"))

	tests := map[string]string{
		"192.168.1.1":       LocalRegion,
		"10.0.0.8:5000":     LocalRegion,
		"127.0.0.1":         LocalRegion,
		"203.0.113.5":       "ap-south",
		"203.0.113.200:443": "ap-south-2",
		"198.51.100.1":      DefaultRegion,
		"[::1]:80":          LocalRegion,
		"garbage":           DefaultRegion,
	}
	for ip, want := range tests {
		assert.Equal(t, want, g.Region(ip), ip)
	}
}
