package edge

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentProbes bounds parallel probes during Refresh
const maxConcurrentProbes = 8

// ProbeResult is one measurement of a node
type ProbeResult struct {
	Latency float64 // ms
	Load    float64
	HasLoad bool // Load is only applied when set
}

// Prober measures a node
type Prober interface {
	Probe(ctx context.Context, id, address string) (ProbeResult, error)
}

// DialProber measures TCP connect time to the node address
type DialProber struct {
	Timeout time.Duration
}

// Probe implements Prober
func (p DialProber) Probe(ctx context.Context, id, address string) (ProbeResult, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", id, err)
	}
	elapsed := time.Since(start)
	conn.Close()

	return ProbeResult{Latency: float64(elapsed.Microseconds()) / 1000}, nil
}

// Refresh probes every node and applies the results. Nodes that fail to
// probe keep their previous metrics; the failures are returned together.
func (r *Router) Refresh(ctx context.Context, prober Prober) error {
	nodes := r.Nodes()

	results := make([]ProbeResult, len(nodes))
	errs := make([]error, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, n := range nodes {
		g.Go(func() error {
			results[i], errs[i] = prober.Probe(gctx, n.ID, n.Address)
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	updated := 0
	for i, n := range nodes {
		if errs[i] != nil {
			result = multierror.Append(result, errs[i])
			continue
		}
		var err error
		if results[i].HasLoad {
			err = r.UpdateNodeMetrics(n.ID, results[i].Load, results[i].Latency)
		} else {
			// load may have been updated while probing; keep it
			err = r.updateLatency(n.ID, results[i].Latency)
		}
		if err != nil {
			// removed while probing
			continue
		}
		updated++
	}

	r.log.WithField("updated", updated).WithField("nodes", len(nodes)).Debug("Edge nodes refreshed")
	return result.ErrorOrNil()
}
