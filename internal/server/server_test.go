package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"edgestream/config"
	"edgestream/internal/conn"
	"edgestream/internal/edge"
	"edgestream/internal/netestimator"
	"edgestream/internal/storage"
	"edgestream/pkg/models"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.IngestAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.RTMPAddr = ""
	cfg.Workers = 2
	cfg.PollInterval = 20 * time.Millisecond
	cfg.StorageType = config.StorageNone
	cfg.TLSCertFile = ""
	cfg.TLSKeyFile = ""
	cfg.EdgeNodesFile = ""
	cfg.RouterSeed = 7
	return cfg
}

type fakeProber map[string]float64

func (p fakeProber) Probe(_ context.Context, id, _ string) (edge.ProbeResult, error) {
	return edge.ProbeResult{Latency: p[id]}, nil
}

func TestAddMetricsSampleAdjustsBuffer(t *testing.T) {
	s, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, int64(3000), s.NetworkStatus().TargetBufferMs)

	require.NoError(t, s.AddMetricsSample(models.NetworkSample{Bandwidth: 10, Latency: 20}))
	status := s.NetworkStatus()
	assert.InDelta(t, 2.0, status.SmoothedBandwidth, 1e-9)
	assert.InDelta(t, 4.0, status.SmoothedLatency, 1e-9)
	assert.Equal(t, int64(104), status.TargetBufferMs)

	err = s.AddMetricsSample(models.NetworkSample{Bandwidth: -1})
	assert.ErrorIs(t, err, netestimator.ErrInvalidSample)
	assert.Equal(t, uint64(1), s.NetworkStatus().Samples)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageType = "tape"
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTLSFailurePolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLSCertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.TLSKeyFile = filepath.Join(t.TempDir(), "missing.key")

	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, conn.ErrTLSConfig)

	cfg.AllowInsecure = true
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.tlsConfig)
}

func TestNodesFromFileAndRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - id: a
    address: 10.0.0.1:443
    capacity: 100
    latency: 10
  - id: b
    address: 10.0.0.2:443
    capacity: 100
    latency: 10
`), 0644))

	cfg := testConfig(t)
	cfg.EdgeNodesFile = path
	s, err := New(context.Background(), cfg, WithProber(fakeProber{"a": 1, "b": 2}))
	require.NoError(t, err)
	defer s.Close()

	require.Len(t, s.Nodes(), 2)
	require.NoError(t, s.refreshNodes(context.Background()))

	nodes := s.Nodes()
	assert.Equal(t, 1.0, nodes[0].Latency)
	assert.Equal(t, 2.0, nodes[1].Latency)

	node, err := s.RouteStream("203.0.113.1", 10, nil)
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, node.ID)
}

func TestRunIngestsAndArchives(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageType = config.StorageLocal
	cfg.StorageDir = t.TempDir()
	cfg.ArchiveFlushInterval = time.Hour

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	require.NotNil(t, s.HTTPAddr())

	c, err := net.Dial("tcp", s.IngestAddr().String())
	require.NoError(t, err)
	_, err = c.Write([]byte{0, 0, 0, 1, 0x65, 0x88, 0x84})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.EngineStats().VideoFramesOut >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, s.Connections(), 1)
	c.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}

	names, enabled, err := s.ArchivedBatches(context.Background(), cfg.StreamID)
	require.NoError(t, err)
	require.True(t, enabled)
	require.NotEmpty(t, names)

	packets, _, err := s.ArchivedBatch(context.Background(), cfg.StreamID, names[0])
	require.NoError(t, err)
	require.NotEmpty(t, packets)
	assert.Equal(t, cfg.StreamID, packets[0].StreamID)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)
	assert.ErrorIs(t, s.Run(context.Background()), ErrClosed)
}

func TestArchiveDisabled(t *testing.T) {
	s, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	_, enabled, err := s.ArchivedBatches(context.Background(), 1)
	assert.NoError(t, err)
	assert.False(t, enabled)
	assert.NoError(t, s.FlushArchive(context.Background()))
}

type closeRecordingStorage struct {
	storage.Storage
	closed atomic.Bool
}

func (s *closeRecordingStorage) Close() error {
	s.closed.Store(true)
	return nil
}

func TestFailedNewClosesStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.EdgeNodesFile = filepath.Join(t.TempDir(), "missing.yaml")

	store := &closeRecordingStorage{}
	_, err := New(context.Background(), cfg, WithStorage(store))
	require.Error(t, err)
	assert.True(t, store.closed.Load())
}

func TestControlCommandsOnIngest(t *testing.T) {
	s, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-s.Ready()

	subscriber, err := net.Dial("tcp", s.IngestAddr().String())
	require.NoError(t, err)
	defer subscriber.Close()
	_, err = subscriber.Write([]byte("SUBSCRIBE 1\nMETRICS 20 10\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Subscribers() == 1 && s.NetworkStatus().Samples == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 4.0, s.NetworkStatus().SmoothedLatency, 1e-9)
	assert.Zero(t, s.EngineStats().VideoFramesOut)

	publisher, err := net.Dial("tcp", s.IngestAddr().String())
	require.NoError(t, err)
	_, err = publisher.Write([]byte{0, 0, 0, 1, 0x65, 0x88, 0x84})
	require.NoError(t, err)

	require.NoError(t, subscriber.SetReadDeadline(time.Now().Add(5*time.Second)))
	p, err := models.ReadPacket(subscriber)
	require.NoError(t, err)
	assert.Equal(t, s.cfg.StreamID, p.StreamID)

	publisher.Close()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	require.NoError(t, s.Close())
	assert.Zero(t, s.Subscribers())
}

func TestSubscribeUnknownStream(t *testing.T) {
	s, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	server, client := net.Pipe()
	defer client.Close()
	c := conn.NewTable().Register(server, "")

	err = s.HandleCommand(c, conn.Command{Kind: conn.CommandSubscribe, StreamID: 99})
	assert.ErrorIs(t, err, ErrUnknownStream)
	assert.Zero(t, s.Subscribers())

	require.NoError(t, s.HandleCommand(c, conn.Command{Kind: conn.CommandSubscribe, StreamID: s.cfg.StreamID}))
	assert.Equal(t, 1, s.Subscribers())
	s.Release(c)
	assert.Zero(t, s.Subscribers())
}
