// Package server composes the streaming core into one runnable instance:
// estimator, worker pool, media engine, archive, edge router, ingest
// listeners and the control-plane API.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"edgestream/config"
	"edgestream/httpServer"
	"edgestream/internal/archive"
	"edgestream/internal/conn"
	"edgestream/internal/delivery"
	"edgestream/internal/edge"
	"edgestream/internal/engine"
	"edgestream/internal/fec"
	"edgestream/internal/metrics"
	"edgestream/internal/netestimator"
	"edgestream/internal/rtmp"
	"edgestream/internal/storage"
	"edgestream/internal/workerpool"
	"edgestream/pkg/models"
)

var (
	ErrClosed        = errors.New("server closed")
	ErrUnknownStream = errors.New("unknown stream")
)

const httpShutdownTimeout = 5 * time.Second

// Server is one running instance of the streaming core
type Server struct {
	cfg *config.Config

	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	estimator *netestimator.Estimator
	pool      *workerpool.Pool
	engine    *engine.Engine
	archive   *archive.Archive // nil without storage
	hub       *delivery.Hub
	router    *edge.Router
	table     *conn.Table
	manager   *conn.Manager
	rtmp      *rtmp.Server // nil when disabled
	api       *httpServer.Server
	tlsConfig *tls.Config
	prober    edge.Prober

	mu         sync.Mutex
	ingestAddr net.Addr
	httpAddr   net.Addr
	rtmpAddr   net.Addr
	ready      chan struct{}

	running *atomic.Bool
	closed  *atomic.Bool
	log     *logrus.Entry
}

// Option configures a Server
type Option func(*Server)

// WithProber replaces the TCP dial prober used by maintenance
func WithProber(p edge.Prober) Option {
	return func(s *Server) {
		s.prober = p
	}
}

// WithStorage sets the archive backend, overriding STORAGE_TYPE
func WithStorage(store storage.Storage) Option {
	return func(s *Server) {
		s.archive = archive.New(store,
			archive.WithMaxBatches(s.cfg.ArchiveMaxBatches),
			archive.WithFlushInterval(s.cfg.ArchiveFlushInterval),
			archive.WithMetrics(s.metrics),
		)
	}
}

// New builds every component from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logrus.WithField("component", "server")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	s := &Server{
		cfg:       cfg,
		registry:  registry,
		metrics:   m,
		estimator: netestimator.New(cfg.EstimatorWindow),
		table:     conn.NewTable(),
		prober:    edge.DialProber{},
		ready:     make(chan struct{}),
		running:   atomic.NewBool(false),
		closed:    atomic.NewBool(false),
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}

	tlsConfig, err := conn.LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		if !cfg.AllowInsecure {
			s.release()
			return nil, err
		}
		log.WithError(err).Error("TLS unavailable, ALLOW_INSECURE set: ingest falls back to plaintext")
		tlsConfig = nil
	}
	s.tlsConfig = tlsConfig

	if s.archive == nil {
		store, err := openStorage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if store != nil {
			s.archive = archive.New(store,
				archive.WithMaxBatches(cfg.ArchiveMaxBatches),
				archive.WithFlushInterval(cfg.ArchiveFlushInterval),
				archive.WithMetrics(m),
			)
		}
	}

	encoder, err := fec.NewEncoder(cfg.FECDataShards, cfg.FECParityShards)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("failed to create FEC encoder: %w", err)
	}

	s.hub = delivery.New(
		delivery.WithQueueCapacity(cfg.DeliveryQueueCapacity),
		delivery.WithMaxAge(cfg.DeliveryMaxAge),
		delivery.WithWriteTimeout(cfg.DeliveryWriteTimeout),
		delivery.WithMetrics(m),
	)
	s.pool = workerpool.New(cfg.Workers, cfg.WorkerQueueCapacity, workerpool.WithMetrics(m))

	engineOpts := []engine.Option{
		engine.WithFEC(encoder, cfg.FECLossThreshold),
		engine.WithStreamID(cfg.StreamID),
		engine.WithMetrics(m),
		engine.WithSink(s.hub),
	}
	if s.archive != nil {
		engineOpts = append(engineOpts, engine.WithSink(s.archive))
	}
	s.engine, err = engine.New(s.pool, s.estimator, engineOpts...)
	if err != nil {
		s.release()
		return nil, err
	}

	routerOpts := []edge.Option{edge.WithMetrics(m)}
	if cfg.RouterSeed != 0 {
		routerOpts = append(routerOpts, edge.WithSeed(cfg.RouterSeed))
	}
	s.router = edge.NewRouter(routerOpts...)
	if cfg.EdgeNodesFile != "" {
		nodes, err := config.LoadNodes(cfg.EdgeNodesFile)
		if err != nil {
			s.release()
			return nil, err
		}
		for _, n := range nodes {
			if err := s.router.AddNode(n); err != nil {
				s.release()
				return nil, err
			}
		}
	}

	s.manager = conn.NewManager(s.engine, s.table, conn.Options{
		IdleTimeout:         cfg.IdleTimeout,
		MaintenanceInterval: cfg.MaintenanceInterval,
		PollInterval:        cfg.PollInterval,
		ReadBufferSize:      cfg.ReadBufferSize,
		Maintenance:         s.refreshNodes,
		Control:             s,
		Metrics:             m,
	})

	if cfg.RTMPAddr != "" {
		s.rtmp = rtmp.New(cfg.RTMPAddr, s.engine, s.table, rtmp.WithMetrics(m))
	}

	s.api = httpServer.New(s, registry, m)

	log.WithFields(logrus.Fields{
		"workers": s.pool.Size(),
		"nodes":   s.router.Len(),
		"archive": s.archive != nil,
		"tls":     s.tlsConfig != nil,
	}).Info("Server initialized")
	return s, nil
}

// release frees what New built before failing
func (s *Server) release() {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close archive storage")
		}
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageType {
	case config.StorageLocal:
		return storage.NewLocalStorage(cfg.StorageDir)
	case config.StorageGCS:
		return storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
	}
	return nil, nil
}

// refreshNodes is the maintenance hook: it re-measures every edge node
func (s *Server) refreshNodes(ctx context.Context) error {
	if s.router.Len() == 0 {
		return nil
	}
	return s.router.Refresh(ctx, s.prober)
}

// Run binds every listener and serves until ctx is done or a listener
// fails. In-flight frames drain before it returns.
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}

	ingestLn, err := conn.Listen(ctx, s.cfg.IngestAddr, s.tlsConfig)
	if err != nil {
		return err
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		ingestLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	var rtmpLn net.Listener
	if s.rtmp != nil {
		if rtmpLn, err = conn.Listen(ctx, s.cfg.RTMPAddr, nil); err != nil {
			ingestLn.Close()
			httpLn.Close()
			return err
		}
	}

	s.mu.Lock()
	s.ingestAddr = ingestLn.Addr()
	s.httpAddr = httpLn.Addr()
	if rtmpLn != nil {
		s.rtmpAddr = rtmpLn.Addr()
	}
	s.mu.Unlock()
	close(s.ready)

	// the archive outlives the ingest paths so drained batches get flushed
	archiveCtx, stopArchive := context.WithCancel(context.Background())
	archiveDone := make(chan error, 1)
	if s.archive != nil {
		go func() { archiveDone <- s.archive.Run(archiveCtx) }()
	} else {
		archiveDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.manager.Serve(gctx, ingestLn)
	})

	httpSrv := &http.Server{Handler: s.api.Handler()}
	g.Go(func() error {
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if s.rtmp != nil {
		g.Go(func() error {
			return s.rtmp.Serve(rtmpLn)
		})
		g.Go(func() error {
			<-gctx.Done()
			return s.rtmp.Close()
		})
	}

	s.log.WithFields(logrus.Fields{
		"ingest": s.ingestAddr.String(),
		"http":   s.httpAddr.String(),
		"rtmp":   s.cfg.RTMPAddr,
	}).Info("Server started")

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	stopArchive()
	if err := <-archiveDone; err != nil {
		result = multierror.Append(result, fmt.Errorf("final archive flush: %w", err))
	}

	s.log.Info("Server stopped")
	return result.ErrorOrNil()
}

// Ready is closed once every listener is bound
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// IngestAddr returns the bound ingest address, nil before Ready
func (s *Server) IngestAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestAddr
}

// HTTPAddr returns the bound control-plane address, nil before Ready
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// RTMPAddr returns the bound RTMP address, nil before Ready or when disabled
func (s *Server) RTMPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtmpAddr
}

// Close releases the engine, the worker pool and the archive backend.
// Call it after Run has returned.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	var result *multierror.Error
	if err := s.engine.Close(); err != nil && !errors.Is(err, engine.ErrClosed) {
		result = multierror.Append(result, err)
	}
	s.pool.Close()
	s.hub.Close()
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// HandleCommand applies a control command sent on an ingest connection.
// SUBSCRIBE starts packet delivery on that connection; METRICS feeds the
// estimator.
func (s *Server) HandleCommand(c *conn.Connection, cmd conn.Command) error {
	switch cmd.Kind {
	case conn.CommandSubscribe:
		if cmd.StreamID != s.cfg.StreamID {
			return fmt.Errorf("%w: %d", ErrUnknownStream, cmd.StreamID)
		}
		return s.hub.Subscribe(c.Descriptor(), cmd.StreamID, c.NetConn())
	case conn.CommandMetrics:
		return s.AddMetricsSample(models.NetworkSample{
			Bandwidth: cmd.Bandwidth,
			Latency:   cmd.Latency,
		})
	}
	return fmt.Errorf("%w: %s", conn.ErrMalformedCommand, cmd.Kind)
}

// Release stops delivery to a closed connection
func (s *Server) Release(c *conn.Connection) {
	s.hub.Unsubscribe(c.Descriptor())
}

// Subscribers returns the number of connections receiving packets
func (s *Server) Subscribers() int {
	return s.hub.Subscribers()
}

// AddMetricsSample feeds one network observation to the estimator and
// recomputes the adaptive buffer. A zero timestamp means now.
func (s *Server) AddMetricsSample(sample models.NetworkSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	if err := s.estimator.AddSample(sample); err != nil {
		s.metrics.RecordSampleRejected()
		return err
	}
	s.metrics.RecordNetworkState(s.estimator.SmoothedBandwidth(), s.estimator.SmoothedLatency(), s.estimator.OptimalBitrateKbps())
	s.engine.AdjustBuffer()
	return nil
}

// NetworkStatus returns the smoothed network state and what the engine derived from it
func (s *Server) NetworkStatus() models.NetworkStatus {
	return models.NetworkStatus{
		NetworkState:       s.estimator.State(),
		OptimalBitrateKbps: s.estimator.OptimalBitrateKbps(),
		TargetBufferMs:     s.engine.TargetBufferMs(),
		Encoding:           s.engine.EncodingParams(),
	}
}

// AddNode registers an edge node
func (s *Server) AddNode(n models.EdgeNode) error {
	return s.router.AddNode(n)
}

// UpdateNodeMetrics sets the load and latency of an edge node
func (s *Server) UpdateNodeMetrics(id string, load, latency float64) error {
	return s.router.UpdateNodeMetrics(id, load, latency)
}

// RemoveNode deletes an edge node
func (s *Server) RemoveNode(id string) error {
	return s.router.RemoveNode(id)
}

// Nodes returns every edge node
func (s *Server) Nodes() []models.EdgeNode {
	return s.router.Nodes()
}

// RouteStream places a client on an edge node
func (s *Server) RouteStream(clientIP string, requiredBandwidth float64, codecs []string) (models.EdgeNode, error) {
	return s.router.RouteStream(clientIP, requiredBandwidth, codecs)
}

// ProcessVideoFrame submits a video frame without waiting for it
func (s *Server) ProcessVideoFrame(frame []byte) error {
	return s.engine.ProcessVideoFrame(frame)
}

// ProcessAudioFrame submits an audio frame without waiting for it
func (s *Server) ProcessAudioFrame(frame []byte) error {
	return s.engine.ProcessAudioFrame(frame)
}

// EngineStats returns the media engine counters
func (s *Server) EngineStats() engine.Stats {
	return s.engine.Stats()
}

// DeliveryOrder returns the current group's frame delivery order
func (s *Server) DeliveryOrder() []uint32 {
	return s.engine.DeliveryOrder()
}

// Connections returns the connection table
func (s *Server) Connections() []models.ConnectionInfo {
	return s.table.Snapshot()
}

// ArchivedBatches lists archived batch names of a stream. It reports false
// when archiving is disabled.
func (s *Server) ArchivedBatches(ctx context.Context, streamID uint32) ([]string, bool, error) {
	if s.archive == nil {
		return nil, false, nil
	}
	names, err := s.archive.Batches(ctx, streamID)
	return names, true, err
}

// ArchivedBatch decodes one archived batch
func (s *Server) ArchivedBatch(ctx context.Context, streamID uint32, name string) ([]models.Packet, bool, error) {
	if s.archive == nil {
		return nil, false, nil
	}
	packets, err := s.archive.ReadBatch(ctx, streamID, name)
	return packets, true, err
}

// Drain waits until submitted frames have been processed
func (s *Server) Drain(ctx context.Context) error {
	return s.engine.Drain(ctx)
}

// FlushArchive writes queued batches now
func (s *Server) FlushArchive(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	return s.archive.Flush(ctx)
}
