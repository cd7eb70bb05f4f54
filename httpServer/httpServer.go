package httpServer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"edgestream/internal/edge"
	"edgestream/internal/engine"
	"edgestream/internal/metrics"
	"edgestream/internal/netestimator"
	"edgestream/internal/storage"
	"edgestream/internal/workerpool"
	"edgestream/pkg/models"
)

// maxFrameSize bounds frame submission bodies
const maxFrameSize = 8 << 20

// Backend is the embedding API the control plane drives. *server.Server
// implements it.
type Backend interface {
	AddMetricsSample(sample models.NetworkSample) error
	NetworkStatus() models.NetworkStatus

	AddNode(n models.EdgeNode) error
	UpdateNodeMetrics(id string, load, latency float64) error
	RemoveNode(id string) error
	Nodes() []models.EdgeNode
	RouteStream(clientIP string, requiredBandwidth float64, codecs []string) (models.EdgeNode, error)

	ProcessVideoFrame(frame []byte) error
	ProcessAudioFrame(frame []byte) error
	EngineStats() engine.Stats
	DeliveryOrder() []uint32

	Connections() []models.ConnectionInfo

	ArchivedBatches(ctx context.Context, streamID uint32) ([]string, bool, error)
	ArchivedBatch(ctx context.Context, streamID uint32, name string) ([]models.Packet, bool, error)
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router   *gin.Engine
	backend  Backend
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// New creates a new HTTP server. gatherer backs GET /metrics; nil uses the
// default registry.
func New(backend Backend, gatherer prometheus.Gatherer, m *metrics.Metrics) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		backend:  backend,
		gatherer: gatherer,
		metrics:  m,
		log:      logrus.WithField("component", "http"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
	}

	v1 := api.Group("/v1")
	{
		v1.POST("/network/samples", s.handleAddSample)
		v1.GET("/network", s.handleNetwork)

		v1.GET("/nodes", s.handleListNodes)
		v1.POST("/nodes", s.handleAddNode)
		v1.PUT("/nodes/:id/metrics", s.handleUpdateNodeMetrics)
		v1.DELETE("/nodes/:id", s.handleRemoveNode)
		v1.POST("/route", s.handleRoute)

		v1.POST("/frames/video", s.handleFrame(models.FrameKindVideo))
		v1.POST("/frames/audio", s.handleFrame(models.FrameKindAudio))
		v1.GET("/engine", s.handleEngineStats)
		v1.GET("/engine/delivery-order", s.handleDeliveryOrder)

		v1.GET("/connections", s.handleConnections)

		v1.GET("/archive/:streamId", s.handleListArchive)
		v1.GET("/archive/:streamId/:batch", s.handleGetArchive)
	}

	s.router = router
}

// observe records request counts and latency by route
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// Handler returns the routes as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleAddSample(c *gin.Context) {
	var sample models.NetworkSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.backend.AddMetricsSample(sample); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, netestimator.ErrInvalidSample) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, s.backend.NetworkStatus())
}

func (s *Server) handleNetwork(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.NetworkStatus())
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes := s.backend.Nodes()
	c.JSON(http.StatusOK, models.NodeListResponse{
		Nodes: nodes,
		Total: len(nodes),
	})
}

func (s *Server) handleAddNode(c *gin.Context) {
	var node models.EdgeNode
	if err := c.ShouldBindJSON(&node); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.backend.AddNode(node); err != nil {
		c.JSON(nodeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, node)
}

func (s *Server) handleUpdateNodeMetrics(c *gin.Context) {
	id := c.Param("id")

	var req models.NodeMetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.backend.UpdateNodeMetrics(id, req.Load, req.Latency); err != nil {
		c.JSON(nodeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      id,
		"load":    req.Load,
		"latency": req.Latency,
	})
}

func (s *Server) handleRemoveNode(c *gin.Context) {
	id := c.Param("id")

	if err := s.backend.RemoveNode(id); err != nil {
		c.JSON(nodeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "node removed",
		"id":      id,
	})
}

func (s *Server) handleRoute(c *gin.Context) {
	var req models.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = c.ClientIP()
	}

	node, err := s.backend.RouteStream(req.ClientIP, req.RequiredBandwidth, req.RequiredCodecs)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, edge.ErrNoNodeAvailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.RouteResponse{
		Node:     node,
		ClientIP: req.ClientIP,
	})
}

func (s *Server) handleFrame(kind models.FrameKind) gin.HandlerFunc {
	process := s.backend.ProcessVideoFrame
	if kind == models.FrameKindAudio {
		process = s.backend.ProcessAudioFrame
	}

	return func(c *gin.Context) {
		frame, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameSize))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		if len(frame) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty frame"})
			return
		}

		if err := process(frame); err != nil {
			switch {
			case errors.Is(err, workerpool.ErrPoolFull):
				c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			case errors.Is(err, engine.ErrClosed), errors.Is(err, workerpool.ErrPoolClosed):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"kind":  kind,
			"bytes": len(frame),
		})
	}
}

func (s *Server) handleEngineStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.EngineStats())
}

func (s *Server) handleDeliveryOrder(c *gin.Context) {
	order := s.backend.DeliveryOrder()
	if order == nil {
		order = []uint32{}
	}
	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"total": len(order),
	})
}

func (s *Server) handleConnections(c *gin.Context) {
	conns := s.backend.Connections()
	c.JSON(http.StatusOK, models.ConnectionListResponse{
		Connections: conns,
		Total:       len(conns),
	})
}

func (s *Server) handleListArchive(c *gin.Context) {
	streamID, ok := parseStreamID(c)
	if !ok {
		return
	}

	names, enabled, err := s.backend.ArchivedBatches(c.Request.Context(), streamID)
	if !enabled {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("stream", streamID).Warn("Failed to list archive")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archive"})
		return
	}
	if names == nil {
		names = []string{}
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.JSON(http.StatusOK, gin.H{
		"streamId": streamID,
		"batches":  names,
		"total":    len(names),
	})
}

func (s *Server) handleGetArchive(c *gin.Context) {
	streamID, ok := parseStreamID(c)
	if !ok {
		return
	}
	name := c.Param("batch")

	packets, enabled, err := s.backend.ArchivedBatch(c.Request.Context(), streamID, name)
	switch {
	case !enabled:
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	case errors.Is(err, storage.ErrInvalidPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch name"})
		return
	case err != nil:
		s.log.WithError(err).WithField("batch", name).Warn("Failed to read archived batch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read batch"})
		return
	}

	resp := models.ArchiveBatchResponse{
		StreamID: streamID,
		Name:     name,
		Packets:  make([]models.ArchivedPacket, len(packets)),
	}
	for i, p := range packets {
		resp.Packets[i] = models.ArchivedPacket{Packet: p, PayloadSize: len(p.Payload)}
	}

	// archived batches never change
	c.Header("Cache-Control", "public, max-age=60")
	c.JSON(http.StatusOK, resp)
}

// Helper functions

func parseStreamID(c *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(c.Param("streamId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return 0, false
	}
	return uint32(id), true
}

func nodeErrorStatus(err error) int {
	switch {
	case errors.Is(err, edge.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, edge.ErrNodeExists):
		return http.StatusConflict
	case errors.Is(err, edge.ErrInvalidNode):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
