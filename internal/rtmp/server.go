// Package rtmp accepts RTMP publishers and feeds their audio and video tag
// bodies into the media engine.
package rtmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"edgestream/internal/conn"
	"edgestream/internal/metrics"
)

// FrameSink consumes tag bodies. *engine.Engine satisfies it.
type FrameSink interface {
	ProcessVideoFrame(frame []byte) error
	ProcessAudioFrame(frame []byte) error
}

// Server represents the RTMP server
type Server struct {
	addr    string
	sink    FrameSink
	table   *conn.Table
	server  *rtmp.Server
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	closed   *atomic.Bool
}

// Option configures a Server
type Option func(*Server)

// WithMetrics records connection and byte counts
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a new RTMP server. Connections are tracked in table so the
// ingest maintenance pass can evict idle publishers.
func New(addr string, sink FrameSink, table *conn.Table, opts ...Option) *Server {
	if table == nil {
		table = conn.NewTable()
	}
	s := &Server{
		addr:   addr,
		sink:   sink,
		table:  table,
		closed: atomic.NewBool(false),
		log:    logrus.WithField("component", "rtmp"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})
	return s
}

// ListenAndServe listens on the configured address and serves until Close
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := conn.Listen(ctx, s.addr, nil)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts RTMP connections on ln
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.WithField("addr", ln.Addr().String()).Info("RTMP server listening")

	err := s.server.Serve(ln)
	if s.closed.Load() || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once serving
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(nc net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	c := s.table.Register(nc, conn.TransportRTMP)
	s.metrics.RecordConnectionOpened(conn.TransportRTMP)

	log := s.log.WithFields(logrus.Fields{
		"descriptor": c.Descriptor(),
		"client":     c.ClientID(),
		"remote":     nc.RemoteAddr().String(),
	})
	log.Debug("RTMP connection accepted")

	handler := &ConnHandler{
		server:  s,
		conn:    c,
		log:     log,
		logDrop: rate.Sometimes{Interval: time.Second},
	}

	return nc, &rtmp.ConnConfig{
		Handler: handler,

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},

		Logger: log,
	}
}

// Close gracefully shuts down the RTMP server
func (s *Server) Close() error {
	s.closed.Store(true)
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// ConnHandler handles RTMP connection events
type ConnHandler struct {
	rtmp.DefaultHandler

	server *Server
	conn   *conn.Connection
	log    *logrus.Entry

	mu         sync.RWMutex
	streamKey  string
	publishing bool

	logDrop rate.Sometimes
}

// OnConnect is called when RTMP connect command is received
func (h *ConnHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.log.WithField("app", cmd.Command.App).Debug("RTMP connect")
	return nil
}

// OnPublish is called when a client wants to publish a stream
func (h *ConnHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	streamKey := parseStreamKey(cmd.PublishingName)
	if streamKey == "" {
		return fmt.Errorf("empty publishing name")
	}

	h.mu.Lock()
	h.streamKey = streamKey
	h.publishing = true
	h.mu.Unlock()

	h.conn.Touch(time.Now(), 0)
	h.log.WithFields(logrus.Fields{
		"stream": streamKey,
		"type":   cmd.PublishingType,
	}).Info("Stream is now live")
	return nil
}

// OnAudio is called when audio data is received
func (h *ConnHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	data, err := h.read(payload)
	if err != nil || data == nil {
		return err
	}
	h.forward(false, data)
	return nil
}

// OnVideo is called when video data is received. The FLV tag body is
// forwarded as is; the engine inspects and normalizes it.
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	data, err := h.read(payload)
	if err != nil || data == nil {
		return err
	}
	h.forward(true, data)
	return nil
}

// read consumes a whole message body. Media before publish is ignored.
func (h *ConnHandler) read(payload io.Reader) ([]byte, error) {
	h.mu.RLock()
	publishing := h.publishing
	h.mu.RUnlock()

	data, err := io.ReadAll(payload)
	if err != nil {
		return nil, err
	}
	if !publishing || len(data) == 0 {
		return nil, nil
	}

	h.conn.Touch(time.Now(), len(data))
	h.server.metrics.RecordBytes(len(data))
	return data, nil
}

func (h *ConnHandler) forward(video bool, data []byte) {
	sink := h.server.sink
	if sink == nil {
		return
	}
	kind := "audio"
	process := sink.ProcessAudioFrame
	if video {
		kind = "video"
		process = sink.ProcessVideoFrame
	}
	if err := process(data); err != nil {
		h.logDrop.Do(func() {
			h.log.WithError(err).WithField("kind", kind).Debug("Frame rejected")
		})
	}
}

// StreamKey returns the published stream key, empty before publish
func (h *ConnHandler) StreamKey() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streamKey
}

// OnClose is called when the connection is closed
func (h *ConnHandler) OnClose() {
	if _, ok := h.server.table.Remove(h.conn.Descriptor()); ok {
		h.server.metrics.RecordConnectionClosed("eof")
	}
	h.conn.Close()

	h.log.WithField("stream", h.StreamKey()).Info("RTMP connection closed")
}

// parseStreamKey strips a query string from the publishing name
func parseStreamKey(publishingName string) string {
	if i := strings.IndexByte(publishingName, '?'); i >= 0 {
		return publishingName[:i]
	}
	return publishingName
}
