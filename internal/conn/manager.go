package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"edgestream/internal/metrics"
)

// Defaults for Options fields left zero
const (
	DefaultIdleTimeout         = 10 * time.Minute
	DefaultMaintenanceInterval = 5 * time.Minute
	DefaultPollInterval        = time.Second
	DefaultReadBufferSize      = 4096
	DefaultShutdownTimeout     = 10 * time.Second
)

// FrameSink consumes ingested bytes. *engine.Engine satisfies it.
type FrameSink interface {
	ProcessVideoFrame(frame []byte) error
	Drain(ctx context.Context) error
}

// MaintenanceFunc runs after idle eviction on its own goroutine, with a
// context bounded by the maintenance interval
type MaintenanceFunc func(ctx context.Context) error

// Options tune the manager
type Options struct {
	IdleTimeout         time.Duration
	MaintenanceInterval time.Duration
	PollInterval        time.Duration // read deadline; bounds how long a reader waits before rechecking shutdown
	ReadBufferSize      int
	ShutdownTimeout     time.Duration
	Maintenance         MaintenanceFunc
	Control             Controller // nil treats every read as media
	Metrics             *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
}

type eventKind int

const (
	eventAccepted eventKind = iota
	eventClosed
	eventAcceptFailed
)

type event struct {
	kind   eventKind
	conn   net.Conn
	c      *Connection
	reason string
	err    error
}

// Manager owns the connection table and the event loop
type Manager struct {
	table *Table
	sink  FrameSink
	opts  Options

	readers sync.WaitGroup
	closing chan struct{}

	hooks       sync.WaitGroup
	hookRunning *atomic.Bool

	metrics   *metrics.Metrics
	log       *logrus.Entry
	logReject rate.Sometimes
}

// NewManager creates a manager feeding sink
func NewManager(sink FrameSink, table *Table, opts Options) *Manager {
	opts.setDefaults()
	if table == nil {
		table = NewTable()
	}
	return &Manager{
		table:     table,
		sink:      sink,
		opts:      opts,
		closing:   make(chan struct{}),
		metrics:   opts.Metrics,

		hookRunning: atomic.NewBool(false),
		log:       logrus.WithField("component", "conn"),
		logReject: rate.Sometimes{Interval: time.Second},
	}
}

// Table returns the connection table
func (m *Manager) Table() *Table {
	return m.table
}

// Serve runs the event loop on ln until ctx is done or accepting fails.
// On return the listener is closed, submitted frames have drained and
// every connection is closed.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	events := make(chan event, 64)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		m.acceptLoop(ln, events)
	}()

	ticker := time.NewTicker(m.opts.MaintenanceInterval)
	defer ticker.Stop()

	m.log.WithField("addr", ln.Addr().String()).Info("Ingest listener started")

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case now := <-ticker.C:
			m.RunMaintenance(ctx, now)

		case ev := <-events:
			switch ev.kind {
			case eventAccepted:
				c := m.table.Register(ev.conn, "")
				m.metrics.RecordConnectionOpened(c.transport)
				m.log.WithFields(logrus.Fields{
					"descriptor": c.descriptor,
					"client":     c.clientID,
					"remote":     c.remoteAddr,
				}).Debug("Connection accepted")

				m.readers.Add(1)
				go m.readLoop(c, events)

			case eventClosed:
				m.teardown(ev.c, ev.reason, ev.err)

			case eventAcceptFailed:
				serveErr = ev.err
				break loop
			}
		}
	}

	return m.shutdown(ln, acceptDone, events, serveErr)
}

func (m *Manager) acceptLoop(ln net.Listener, events chan<- event) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-m.closing:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case events <- event{kind: eventAcceptFailed, err: err}:
			case <-m.closing:
			}
			return
		}

		select {
		case events <- event{kind: eventAccepted, conn: nc}:
		case <-m.closing:
			nc.Close()
			return
		}
	}
}

// readLoop drains the socket. Each read is forwarded as one frame; a read
// deadline expiry is not an error, it only rechecks shutdown.
func (m *Manager) readLoop(c *Connection, events chan<- event) {
	defer m.readers.Done()

	if tc, ok := c.conn.(*tls.Conn); ok {
		// handshake outside the poll deadline
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			m.report(events, c, "error", err)
			return
		}
	}

	buf := make([]byte, m.opts.ReadBufferSize)
	for {
		select {
		case <-m.closing:
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(m.opts.PollInterval)); err != nil {
			m.report(events, c, "error", err)
			return
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.Touch(time.Now(), n)
			m.metrics.RecordBytes(n)
			m.handle(c, buf[:n])
		}
		if err == nil {
			continue
		}

		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			continue
		case errors.Is(err, io.EOF):
			m.report(events, c, "eof", nil)
		default:
			if !c.Active() || isClosedErr(err) {
				// closed by eviction or shutdown
				return
			}
			m.report(events, c, "error", err)
		}
		return
	}
}

// handle dispatches control lines to the controller; anything else is media
func (m *Manager) handle(c *Connection, data []byte) {
	if m.opts.Control != nil {
		cmds, isControl, err := ParseCommands(data)
		if err != nil {
			m.log.WithError(err).WithField("descriptor", c.descriptor).Debug("Malformed control command")
		}
		if isControl {
			for _, cmd := range cmds {
				if err := m.opts.Control.HandleCommand(c, cmd); err != nil {
					m.log.WithError(err).WithFields(logrus.Fields{
						"descriptor": c.descriptor,
						"command":    cmd.Kind.String(),
					}).Warn("Control command failed")
				}
			}
			return
		}
	}
	m.submit(c, append([]byte(nil), data...))
}

func (m *Manager) submit(c *Connection, frame []byte) {
	if m.sink == nil {
		return
	}
	if err := m.sink.ProcessVideoFrame(frame); err != nil {
		// the caller owns the drop policy: this one drops
		m.logReject.Do(func() {
			m.log.WithError(err).WithField("descriptor", c.descriptor).Debug("Frame rejected")
		})
	}
}

func (m *Manager) report(events chan<- event, c *Connection, reason string, err error) {
	select {
	case events <- event{kind: eventClosed, c: c, reason: reason, err: err}:
	case <-m.closing:
	}
}

func (m *Manager) teardown(c *Connection, reason string, err error) {
	if _, ok := m.table.Remove(c.descriptor); !ok {
		return
	}
	c.Close()
	m.release(c)
	m.metrics.RecordConnectionClosed(reason)

	entry := m.log.WithFields(logrus.Fields{
		"descriptor": c.descriptor,
		"client":     c.clientID,
		"reason":     reason,
	})
	if err != nil {
		entry.WithError(err).Warn("Connection failed")
		return
	}
	entry.Debug("Connection closed")
}

func (m *Manager) release(c *Connection) {
	if m.opts.Control != nil {
		m.opts.Control.Release(c)
	}
}

// RunMaintenance evicts connections idle longer than the idle timeout as of
// now, then starts the maintenance hook unless the previous run is still
// going. It returns the number evicted without waiting for the hook.
func (m *Manager) RunMaintenance(ctx context.Context, now time.Time) int {
	evicted := m.table.EvictIdle(now.Add(-m.opts.IdleTimeout))
	for _, c := range evicted {
		c.Close()
		m.release(c)
		m.metrics.RecordConnectionClosed("idle")
	}
	if len(evicted) > 0 {
		m.log.WithField("evicted", len(evicted)).Info("Evicted idle connections")
	}

	if m.opts.Maintenance != nil {
		m.startHook(ctx)
	}
	return len(evicted)
}

func (m *Manager) startHook(ctx context.Context) {
	if !m.hookRunning.CompareAndSwap(false, true) {
		m.log.Debug("Maintenance hook still running, skipping")
		return
	}

	m.hooks.Add(1)
	go func() {
		defer m.hooks.Done()
		defer m.hookRunning.Store(false)

		hookCtx, cancel := context.WithTimeout(ctx, m.opts.MaintenanceInterval)
		defer cancel()
		if err := m.opts.Maintenance(hookCtx); err != nil {
			m.log.WithError(err).Warn("Maintenance hook failed")
		}
	}()
}

// WaitMaintenance blocks until a running maintenance hook returns
func (m *Manager) WaitMaintenance() {
	m.hooks.Wait()
}

// shutdown stops accepting, lets in-flight frames drain, then closes sockets
func (m *Manager) shutdown(ln net.Listener, acceptDone <-chan struct{}, events chan event, serveErr error) error {
	var result *multierror.Error
	if serveErr != nil {
		result = multierror.Append(result, serveErr)
	}

	close(m.closing)
	if err := ln.Close(); err != nil && !isClosedErr(err) {
		result = multierror.Append(result, err)
	}
	<-acceptDone

	// readers exit within one poll interval; the hook sees ctx done
	m.readers.Wait()
	m.hooks.Wait()
	for {
		select {
		case ev := <-events:
			if ev.kind == eventAccepted {
				ev.conn.Close()
			}
			continue
		default:
		}
		break
	}

	if m.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
		if err := m.sink.Drain(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		cancel()
	}

	closed, err := m.table.CloseAll()
	if err != nil {
		result = multierror.Append(result, err)
	}
	for i := 0; i < closed; i++ {
		m.metrics.RecordConnectionClosed("shutdown")
	}

	m.log.WithField("closed", closed).Info("Ingest listener stopped")
	return result.ErrorOrNil()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
