// Package conn tracks ingest connections and runs the event loop that feeds
// their bytes into the media engine.
package conn

import (
	"crypto/tls"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"edgestream/pkg/models"
)

// Transport labels
const (
	TransportTCP  = "tcp"
	TransportTLS  = "tls"
	TransportRTMP = "rtmp"
)

// Connection is one tracked client connection
type Connection struct {
	descriptor uint64
	clientID   string
	remoteAddr string
	transport  string
	conn       net.Conn

	active       *atomic.Bool
	lastActivity *atomic.Int64 // unix nanoseconds
	bytesRead    *atomic.Uint64
	closeOnce    sync.Once
	closeErr     error
}

// Descriptor returns the table key of the connection
func (c *Connection) Descriptor() uint64 { return c.descriptor }

// ClientID returns the generated client id
func (c *Connection) ClientID() string { return c.clientID }

// Active reports whether the connection has not been closed
func (c *Connection) Active() bool { return c.active.Load() }

// Touch records n bytes of activity at now
func (c *Connection) Touch(now time.Time, n int) {
	c.lastActivity.Store(now.UnixNano())
	if n > 0 {
		c.bytesRead.Add(uint64(n))
	}
}

// LastActivity returns the time of the last Touch
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Info returns a snapshot of the connection
func (c *Connection) Info() models.ConnectionInfo {
	return models.ConnectionInfo{
		Descriptor:   c.descriptor,
		ClientID:     c.clientID,
		RemoteAddr:   c.remoteAddr,
		Transport:    c.transport,
		Active:       c.active.Load(),
		LastActivity: c.LastActivity(),
		BytesRead:    c.bytesRead.Load(),
	}
}

// NetConn returns the underlying socket
func (c *Connection) NetConn() net.Conn { return c.conn }

// Close closes the underlying socket once
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

// Table is the registry of live connections keyed by descriptor
type Table struct {
	conns map[uint64]*Connection
	mu    sync.RWMutex
	next  *atomic.Uint64
	now   func() time.Time
}

// NewTable creates an empty connection table
func NewTable() *Table {
	return &Table{
		conns: make(map[uint64]*Connection),
		next:  atomic.NewUint64(0),
		now:   time.Now,
	}
}

// Register adds nc under a new descriptor. transport may be empty, in
// which case it is derived from the connection type.
func (t *Table) Register(nc net.Conn, transport string) *Connection {
	if transport == "" {
		transport = TransportTCP
		if _, ok := nc.(*tls.Conn); ok {
			transport = TransportTLS
		}
	}

	c := &Connection{
		descriptor:   t.next.Inc(),
		clientID:     uuid.NewString(),
		transport:    transport,
		conn:         nc,
		active:       atomic.NewBool(true),
		lastActivity: atomic.NewInt64(t.now().UnixNano()),
		bytesRead:    atomic.NewUint64(0),
	}
	if nc != nil && nc.RemoteAddr() != nil {
		c.remoteAddr = nc.RemoteAddr().String()
	}

	t.mu.Lock()
	t.conns[c.descriptor] = c
	t.mu.Unlock()
	return c
}

// Get retrieves a connection by descriptor
func (t *Table) Get(descriptor uint64) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, exists := t.conns[descriptor]
	return c, exists
}

// Remove deregisters a connection. It reports false if it was already gone.
func (t *Table) Remove(descriptor uint64) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, exists := t.conns[descriptor]
	if exists {
		delete(t.conns, descriptor)
	}
	return c, exists
}

// EvictIdle removes and returns connections with no activity since cutoff
func (t *Table) EvictIdle(cutoff time.Time) []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []*Connection
	for d, c := range t.conns {
		if c.LastActivity().Before(cutoff) {
			delete(t.conns, d)
			evicted = append(evicted, c)
		}
	}
	return evicted
}

// Snapshot returns every connection sorted by descriptor
func (t *Table) Snapshot() []models.ConnectionInfo {
	t.mu.RLock()
	infos := make([]models.ConnectionInfo, 0, len(t.conns))
	for _, c := range t.conns {
		infos = append(infos, c.Info())
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Descriptor < infos[j].Descriptor })
	return infos
}

// Len returns the number of tracked connections
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// CloseAll removes and closes every connection and returns how many it closed
func (t *Table) CloseAll() (int, error) {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for d, c := range t.conns {
		conns = append(conns, c)
		delete(t.conns, d)
	}
	t.mu.Unlock()

	var result *multierror.Error
	for _, c := range conns {
		if err := c.Close(); err != nil && !isClosedErr(err) {
			result = multierror.Append(result, err)
		}
	}
	return len(conns), result.ErrorOrNil()
}
