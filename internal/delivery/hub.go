package delivery

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"edgestream/internal/metrics"
	"edgestream/pkg/models"
)

const (
	DefaultQueueCapacity = 1024
	DefaultMaxAge        = 500 * time.Millisecond
	DefaultWriteTimeout  = 2 * time.Second
)

var ErrHubClosed = errors.New("delivery hub closed")

// Conn is the write side of a subscriber socket. net.Conn satisfies it.
type Conn interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

type subscriber struct {
	id      uint64
	conn    Conn
	streams map[uint32]struct{} // guarded by Hub.mu
	queue   *PriorityQueue
	wake    chan struct{}
	done    chan struct{}
}

// Hub delivers every outbound batch to the connections subscribed to its
// stream. Each subscriber has a writer goroutine draining its queue.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	closed bool

	queueCapacity int
	maxAge        time.Duration
	writeTimeout  time.Duration
	now           func() time.Time

	writers sync.WaitGroup
	metrics *metrics.Metrics
	log     *logrus.Entry
	logDrop rate.Sometimes
}

// Option configures a Hub
type Option func(*Hub)

// WithQueueCapacity bounds each subscriber queue
func WithQueueCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueCapacity = n
		}
	}
}

// WithMaxAge sets how long a packet waits before it is aged
func WithMaxAge(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.maxAge = d
		}
	}
}

// WithWriteTimeout bounds each subscriber write
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithMetrics records deliveries
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// New creates a hub with no subscribers
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:          make(map[uint64]*subscriber),
		queueCapacity: DefaultQueueCapacity,
		maxAge:        DefaultMaxAge,
		writeTimeout:  DefaultWriteTimeout,
		now:           time.Now,
		log:           logrus.WithField("component", "delivery"),
		logDrop:       rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe adds stream to the streams delivered to conn under id,
// starting its writer on first use
func (h *Hub) Subscribe(id uint64, stream uint32, conn Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	sub, ok := h.subs[id]
	if !ok {
		sub = &subscriber{
			id:      id,
			conn:    conn,
			streams: make(map[uint32]struct{}),
			queue:   NewPriorityQueue(h.queueCapacity, h.maxAge),
			wake:    make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		h.subs[id] = sub
		h.writers.Add(1)
		go h.write(sub)
	}
	sub.streams[stream] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(count)
	h.log.WithFields(logrus.Fields{
		"subscriber": id,
		"stream":     stream,
	}).Info("Subscriber added")
	return nil
}

// Unsubscribe stops delivery to id. It reports whether id was subscribed.
func (h *Hub) Unsubscribe(id uint64) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(sub.done)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.metrics.SetSubscribers(count)
		h.log.WithField("subscriber", id).Debug("Subscriber removed")
	}
	return ok
}

// Subscribers returns the number of subscribed connections
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Deliver queues the batch for every subscriber of its stream. Full
// queues drop packets; Deliver never blocks on a socket.
func (h *Hub) Deliver(batch *models.PacketBatch) {
	if batch == nil {
		return
	}
	packets := batch.WirePackets()
	now := h.now()

	dropped := 0
	h.mu.RLock()
	for _, sub := range h.subs {
		if _, ok := sub.streams[batch.StreamID]; !ok {
			continue
		}
		for _, p := range packets {
			if !sub.queue.Push(p, now) {
				dropped++
			}
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.metrics.RecordDelivery(0, dropped)
		h.logDrop.Do(func() {
			h.log.WithField("dropped", dropped).Warn("Subscriber queue full, dropping packets")
		})
	}
}

func (h *Hub) write(sub *subscriber) {
	defer h.writers.Done()

	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		sub.queue.Age(h.now())
		sent := 0
		for {
			p, ok := sub.queue.Pop()
			if !ok {
				break
			}
			if err := h.send(sub, &p); err != nil {
				h.metrics.RecordDelivery(sent, 0)
				h.metrics.RecordDeliveryError()
				h.log.WithError(err).WithField("subscriber", sub.id).Warn("Subscriber write failed")
				h.Unsubscribe(sub.id)
				return
			}
			sent++
		}
		h.metrics.RecordDelivery(sent, 0)
	}
}

func (h *Hub) send(sub *subscriber, p *models.Packet) error {
	if err := sub.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return models.WritePacket(sub.conn, p)
}

// Close removes every subscriber and waits for the writers to exit.
// It does not close the sockets.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]uint64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Unsubscribe(id)
	}
	h.writers.Wait()
}
