// Package workerpool runs opaque tasks on a fixed set of goroutines, each
// polling its own bounded queue.
package workerpool

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"edgestream/internal/metrics"
	"edgestream/internal/queue"
)

var (
	ErrPoolFull   = errors.New("worker queues full")
	ErrPoolClosed = errors.New("worker pool closed")
)

// DefaultQueueCapacity is the per-worker ring capacity
const DefaultQueueCapacity = 1024

const (
	// spinsBeforeSleep is how many empty polls a worker yields through
	// before it starts sleeping between polls
	spinsBeforeSleep = 64
	idleSleep        = 100 * time.Microsecond
)

// Task is a unit of work. It must capture its inputs by value.
type Task func()

// Pool is a fixed set of workers with one queue each
type Pool struct {
	queues  []*queue.Ring[Task]
	running *atomic.Bool

	// pending counts tasks accepted but not yet finished
	pending *atomic.Int64

	wg      sync.WaitGroup
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// Option configures a Pool
type Option func(*Pool)

// WithMetrics records submissions and executions
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// New starts workers goroutines, each with a queue of queueCapacity.
// workers <= 0 uses runtime.NumCPU().
func New(workers, queueCapacity int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueCapacity < 2 {
		queueCapacity = DefaultQueueCapacity
	}

	p := &Pool{
		queues:  make([]*queue.Ring[Task], workers),
		running: atomic.NewBool(true),
		pending: atomic.NewInt64(0),
		log:     logrus.WithField("component", "workerpool"),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := range p.queues {
		p.queues[i] = queue.New[Task](queueCapacity)
	}
	for i := range p.queues {
		p.wg.Add(1)
		go p.work(i)
	}

	p.log.WithFields(logrus.Fields{
		"workers":  workers,
		"capacity": queueCapacity,
	}).Debug("Worker pool started")
	return p
}

// Submit enqueues task on the less loaded of two randomly sampled workers.
// If that queue is full the other sample is tried before giving up.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return nil
	}
	if !p.running.Load() {
		return ErrPoolClosed
	}

	first, second := p.pick()
	p.pending.Inc()
	if p.queues[first].TryPush(task) || (second != first && p.queues[second].TryPush(task)) {
		if !p.running.Load() {
			// raced with Close; Close may already have discarded the queues
			p.discard()
			return ErrPoolClosed
		}
		p.metrics.RecordTaskSubmitted(true)
		return nil
	}
	p.pending.Dec()
	p.metrics.RecordTaskSubmitted(false)
	return ErrPoolFull
}

// pick samples two distinct queues and returns the lesser loaded first
func (p *Pool) pick() (int, int) {
	n := len(p.queues)
	if n == 1 {
		return 0, 0
	}
	a := rand.IntN(n)
	b := rand.IntN(n - 1)
	if b >= a {
		b++
	}
	if p.queues[b].Size() < p.queues[a].Size() {
		return b, a
	}
	return a, b
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	q := p.queues[id]
	misses := 0
	for p.running.Load() {
		task, ok := q.TryPop()
		if !ok {
			misses++
			if misses < spinsBeforeSleep {
				runtime.Gosched()
			} else {
				time.Sleep(idleSleep)
			}
			continue
		}
		misses = 0
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			p.log.WithFields(logrus.Fields{
				"worker": id,
				"panic":  r,
			}).Error("Task panicked")
		}
		p.pending.Dec()
		p.metrics.RecordTaskExecuted(panicked)
	}()
	task()
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return len(p.queues)
}

// Pending returns the number of accepted tasks that have not finished
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

// QueueSizes returns a snapshot of each worker's queue occupancy
func (p *Pool) QueueSizes() []int {
	sizes := make([]int, len(p.queues))
	for i, q := range p.queues {
		sizes[i] = q.Size()
	}
	return sizes
}

// Idle reports whether every accepted task has finished
func (p *Pool) Idle() bool {
	return p.pending.Load() == 0
}

// Drain waits until every accepted task has finished or ctx is done
func (p *Pool) Drain(ctx context.Context) error {
	return WaitIdle(ctx, p.Idle)
}

// Close stops the workers. A task already dequeued runs to completion;
// tasks still queued are discarded. Close blocks until all workers exit.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.wg.Wait()

	dropped := p.discard()
	p.log.WithField("discarded", dropped).Debug("Worker pool stopped")
}

// discard empties every queue once the workers are stopped
func (p *Pool) discard() int {
	dropped := 0
	for _, q := range p.queues {
		for {
			if _, ok := q.TryPop(); !ok {
				break
			}
			p.pending.Dec()
			dropped++
		}
	}
	return dropped
}

// WaitIdle polls idle until it reports true or ctx is done
func WaitIdle(ctx context.Context, idle func() bool) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for !idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
