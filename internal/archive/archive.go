// Package archive persists outbound packet batches to object storage,
// keeping a sliding window of the most recent batches per stream.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"edgestream/internal/metrics"
	"edgestream/internal/queue"
	"edgestream/internal/storage"
	"edgestream/pkg/models"
)

const (
	DefaultMaxBatches    = 30
	DefaultFlushInterval = 2 * time.Second
	DefaultQueueCapacity = 256

	batchPrefix = "batch_"
	batchSuffix = ".qsp"

	finalFlushTimeout = 10 * time.Second
)

// StreamDir returns the object directory of a stream
func StreamDir(streamID uint32) string {
	return "stream_" + strconv.FormatUint(uint64(streamID), 10)
}

// BatchName returns the object name of the n-th batch of a stream
func BatchName(n uint64) string {
	return batchPrefix + strconv.FormatUint(n, 10) + batchSuffix
}

// parseBatchName returns the sequence number in a batch object name
func parseBatchName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, batchPrefix) || !strings.HasSuffix(name, batchSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, batchPrefix), batchSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// window tracks the stored batches of one stream
type window struct {
	next   uint64
	stored deque.Deque[uint64]
}

// Archive queues batches without blocking and writes them on a ticker
type Archive struct {
	store         storage.Storage
	pending       *queue.Ring[*models.PacketBatch]
	maxBatches    int
	flushInterval time.Duration

	flushMu sync.Mutex // serializes flushes
	windows map[uint32]*window

	metrics *metrics.Metrics
	log     *logrus.Entry
	logDrop rate.Sometimes
}

// Option configures an Archive
type Option func(*Archive)

// WithMaxBatches sets how many batches are kept per stream
func WithMaxBatches(n int) Option {
	return func(a *Archive) {
		if n > 0 {
			a.maxBatches = n
		}
	}
}

// WithFlushInterval sets the flush period of Run
func WithFlushInterval(d time.Duration) Option {
	return func(a *Archive) {
		if d > 0 {
			a.flushInterval = d
		}
	}
}

// WithQueueCapacity sets the bound of the pending queue
func WithQueueCapacity(n int) Option {
	return func(a *Archive) {
		if n >= 2 {
			a.pending = queue.New[*models.PacketBatch](n)
		}
	}
}

// WithMetrics records archive outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Archive) {
		a.metrics = m
	}
}

// New creates an archive writing to store
func New(store storage.Storage, opts ...Option) *Archive {
	a := &Archive{
		store:         store,
		pending:       queue.New[*models.PacketBatch](DefaultQueueCapacity),
		maxBatches:    DefaultMaxBatches,
		flushInterval: DefaultFlushInterval,
		windows:       make(map[uint32]*window),
		log:           logrus.WithField("component", "archive"),
		logDrop:       rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Deliver queues batch for the next flush. A full queue drops it.
func (a *Archive) Deliver(batch *models.PacketBatch) {
	if batch == nil {
		return
	}
	if a.pending.TryPush(batch) {
		return
	}
	a.metrics.RecordArchive(false, true, false)
	a.logDrop.Do(func() {
		a.log.WithField("stream", batch.StreamID).Warn("Archive queue full, dropping batch")
	})
}

// Pending returns the number of queued batches
func (a *Archive) Pending() int {
	return a.pending.Size()
}

// Run flushes on every tick until ctx is done, then flushes once more
func (a *Archive) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	a.log.WithFields(logrus.Fields{
		"interval":    a.flushInterval,
		"max_batches": a.maxBatches,
	}).Info("Archive started")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			err := a.Flush(flushCtx)
			cancel()
			a.log.Info("Archive stopped")
			return err

		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.log.WithError(err).Warn("Archive flush failed")
			}
		}
	}
}

// Flush writes every queued batch and trims each stream to the window size.
// A failed write drops that batch; the failures are returned together.
func (a *Archive) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	var result *multierror.Error
	written := 0
	for {
		batch, ok := a.pending.TryPop()
		if !ok {
			break
		}
		if err := a.write(ctx, batch); err != nil {
			a.metrics.RecordArchive(false, false, true)
			result = multierror.Append(result, err)
			continue
		}
		a.metrics.RecordArchive(true, false, false)
		written++
	}

	if written > 0 {
		a.log.WithField("batches", written).Debug("Archive flushed")
	}
	return result.ErrorOrNil()
}

func (a *Archive) write(ctx context.Context, batch *models.PacketBatch) error {
	w, err := a.window(ctx, batch.StreamID)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := batch.Encode(&buf); err != nil {
		return fmt.Errorf("failed to encode batch %d: %w", batch.FrameID, err)
	}

	dir := StreamDir(batch.StreamID)
	seq := w.next
	if err := a.store.Write(ctx, dir+"/"+BatchName(seq), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write batch %d of %s: %w", seq, dir, err)
	}
	w.next++
	w.stored.PushBack(seq)

	var result *multierror.Error
	for w.stored.Len() > a.maxBatches {
		old := w.stored.PopFront()
		if err := a.store.Delete(ctx, dir+"/"+BatchName(old)); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete batch %d of %s: %w", old, dir, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		a.log.WithError(err).Warn("Archive trim failed")
	}
	return nil
}

// window returns the stream window, seeding it from storage on first use so
// a restart continues numbering after the batches already stored
func (a *Archive) window(ctx context.Context, streamID uint32) (*window, error) {
	if w, ok := a.windows[streamID]; ok {
		return w, nil
	}

	names, err := a.store.List(ctx, StreamDir(streamID))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", StreamDir(streamID), err)
	}
	seqs := make([]uint64, 0, len(names))
	for _, name := range names {
		if n, ok := parseBatchName(name); ok {
			seqs = append(seqs, n)
		}
	}
	slices.Sort(seqs)

	w := &window{}
	for _, n := range seqs {
		w.stored.PushBack(n)
		w.next = n + 1
	}
	a.windows[streamID] = w
	return w, nil
}

// Batches lists the stored batch names of a stream, oldest first
func (a *Archive) Batches(ctx context.Context, streamID uint32) ([]string, error) {
	names, err := a.store.List(ctx, StreamDir(streamID))
	if err != nil {
		return nil, err
	}

	seqs := make([]uint64, 0, len(names))
	for _, name := range names {
		if n, ok := parseBatchName(name); ok {
			seqs = append(seqs, n)
		}
	}
	slices.Sort(seqs)

	out := make([]string, len(seqs))
	for i, n := range seqs {
		out[i] = BatchName(n)
	}
	return out, nil
}

// ReadBatch decodes a stored batch back into packets. Repair symbols come
// back as the trailing Priority 0 packets.
func (a *Archive) ReadBatch(ctx context.Context, streamID uint32, name string) ([]models.Packet, error) {
	if _, ok := parseBatchName(name); !ok {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidPath, name)
	}
	data, err := a.store.Read(ctx, StreamDir(streamID)+"/"+name)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(data)
	var packets []models.Packet
	for {
		p, err := models.ReadPacket(r)
		if errors.Is(err, io.EOF) {
			return packets, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		packets = append(packets, *p)
	}
}

// Close releases the storage backend
func (a *Archive) Close() error {
	return a.store.Close()
}
