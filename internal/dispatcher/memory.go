package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/apperrors"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/pkg/backoff"
)

const (
	deliverTimeout      = 30 * time.Second
	queueReportInterval = 5 * time.Second
)

// MetricsRecorder receives dispatcher metrics. May be nil.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// MemoryDispatcher is a bounded in-memory broadcast queue with one
// delivery worker. A full queue drops new events.
type MemoryDispatcher struct {
	sender  Sender
	config  MemoryConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	mu      sync.Mutex
	pending []*Event
	byKey   map[string]*Event
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	queued       atomic.Int64
	coalesced    atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64
}

// NewMemory starts a dispatcher writing to sender.
func NewMemory(cfg MemoryConfig, sender Sender, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		sender:  sender,
		config:  cfg,
		logger:  slog.With("component", "dispatcher"),
		metrics: metrics,
		byKey:   make(map[string]*Event),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go d.run()
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "buffer", cfg.BufferSize, "retries", cfg.MaxRetries)
	return d
}

// Dispatch queues event. A keyed event updates a queued one with the same
// key instead of taking a new slot.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if event.Key != "" {
		if queued, ok := d.byKey[event.Key]; ok {
			queued.Type, queued.Data = event.Type, event.Data
			d.mu.Unlock()
			d.coalesced.Add(1)
			return nil
		}
	}
	if len(d.pending) >= d.config.BufferSize {
		d.mu.Unlock()
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
	d.pending = append(d.pending, event)
	if event.Key != "" {
		d.byKey[event.Key] = event
	}
	d.mu.Unlock()

	d.queued.Add(1)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Broadcast queues a message, keyed when data implements Keyed. It lets the
// dispatcher stand in for the connector wherever fire-and-forget delivery
// is enough.
func (d *MemoryDispatcher) Broadcast(msgType string, data any) error {
	event := &Event{Type: msgType, Data: data}
	if k, ok := data.(Keyed); ok {
		event.Key = msgType + "/" + k.CoalesceKey()
	}
	return d.Dispatch(event)
}

// Stats returns a snapshot of the counters.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   d.depth(),
		Queued:       d.queued.Load(),
		Coalesced:    d.coalesced.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		RetriesTotal: d.retriesTotal.Load(),
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	remaining := len(d.pending)
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "queued", remaining)
	close(d.stop)

	select {
	case <-d.done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.depth())
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) run() {
	defer close(d.done)
	for {
		if event := d.pop(); event != nil {
			d.deliver(event)
			continue
		}
		select {
		case <-d.wake:
		case <-d.stop:
			for event := d.pop(); event != nil; event = d.pop() {
				d.deliver(event)
			}
			return
		}
	}
}

func (d *MemoryDispatcher) pop() *Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil
	}
	event := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	if event.Key != "" {
		delete(d.byKey, event.Key)
	}
	return event
}

func (d *MemoryDispatcher) depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(queueReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(d.depth()))
		}
	}
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Debug("Event dropped", "type", event.Type, "reason", reason)
}

// deliver sends one event, retrying transport errors. With no peer attached
// the event is dropped at once.
func (d *MemoryDispatcher) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	start := time.Now()
	err := d.send(ctx, event)
	switch {
	case err == nil:
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		}
	case errors.Is(err, apperrors.ErrNotConnected):
		d.drop(event, "no peer")
	default:
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "type", event.Type, "error", err)
	}
}

func (d *MemoryDispatcher) send(ctx context.Context, event *Event) error {
	var err error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if werr := backoff.Default.Sleep(ctx, attempt); werr != nil {
				return werr
			}
		}
		err = d.sender.Broadcast(event.Type, event.Data)
		if err == nil || errors.Is(err, apperrors.ErrNotConnected) {
			return err
		}
	}
	return err
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
