package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/metrics"
	"github.com/parsascontentcorner/towerbot/internal/telegram"
)

var (
	// ErrQueueFull is returned by Enqueue when every slot is taken
	ErrQueueFull = errors.New("update queue is full")
	// ErrStopped is returned by Enqueue after Stop
	ErrStopped = errors.New("dispatcher stopped")
)

// Handler processes one update
type Handler interface {
	Handle(ctx context.Context, u *telegram.Update) error
}

// Dispatcher feeds webhook updates from a bounded queue to a fixed pool of
// workers. The webhook has already answered by the time a worker runs.
type Dispatcher struct {
	handler Handler
	queue   chan *telegram.Update
	workers int
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	wg      sync.WaitGroup
	stopped atomic.Bool
	cancel  context.CancelFunc
}

// NewDispatcher creates a dispatcher. timeout bounds each update.
func NewDispatcher(h Handler, workers, queueSize int, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		handler: h,
		queue:   make(chan *telegram.Update, queueSize),
		workers: workers,
		timeout: timeout,
		logger:  log,
		metrics: m,
	}
}

// Enqueue adds an update without blocking
func (d *Dispatcher) Enqueue(u *telegram.Update) error {
	if d.stopped.Load() {
		return ErrStopped
	}

	select {
	case d.queue <- u:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.SetQueueDepth(len(d.queue))
		d.metrics.ObserveUpdate(updateKind(u), "dropped")
		d.logger.Warn("update queue full, dropping update",
			zap.Int64("update_id", u.UpdateID),
			zap.Int("depth", len(d.queue)),
			zap.Int("capacity", cap(d.queue)),
		)
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.logger.Info("starting update dispatcher",
		zap.Int("workers", d.workers),
		zap.Int("queue_size", cap(d.queue)),
	)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop refuses new updates, lets the workers drain the queue for up to
// grace, and waits for them.
func (d *Dispatcher) Stop(grace time.Duration) {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}

	deadline := time.Now().Add(grace)
	for len(d.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("update dispatcher stopped", zap.Int("dropped", len(d.queue)))
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.process(ctx, u, id)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, u *telegram.Update, worker int) {
	traceID := uuid.NewString()
	kind := updateKind(u)
	log := d.logger.With(
		zap.Int64("update_id", u.UpdateID),
		zap.String("trace_id", traceID),
		zap.Int("worker", worker),
	)

	defer func() {
		if rec := recover(); rec != nil {
			d.metrics.ObserveUpdate(kind, "panic")
			log.Error("panic while processing update",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	if err := d.handler.Handle(ctx, u); err != nil {
		d.metrics.ObserveUpdate(kind, "error")
		log.Warn("failed to process update", zap.String("kind", kind), zap.Error(err))
		return
	}

	d.metrics.ObserveUpdate(kind, "ok")
	log.Debug("processed update", zap.String("kind", kind), zap.Duration("elapsed", time.Since(start)))
}

func updateKind(u *telegram.Update) string {
	switch {
	case u.MyChatMember != nil:
		return "my_chat_member"
	case u.Message != nil:
		return "message"
	default:
		return "other"
	}
}
