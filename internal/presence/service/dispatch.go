package service

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Scheduler runs background work keyed by rider. Submit never blocks; it
// reports false when the work was dropped.
type Scheduler interface {
	Submit(key string, task func(ctx context.Context)) bool
}

// DispatcherConfig defines tunables for the persistence worker pool.
type DispatcherConfig struct {
	Workers     int
	QueueDepth  int
	TaskTimeout time.Duration
}

// Dispatcher is a fixed pool of workers with one queue each. Tasks with the
// same key always land on the same worker and run in submission order.
type Dispatcher struct {
	queues  []chan func(context.Context)
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker pool.
func NewDispatcher(logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queues:  make([]chan func(context.Context), cfg.Workers),
		timeout: cfg.TaskTimeout,
		logger:  logger,
	}
	for i := range d.queues {
		d.queues[i] = make(chan func(context.Context), cfg.QueueDepth)
		d.wg.Add(1)
		go d.work(d.queues[i])
	}
	return d
}

func (d *Dispatcher) work(queue <-chan func(context.Context)) {
	defer d.wg.Done()
	for task := range queue {
		d.run(task)
	}
}

func (d *Dispatcher) run(task func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher task panicked", zap.Any("panic", r))
		}
	}()
	task(ctx)
}

// Submit satisfies Scheduler.
func (d *Dispatcher) Submit(key string, task func(ctx context.Context)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		dispatchDropped.WithLabelValues("closed").Inc()
		return false
	}
	queue := d.queues[xxhash.Sum64String(key)%uint64(len(d.queues))]
	select {
	case queue <- task:
		dispatchQueued.Inc()
		return true
	default:
		dispatchDropped.WithLabelValues("full").Inc()
		d.logger.Warn("persistence queue full, dropping task", zap.String("rider_id", key))
		return false
	}
}

// Close stops accepting work and waits for queued tasks to finish or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
