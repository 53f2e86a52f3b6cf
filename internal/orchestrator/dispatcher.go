package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/askmesh/askmesh/internal/observability"
)

var (
	ErrQueueFull       = errors.New("orchestrator: ask queue is full")
	ErrShuttingDown    = errors.New("orchestrator: dispatcher is shutting down")
	ErrQuestionMissing = errors.New("orchestrator: question is required")
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, id string)
}

// Dispatcher is a fixed pool of workers fed by a bounded queue of job ids.
// Submissions beyond the queue capacity are refused rather than spawning
// more goroutines.
type Dispatcher struct {
	runner  Runner
	logger  *slog.Logger
	workers int

	ch   chan string
	wg   sync.WaitGroup
	once sync.Once

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan string, n)
		}
	}
}

func NewDispatcher(runner Runner, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:  runner,
		logger:  logger,
		workers: 16,
		ch:      make(chan string, 1024),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(d)
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func(workerID int) {
				defer d.wg.Done()
				d.logger.Debug("ask worker started", "worker_id", workerID)

				for id := range d.ch {
					observability.SetAskQueueDepth(len(d.ch))
					d.runner.Run(d.baseCtx, id)
				}

				d.logger.Debug("ask worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue hands id to the pool without blocking.
func (d *Dispatcher) Enqueue(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrShuttingDown
	}
	select {
	case d.ch <- id:
		observability.SetAskQueueDepth(len(d.ch))
		return nil
	default:
		d.logger.Warn("ask queue full, rejecting", "query_id", id, "capacity", cap(d.ch))
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued and running jobs. When ctx
// ends first, the remaining jobs are aborted and fail with OTHERS.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("ask queue drained, shutdown complete")
		return nil
	case <-ctx.Done():
	}

	d.logger.Warn("ask queue drain interrupted, aborting remaining jobs")
	d.cancel()
	<-done
	return ctx.Err()
}
