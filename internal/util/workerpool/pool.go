package workerpool

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped   = stderrors.New("worker pool is stopped")
	ErrQueueFull = stderrors.New("worker pool queue is full")
	ErrBusy      = stderrors.New("task with the same key is already queued or running")
)

// Task is a unit of work keyed by the resource it touches. At most one
// task per key is queued or running at any time.
type Task struct {
	Key string
	Fn  func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger

	// OnDone is called after each task with its outcome
	OnDone func(key string, err error, duration time.Duration)
}

// WorkerPool runs keyed tasks on a bounded set of goroutines
type WorkerPool struct {
	name    string
	workers int
	queue   chan Task
	logger  *zap.Logger
	onDone  func(string, error, time.Duration)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	wg       sync.WaitGroup
	stopOnce sync.Once

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewWorkerPool creates a pool and starts its workers
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:     cfg.Name,
		workers:  cfg.Workers,
		queue:    make(chan Task, cfg.QueueSize),
		logger:   cfg.Logger,
		onDone:   cfg.OnDone,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for task := range p.queue {
		p.execute(id, task)
	}
}

func (p *WorkerPool) execute(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer p.release(task.Key)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("key", task.Key),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.completed.Add(1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("key", task.Key),
			zap.Duration("duration", duration))
	}

	if p.onDone != nil {
		p.onDone(task.Key, err, duration)
	}
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(p.ctx)
}

func (p *WorkerPool) release(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

// Submit queues a task without blocking. It fails with ErrBusy when a task
// with the same key is pending, ErrQueueFull when the queue has no room and
// ErrStopped after Stop.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.rejected.Add(1)
		return ErrStopped
	}
	if _, ok := p.inflight[task.Key]; ok {
		p.rejected.Add(1)
		return ErrBusy
	}

	select {
	case p.queue <- task:
		p.inflight[task.Key] = struct{}{}
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stop stops accepting tasks and waits for queued and running tasks to
// finish. After timeout the task context is canceled and Stop returns an error.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))

		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully", zap.String("name", p.name))
		case <-time.After(timeout):
			p.cancel()
			<-done
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
		p.cancel()
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}
