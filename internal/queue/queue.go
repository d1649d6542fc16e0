// Package queue runs named in-process FIFO work queues with per-queue
// concurrency. HTTP handlers and the scheduler enqueue; workers drain.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue names. CDR decoding gets its own queue so a slow calendar sync
// cannot starve call accounting.
const (
	QueueDefault = "default"
	QueueCDR     = "cdr"
	QueueSync    = "sync"
	QueueSlow    = "slow"
)

// FinalizeDelay gives out-of-order start events a head start over the
// end event that would close the row.
const FinalizeDelay = time.Second

const queueDepth = 1024

// Task is one unit of queued work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// Expiry drops the task if it is still queued past this time.
	// Zero means never.
	Expiry time.Time
	// SoftLimit caps the task's run time via context deadline.
	// Zero means no limit.
	SoftLimit time.Duration
}

type queue struct {
	name    string
	workers int
	tasks   chan Task
}

// Pool owns the named queues and their workers.
type Pool struct {
	queues  map[string]*queue
	logger  *slog.Logger
	nowFunc func() time.Time

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	nextTimerID int
	timers      map[int]*time.Timer
}

// NewPool creates the standard queues.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queues:  make(map[string]*queue),
		logger:  logger.With("component", "queue"),
		nowFunc: time.Now,
		timers:  make(map[int]*time.Timer),
	}
	for name, workers := range map[string]int{
		QueueDefault: 4,
		QueueCDR:     2,
		QueueSync:    2,
		QueueSlow:    1,
	} {
		p.queues[name] = &queue{name: name, workers: workers, tasks: make(chan Task, queueDepth)}
	}
	return p
}

// Start launches the workers. Tasks enqueued before Start wait in the
// channels.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	for _, q := range p.queues {
		for i := 0; i < q.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, q)
		}
	}
}

// Stop cancels the workers and waits for running tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, q *queue) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			p.run(ctx, q.name, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, queueName string, task Task) {
	if !task.Expiry.IsZero() && p.nowFunc().After(task.Expiry) {
		p.logger.Warn("dropping expired task", "queue", queueName, "task", task.Name)
		return
	}
	if task.SoftLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.SoftLimit)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "queue", queueName, "task", task.Name, "panic", r)
		}
	}()
	if err := task.Run(ctx); err != nil {
		p.logger.Error("task failed", "queue", queueName, "task", task.Name, "error", err)
	}
}

// Enqueue appends a task to a named queue.
func (p *Pool) Enqueue(queueName string, task Task) error {
	q, ok := p.queues[queueName]
	if !ok {
		return fmt.Errorf("unknown queue %q", queueName)
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return fmt.Errorf("queue %q full, dropping %s", queueName, task.Name)
	}
}

// EnqueueDelayed appends a task after a delay. Finalization events use
// this so a racing start event lands first.
func (p *Pool) EnqueueDelayed(queueName string, task Task, delay time.Duration) error {
	if _, ok := p.queues[queueName]; !ok {
		return fmt.Errorf("unknown queue %q", queueName)
	}
	if delay <= 0 {
		return p.Enqueue(queueName, task)
	}
	p.mu.Lock()
	id := p.nextTimerID
	p.nextTimerID++
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, id)
		p.mu.Unlock()
		if err := p.Enqueue(queueName, task); err != nil {
			p.logger.Error("delayed enqueue failed", "queue", queueName, "task", task.Name, "error", err)
		}
	})
	p.mu.Unlock()
	return nil
}

// RunInline executes a task immediately on the caller, used when async
// handling is disabled.
func (p *Pool) RunInline(ctx context.Context, queueName string, task Task) error {
	if task.SoftLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.SoftLimit)
		defer cancel()
	}
	return task.Run(ctx)
}
