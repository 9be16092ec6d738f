// Package workerpool runs a fixed number of workers over submitted jobs.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stealthscrape/pkg/logger"
)

// Job is one unit of work. Index lets callers restore input order.
type Job[T any] struct {
	Index int
	Input T
}

// Result is the outcome of a job
type Result[T, R any] struct {
	Job      Job[T]
	Output   R
	Duration time.Duration
}

// Handler processes a single input. It receives the context the pool was
// created with and must return promptly once that context is done.
type Handler[T, R any] func(ctx context.Context, input T) R

// WorkerPool manages concurrent workers
type WorkerPool[T, R any] struct {
	numWorkers  int
	jobQueue    chan Job[T]
	resultQueue chan Result[T, R]
	wg          sync.WaitGroup
	workCtx     context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	handler     Handler[T, R]
	logger      logger.Logger

	// mu guards stopped against sends on the closed queue
	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a worker pool. Jobs are handed to handler with
// ctx; every submitted job yields exactly one result, even after ctx is
// cancelled.
func NewWorkerPool[T, R any](ctx context.Context, numWorkers int, handler Handler[T, R], log logger.Logger) *WorkerPool[T, R] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}

	poolCtx, cancel := context.WithCancel(context.Background())
	return &WorkerPool[T, R]{
		numWorkers:  numWorkers,
		jobQueue:    make(chan Job[T], numWorkers*2),
		resultQueue: make(chan Result[T, R], numWorkers),
		workCtx:     ctx,
		ctx:         poolCtx,
		cancel:      cancel,
		handler:     handler,
		logger:      log.WithComponent("workerpool"),
	}
}

// Start starts all workers
func (wp *WorkerPool[T, R]) Start() {
	wp.logger.DebugWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the queue, waits for queued jobs to finish and closes the
// result channel. Results must be drained concurrently.
func (wp *WorkerPool[T, R]) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.cancel()
	close(wp.jobQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
	close(wp.resultQueue)

	wp.logger.Debug("Worker pool stopped")
}

// Submit queues a job, blocking while the queue is full
func (wp *WorkerPool[T, R]) Submit(job Job[T]) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return fmt.Errorf("worker pool is shutting down")
	}

	select {
	case wp.jobQueue <- job:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Results returns the result channel
func (wp *WorkerPool[T, R]) Results() <-chan Result[T, R] {
	return wp.resultQueue
}

func (wp *WorkerPool[T, R]) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		start := time.Now()
		out := wp.handler(wp.workCtx, job.Input)

		wp.resultQueue <- Result[T, R]{
			Job:      job,
			Output:   out,
			Duration: time.Since(start),
		}
	}

	wp.logger.DebugWithFields("Worker stopping - job queue closed", map[string]interface{}{
		"worker_id": id,
	})
}

// QueueSize returns the number of queued jobs
func (wp *WorkerPool[T, R]) QueueSize() int {
	return len(wp.jobQueue)
}

// Workers returns the number of workers
func (wp *WorkerPool[T, R]) Workers() int {
	return wp.numWorkers
}

// Run processes inputs with at most numWorkers in flight and returns the
// outputs in input order.
func Run[T, R any](ctx context.Context, numWorkers int, inputs []T, handler Handler[T, R], log logger.Logger) []R {
	out := make([]R, len(inputs))
	if len(inputs) == 0 {
		return out
	}
	if numWorkers > len(inputs) {
		numWorkers = len(inputs)
	}

	pool := NewWorkerPool(ctx, numWorkers, handler, log)
	pool.Start()

	go func() {
		for i, in := range inputs {
			// Submit only fails after Stop, which happens below.
			_ = pool.Submit(Job[T]{Index: i, Input: in})
		}
		pool.Stop()
	}()

	for r := range pool.Results() {
		out[r.Job.Index] = r.Output
	}
	return out
}
