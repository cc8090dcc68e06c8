package pipeline

import (
	"context"
	"sync"
)

// WorkerPool runs a fixed number of goroutines over a bounded queue of job ids.
type WorkerPool struct {
	workers    int
	taskQueue  chan string
	workerFunc func(context.Context, string)
	wg         sync.WaitGroup
}

func NewWorkerPool(workers, queueSize int, workerFunc func(context.Context, string)) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool{
		workers:    workers,
		taskQueue:  make(chan string, queueSize),
		workerFunc: workerFunc,
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

// TrySubmit queues jobID without blocking and reports whether there was room.
func (wp *WorkerPool) TrySubmit(jobID string) bool {
	select {
	case wp.taskQueue <- jobID:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for the workers. Ids still queued when the
// context is cancelled are returned.
func (wp *WorkerPool) Stop() []string {
	close(wp.taskQueue)
	wp.wg.Wait()
	var pending []string
	for id := range wp.taskQueue {
		pending = append(pending, id)
	}
	return pending
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()

	for {
		select {
		case id, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			wp.workerFunc(ctx, id)

		case <-ctx.Done():
			return
		}
	}
}
