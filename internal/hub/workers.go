package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/DavidKalina/realtime-markers-demo-sub007/internal/monitoring"
)

// workerPool runs flush tasks across a fixed set of goroutines so one tick
// fans out to many sessions in parallel. Submission never blocks; a full
// queue reports false and the caller runs the task inline, which keeps
// every flush executed exactly once.
type workerPool struct {
	count  int
	tasks  chan func()
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newWorkerPool(count, queueSize int, logger zerolog.Logger) *workerPool {
	if count <= 0 {
		count = 1
	}
	if queueSize <= 0 {
		queueSize = count * 100
	}
	return &workerPool{
		count:  count,
		tasks:  make(chan func(), queueSize),
		logger: logger,
	}
}

func (wp *workerPool) Start() {
	for i := 0; i < wp.count; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for task := range wp.tasks {
		func() {
			defer monitoring.RecoverPanic(wp.logger, "flush-worker", nil)
			task()
		}()
	}
}

// TrySubmit queues a task, reporting false when the queue is full.
func (wp *workerPool) TrySubmit(task func()) bool {
	select {
	case wp.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop drains remaining tasks and waits for the workers to exit. No
// TrySubmit may run concurrently with or after Stop.
func (wp *workerPool) Stop() {
	close(wp.tasks)
	wp.wg.Wait()
}

func (wp *workerPool) QueueDepth() int    { return len(wp.tasks) }
func (wp *workerPool) QueueCapacity() int { return cap(wp.tasks) }
