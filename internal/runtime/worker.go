// Package runtime hosts the mesh runtime: nodes, sessions, the per-mesh
// command consumer, the worker pool, and the process-wide manager.
package runtime

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrWorkerStopped is returned by Submit after the worker shut down.
var ErrWorkerStopped = errors.New("worker stopped")

const workerQueueCapacity = 1024

// Worker is a serialized task executor: one goroutine draining a FIFO
// channel. Every mesh is pinned to exactly one worker for life, and all of
// its node-state mutation runs here, which gives the single-threaded
// execution domain nodes rely on. Multiple meshes may share a worker.
type Worker struct {
	idx   int
	tasks chan func()
	done  chan struct{}
	ready chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup
}

// NewWorker creates a stopped worker with the given pool index.
func NewWorker(idx int) *Worker {
	return &Worker{
		idx:   idx,
		tasks: make(chan func(), workerQueueCapacity),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

// Index returns the worker's position in the pool.
func (w *Worker) Index() int { return w.idx }

// Start launches the run loop and signals readiness.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	<-w.ready
}

// Stop signals the loop to exit and joins it. Queued tasks that have not
// started are discarded.
func (w *Worker) Stop() {
	w.stop.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Submit posts task for serialized execution. Blocks when the queue is full.
func (w *Worker) Submit(task func()) error {
	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.tasks <- task:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	}
}

// Call runs task on the worker and waits for it to finish. Used where the
// caller needs the result of serialized state access.
func (w *Worker) Call(task func()) error {
	doneCh := make(chan struct{})
	if err := w.Submit(func() {
		defer close(doneCh)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-doneCh:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	close(w.ready)
	slog.Debug("worker started", "worker", w.idx)
	for {
		select {
		case <-w.done:
			slog.Debug("worker stopped", "worker", w.idx)
			return
		case task := <-w.tasks:
			w.invoke(task)
		}
	}
}

func (w *Worker) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "worker", w.idx, "panic", r)
		}
	}()
	task()
}
