package ingest

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// workerPool runs ingests on a fixed set of goroutines. Submit applies
// backpressure once the queue is full.
type workerPool struct {
	workCh   chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	submitMu sync.RWMutex
}

func newWorkerPool(n int) *workerPool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	wp := &workerPool{
		workCh: make(chan func(), n*2),
		stopCh: make(chan struct{}),
	}
	wp.wg.Add(n)
	for range n {
		go wp.worker()
	}
	return wp
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for task := range wp.workCh {
		task()
	}
}

func (wp *workerPool) submit(ctx context.Context, task func()) error {
	wp.submitMu.RLock()
	defer wp.submitMu.RUnlock()
	if wp.closed.Load() {
		return ErrClosed
	}
	select {
	case wp.workCh <- task:
		return nil
	case <-wp.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting work and waits for queued work to finish.
func (wp *workerPool) close() {
	if !wp.closed.CompareAndSwap(false, true) {
		return
	}
	close(wp.stopCh)
	wp.submitMu.Lock()
	close(wp.workCh)
	wp.submitMu.Unlock()
	wp.wg.Wait()
}
