package mcp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := newWorkerPool(2)
	defer pool.close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		pool.submit(func() {
			defer wg.Done()
			count.Add(1)
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not finish")
	}
	if count.Load() != 50 {
		t.Fatalf("expected 50 tasks, ran %d", count.Load())
	}
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	pool := newWorkerPool(1)
	pool.close()

	ran := false
	pool.submit(func() { ran = true })
	if !ran {
		t.Fatal("task submitted after close did not run inline")
	}
}

func TestWorkerPoolCloseDrainsQueue(t *testing.T) {
	pool := newWorkerPool(1)

	var count atomic.Int32
	block := make(chan struct{})
	pool.submit(func() { <-block })
	for i := 0; i < 5; i++ {
		pool.submit(func() { count.Add(1) })
	}
	close(block)

	pool.close()
	if count.Load() != 5 {
		t.Fatalf("expected queued tasks to drain, ran %d", count.Load())
	}
}

func TestWorkerPoolCloseIdempotent(t *testing.T) {
	pool := newWorkerPool(1)
	pool.close()
	pool.close()
}
