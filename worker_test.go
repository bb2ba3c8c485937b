package segkv

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerRunsInOrder(t *testing.T) {
	w := newWorker("test", 4)

	var order []int
	var last <-chan struct{}
	for i := 0; i < 10; i++ {
		done, ok := w.submit(func() { order = append(order, i) })
		if !ok {
			t.Fatalf("submit %d rejected", i)
		}
		last = done
	}
	<-last
	w.stop()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if len(order) != 10 {
		t.Errorf("ran %d tasks, want 10", len(order))
	}
}

func TestWorkerStopDrainsQueue(t *testing.T) {
	w := newWorker("test", 8)

	gate := make(chan struct{})
	var ran atomic.Int32
	w.submit(func() { <-gate })
	for i := 0; i < 5; i++ {
		w.submit(func() { ran.Add(1) })
	}

	stopped := make(chan struct{})
	go func() {
		w.stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a task was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	<-stopped

	if ran.Load() != 5 {
		t.Errorf("ran %d queued tasks, want 5", ran.Load())
	}
	if _, ok := w.submit(func() {}); ok {
		t.Error("submit after stop should be rejected")
	}
	w.stop()
}
