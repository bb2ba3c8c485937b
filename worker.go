package segkv

import "sync"

// worker runs submitted tasks one at a time on its own goroutine.
type worker struct {
	name  string
	tasks chan task
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
}

type task struct {
	fn   func()
	done chan struct{}
}

// newWorker starts a worker whose queue holds up to queue pending tasks.
func newWorker(name string, queue int) *worker {
	w := &worker{
		name:  name,
		tasks: make(chan task, queue),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	defer close(w.done)
	for t := range w.tasks {
		t.fn()
		close(t.done)
	}
}

// submit queues fn and returns a channel closed once fn has returned.
// It reports false after stop. Submit blocks while the queue is full.
func (w *worker) submit(fn func()) (<-chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil, false
	}
	t := task{fn: fn, done: make(chan struct{})}
	w.tasks <- t
	return t.done, true
}

// stop rejects new tasks, runs the queued ones and waits for the goroutine
// to exit.
func (w *worker) stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.tasks)
	}
	w.mu.Unlock()
	<-w.done
}
