package deploy

import (
	"context"
	"sync"
)

// taskTracker owns the background pipelines, keyed by row ID, so in-flight
// work can be cancelled and observed instead of running as bare goroutines.
type taskTracker struct {
	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{tasks: make(map[string]*task)}
}

// Run starts fn as a tracked background task.
func (t *taskTracker) Run(id string, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := &task{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.tasks[id] = tk
	t.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			t.mu.Lock()
			delete(t.tasks, id)
			t.mu.Unlock()
			close(tk.done)
		}()
		fn(ctx)
	}()
}

// Cancel signals the task for id, if it is still running.
func (t *taskTracker) Cancel(id string) bool {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	tk.cancel()
	return true
}

// Wait blocks until the task for id finishes. Unknown ids return right away.
func (t *taskTracker) Wait(id string) {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	<-tk.done
}

// CancelAll signals every tracked task, used on shutdown.
func (t *taskTracker) CancelAll() {
	t.mu.Lock()
	for _, tk := range t.tasks {
		tk.cancel()
	}
	t.mu.Unlock()
}
