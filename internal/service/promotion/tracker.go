package promotion

import (
	"context"
	"sync"
)

// tracker owns the background step sequences, keyed by deployment ID.
type tracker struct {
	mu    sync.Mutex
	tasks map[string]*trackedTask
}

type trackedTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newTracker() *tracker {
	return &tracker{tasks: make(map[string]*trackedTask)}
}

func (t *tracker) run(id string, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := &trackedTask{cancel: cancel, done: make(chan struct{})}
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

func (t *tracker) wait(id string) {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	<-tk.done
}

func (t *tracker) cancelAll() {
	t.mu.Lock()
	for _, tk := range t.tasks {
		tk.cancel()
	}
	t.mu.Unlock()
}
