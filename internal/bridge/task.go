package bridge

import (
	"context"
	"errors"
	"sync"
)

// Task is a handle on one bridge goroutine.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Go runs fn in a new goroutine under a cancellable child of ctx.
func Go(ctx context.Context, name string, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		err := fn(ctx)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}()

	return t
}

func (t *Task) Name() string {
	return t.name
}

// Stop asks the task to finish. Bridge loops observe it between messages.
func (t *Task) Stop() {
	t.cancel()
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task returns. A task that ended because it was
// stopped reports nil.
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	if errors.Is(t.err, context.Canceled) {
		return nil
	}
	return t.err
}

// StopAll stops every task and waits for all of them. The first error is
// returned.
func StopAll(tasks ...*Task) error {
	for _, t := range tasks {
		if t != nil {
			t.Stop()
		}
	}
	var first error
	for _, t := range tasks {
		if t == nil {
			continue
		}
		if err := t.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
