package intercept

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Tasks runs background work off the caller's path: record emission and
// draining the logging copy of split streams. Wait blocks until everything
// started so far has finished.
type Tasks struct {
	ctx    context.Context
	logger *slog.Logger

	// group bounds how many tasks run at once.
	group   errgroup.Group
	pending sync.WaitGroup
}

// NewTasks creates a task sink running at most limit tasks at once.
// A limit <= 0 means no limit.
func NewTasks(limit int, logger *slog.Logger) *Tasks {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tasks{ctx: context.Background(), logger: logger}
	if limit > 0 {
		t.group.SetLimit(limit)
	}
	return t
}

// Go runs fn in the background. It never blocks: when every slot is busy
// fn waits for one in its own goroutine.
func (t *Tasks) Go(fn func(context.Context)) {
	t.pending.Add(1)
	task := func() error {
		defer t.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("background task panicked", "panic", r)
			}
		}()
		fn(t.ctx)
		return nil
	}

	if t.group.TryGo(task) {
		return
	}
	go t.group.Go(task)
}

// Wait blocks until all started tasks, including ones still waiting for a
// slot, have finished.
func (t *Tasks) Wait() {
	t.pending.Wait()
}
