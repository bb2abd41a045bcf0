package intercept

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTasks_WaitCoversQueuedWork(t *testing.T) {
	tasks := NewTasks(2, nil)

	var done atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 10; i++ {
		tasks.Go(func(context.Context) {
			<-release
			done.Add(1)
		})
	}

	close(release)
	tasks.Wait()
	if n := done.Load(); n != 10 {
		t.Errorf("Wait returned after %d of 10 tasks", n)
	}
}

func TestTasks_GoNeverBlocks(t *testing.T) {
	tasks := NewTasks(1, nil)
	release := make(chan struct{})

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			tasks.Go(func(context.Context) { <-release })
		}
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Go blocked on a full task sink")
	}
	close(release)
	tasks.Wait()
}

func TestTasks_PanicIsLogged(t *testing.T) {
	var logs bytes.Buffer
	tasks := NewTasks(0, slog.New(slog.NewTextHandler(&logs, nil)))

	tasks.Go(func(context.Context) { panic("oops") })
	tasks.Wait()

	if !strings.Contains(logs.String(), "background task panicked") {
		t.Errorf("logs = %q", logs.String())
	}
}

func TestTasks_NestedGo(t *testing.T) {
	tasks := NewTasks(1, nil)
	var inner atomic.Bool

	tasks.Go(func(context.Context) {
		tasks.Go(func(context.Context) { inner.Store(true) })
	})
	tasks.Wait()

	if !inner.Load() {
		t.Error("Wait returned before the nested task ran")
	}
}
