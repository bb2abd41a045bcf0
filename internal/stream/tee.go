package stream

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNilStream is returned when duplicating a nil stream.
var ErrNilStream = errors.New("stream: nil source")

// Tee splits src into two independent copies. A single goroutine pumps src
// and appends every element to an unbounded buffer per copy, so a slow
// reader on one copy never delays the other. Closing one copy detaches it;
// the other keeps receiving until src ends. src is closed once it ends or
// both copies are closed.
func Tee[T any](src Stream[T]) (Stream[T], Stream[T], error) {
	if src == nil {
		return nil, nil, ErrNilStream
	}

	t := &tee[T]{src: src}
	t.branches[0] = newBranch(t)
	t.branches[1] = newBranch(t)
	go t.pump()
	return t.branches[0], t.branches[1], nil
}

// TeeDuplicator returns Tee as a Duplicator.
func TeeDuplicator[T any]() Duplicator[T] {
	return Tee[T]
}

type tee[T any] struct {
	src      Stream[T]
	branches [2]*branch[T]
}

func (t *tee[T]) pump() {
	defer t.src.Close()

	for {
		v, err := t.recv()
		if err != nil {
			for _, b := range t.branches {
				b.finish(err)
			}
			return
		}

		live := 0
		for _, b := range t.branches {
			if b.push(v) {
				live++
			}
		}
		if live == 0 {
			return
		}
	}
}

// recv reads from src, turning a panic into an error so both copies end.
func (t *tee[T]) recv() (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream: source panicked: %v", r)
		}
	}()
	return t.src.Recv()
}

type branch[T any] struct {
	tee *tee[T]

	mu     sync.Mutex
	items  []T
	err    error
	closed bool
	ready  chan struct{}
}

func newBranch[T any](t *tee[T]) *branch[T] {
	return &branch[T]{tee: t, ready: make(chan struct{}, 1)}
}

func (b *branch[T]) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// push appends v and reports whether the branch is still open.
func (b *branch[T]) push(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, v)
	b.mu.Unlock()
	b.signal()
	return true
}

func (b *branch[T]) finish(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.signal()
}

func (b *branch[T]) Recv() (T, error) {
	var zero T
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		if len(b.items) > 0 {
			v := b.items[0]
			b.items[0] = zero
			b.items = b.items[1:]
			b.mu.Unlock()
			return v, nil
		}
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return zero, err
		}
		b.mu.Unlock()
		<-b.ready
	}
}

func (b *branch[T]) Close() error {
	b.mu.Lock()
	b.closed = true
	b.items = nil
	b.mu.Unlock()
	b.signal()
	return nil
}

var _ Stream[int] = (*branch[int])(nil)
