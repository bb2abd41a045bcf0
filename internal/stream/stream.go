// Package stream aggregates incremental provider chunks into a single
// interaction and provides the stream plumbing used by the interceptor.
package stream

import (
	"errors"
	"io"
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("stream: closed")

// Stream is an incremental sequence of provider chunks. Recv returns io.EOF
// once the sequence is exhausted.
type Stream[T any] interface {
	Recv() (T, error)
	Close() error
}

// Duplicator splits a stream into two independent copies.
type Duplicator[T any] func(Stream[T]) (Stream[T], Stream[T], error)

// FromSlice returns a stream that yields items in order and then io.EOF.
func FromSlice[T any](items []T) Stream[T] {
	return &sliceStream[T]{items: items}
}

type sliceStream[T any] struct {
	items  []T
	closed bool
}

func (s *sliceStream[T]) Recv() (T, error) {
	var zero T
	if s.closed {
		return zero, ErrClosed
	}
	if len(s.items) == 0 {
		return zero, io.EOF
	}
	v := s.items[0]
	s.items = s.items[1:]
	return v, nil
}

func (s *sliceStream[T]) Close() error {
	s.closed = true
	return nil
}

// Drain reads s until it ends and closes it. It returns nil at io.EOF.
func Drain[T any](s Stream[T], fn func(T)) error {
	defer s.Close()
	for {
		v, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if fn != nil {
			fn(v)
		}
	}
}
