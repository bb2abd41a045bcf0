package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("parser: stream closed")

// JSONStream decodes the data of each event in an SSE body as T.
type JSONStream[T any] struct {
	body   io.ReadCloser
	reader *SSEReader
	check  func(Event) error

	mu     sync.Mutex
	closed bool
}

// NewJSONStream reads events from body. check, when not nil, sees every
// event first and ends the stream with the error it returns.
func NewJSONStream[T any](body io.ReadCloser, check func(Event) error) *JSONStream[T] {
	return &JSONStream[T]{body: body, reader: NewSSEReader(body), check: check}
}

// Recv returns the next decoded event, or io.EOF at the end of the stream
// or at a Done event.
func (s *JSONStream[T]) Recv() (T, error) {
	var zero T

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return zero, ErrClosed
	}

	ev, err := s.reader.Next()
	if err != nil {
		return zero, err
	}
	if ev.Data == Done {
		return zero, io.EOF
	}
	if s.check != nil {
		if err := s.check(ev); err != nil {
			return zero, err
		}
	}

	var v T
	if err := json.Unmarshal([]byte(ev.Data), &v); err != nil {
		return zero, fmt.Errorf("decoding %q event: %w", ev.Type, err)
	}
	return v, nil
}

// Close releases the body. It is safe to call more than once.
func (s *JSONStream[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
