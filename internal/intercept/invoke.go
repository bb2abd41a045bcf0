package intercept

import (
	"context"
	"sync"

	"github.com/HakAl/llmtap/internal/stream"
)

// Invoke calls fn and records the outcome. The value and error fn returns
// are passed back unchanged. A panic in fn is recorded and then re-raised
// with the original value.
func Invoke[T any](ctx context.Context, c Call, request any, fn func(context.Context) (T, error)) (T, error) {
	if !c.Observed() {
		return fn(ctx)
	}

	st := c.begin(ctx, request)
	defer st.recoverPanic()

	v, err := fn(st.ctx)
	if err != nil {
		st.fail(err)
		return v, err
	}
	st.succeed(v)
	return v, nil
}

// StreamMode says how a provider's streams are observed. It is fixed per
// adapter.
type StreamMode[T any] struct {
	dup stream.Duplicator[T]
}

// Duplicable observes streams by splitting them with dup: the caller gets
// one copy and a background task drains the other.
func Duplicable[T any](dup stream.Duplicator[T]) StreamMode[T] {
	return StreamMode[T]{dup: dup}
}

// SingleConsumerOnly observes streams by feeding each element the caller
// receives to the accumulator on its way through.
func SingleConsumerOnly[T any]() StreamMode[T] {
	return StreamMode[T]{}
}

// Duplicable reports whether m splits streams.
func (m StreamMode[T]) Duplicable() bool {
	return m.dup != nil
}

// InvokeStream calls fn and records the stream it returns once the stream
// ends. Errors and panics from fn are handled as in Invoke.
func InvokeStream[T any](ctx context.Context, c Call, request any, mode StreamMode[T], fn func(context.Context) (stream.Stream[T], error)) (stream.Stream[T], error) {
	if !c.Observed() {
		return fn(ctx)
	}

	st := c.begin(ctx, request)
	defer st.recoverPanic()

	src, err := fn(st.ctx)
	if err != nil {
		st.fail(err)
		return src, err
	}
	if src == nil {
		st.finishStream(stream.NewAccumulator(st.provider).Finish(nil), modeName(mode))
		return src, nil
	}

	if mode.Duplicable() {
		return duplicate(st, mode.dup, src), nil
	}
	return &interposed[T]{st: st, src: src, acc: stream.NewAccumulator(st.provider)}, nil
}

func modeName[T any](m StreamMode[T]) string {
	if m.Duplicable() {
		return modeTee
	}
	return modeInterposed
}

// duplicate splits src and drains the logging copy in the background. If
// the split fails, src is returned untouched and a minimal record is emitted.
func duplicate[T any](st *callState, dup stream.Duplicator[T], src stream.Stream[T]) stream.Stream[T] {
	caller, logger, err := safeDuplicate(dup, src)
	if err != nil {
		st.teeFailed(err)
		return src
	}

	acc := stream.NewAccumulator(st.provider)
	st.ic.tasks.Go(func(context.Context) {
		err := stream.Drain(logger, func(v T) {
			st.ic.safely("accumulate", func() { acc.Add(v) })
		})
		st.finishStream(acc.Finish(err), modeTee)
	})
	return caller
}

func safeDuplicate[T any](dup stream.Duplicator[T], src stream.Stream[T]) (a, b stream.Stream[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			a, b, err = nil, nil, &PanicError{Value: r}
		}
	}()
	a, b, err = dup(src)
	if err == nil && (a == nil || b == nil) {
		err = stream.ErrNilStream
	}
	return a, b, err
}

// interposed hands each element to the accumulator on its way to the caller.
type interposed[T any] struct {
	st  *callState
	src stream.Stream[T]
	acc *stream.Accumulator

	once sync.Once
}

// Recv records the stream as failed when the source panics, then re-raises
// the panic.
func (s *interposed[T]) Recv() (T, error) {
	defer func() {
		if r := recover(); r != nil {
			s.finish(func() stream.Result {
				s.st.meta[MetaPanic] = true
				return s.acc.Finish(&PanicError{Value: r})
			})
			panic(r)
		}
	}()

	v, err := s.src.Recv()
	if err != nil {
		s.finish(func() stream.Result { return s.acc.Finish(err) })
		return v, err
	}
	s.st.ic.safely("accumulate", func() { s.acc.Add(v) })
	return v, nil
}

// Close stops logging. A stream closed before it ended is recorded as
// abandoned with whatever was received so far.
func (s *interposed[T]) Close() error {
	s.finish(s.acc.Abandon)
	return s.src.Close()
}

func (s *interposed[T]) finish(result func() stream.Result) {
	s.once.Do(func() {
		s.st.finishStream(result(), modeInterposed)
	})
}
