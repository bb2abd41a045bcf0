// Package emit delivers finished interaction records to their sinks.
//
// The interceptor hands records to a QueueEmitter, which buffers them in a
// bounded priority queue and flushes batches to every configured Sink from a
// single background goroutine.
package emit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HakAl/llmtap/internal/queue"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/store"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("emit: emitter closed")

// Sink receives batches of records.
type Sink interface {
	Name() string
	Write(ctx context.Context, recs []*record.Interaction) error
}

// DropLogger records records the queue discarded.
type DropLogger interface {
	LogDrop(ctx context.Context, entry *store.DropLogEntry) error
}

// Redactor scrubs a record before any sink sees it.
type Redactor interface {
	Redact(rec *record.Interaction)
}

// Options configures a QueueEmitter.
type Options struct {
	QueueMaxSize int
	BatchSize    int
	BatchTimeout time.Duration
	Drops        DropLogger
	Redactor     Redactor
	Logger       *slog.Logger
}

func (o *Options) setDefaults() {
	if o.QueueMaxSize <= 0 {
		o.QueueMaxSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// QueueEmitter buffers records and flushes them to sinks in batches.
type QueueEmitter struct {
	q      *queue.Queue
	sinks  []Sink
	opts   Options
	logger *slog.Logger

	flushMu sync.Mutex
	done    chan struct{}
}

// NewQueueEmitter starts the flush loop. Call Close to drain and stop it.
func NewQueueEmitter(sinks []Sink, opts Options) *QueueEmitter {
	opts.setDefaults()
	e := &QueueEmitter{
		q:      queue.NewQueue(opts.QueueMaxSize),
		sinks:  sinks,
		opts:   opts,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Log enqueues rec. It never blocks on sinks. When the queue is full the
// lowest-priority record is dropped and, if configured, written to the drop
// log.
func (e *QueueEmitter) Log(ctx context.Context, rec *record.Interaction) error {
	if rec == nil {
		return nil
	}
	dropped := e.q.Push(rec)
	if dropped == nil {
		return nil
	}

	reason := "queue full"
	select {
	case <-e.q.Done():
		reason = "emitter closed"
	default:
	}
	e.logger.Warn("dropped interaction",
		"id", dropped.Record.ID,
		"priority", dropped.Priority.String(),
		"reason", reason,
	)
	if e.opts.Drops != nil {
		id := dropped.Record.ID
		provider := string(dropped.Record.Provider)
		entry := &store.DropLogEntry{
			InteractionID: &id,
			Provider:      &provider,
			Priority:      dropped.Priority.String(),
			Reason:        reason,
		}
		if err := e.opts.Drops.LogDrop(context.WithoutCancel(ctx), entry); err != nil {
			e.logger.Error("failed to log drop", "error", err)
		}
	}

	if dropped.Record == rec && reason == "emitter closed" {
		return ErrClosed
	}
	return nil
}

// Stats returns queue statistics.
func (e *QueueEmitter) Stats() queue.Stats {
	return e.q.Stats()
}

func (e *QueueEmitter) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.opts.BatchTimeout)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-e.q.Done():
			e.flush(ctx, true)
			return
		case <-e.q.NotifyCh():
			if e.q.Len() >= e.opts.BatchSize {
				e.flush(ctx, false)
			}
		case <-ticker.C:
			e.flush(ctx, true)
		}
	}
}

// flush writes full batches, and the trailing partial batch when all is set.
func (e *QueueEmitter) flush(ctx context.Context, all bool) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	for {
		n := e.q.Len()
		if n == 0 || (!all && n < e.opts.BatchSize) {
			return
		}
		items := e.q.PopBatch(e.opts.BatchSize)
		recs := make([]*record.Interaction, len(items))
		for i, item := range items {
			recs[i] = item.Record
			if e.opts.Redactor != nil {
				e.opts.Redactor.Redact(recs[i])
			}
		}
		e.write(ctx, recs)
	}
}

func (e *QueueEmitter) write(ctx context.Context, recs []*record.Interaction) {
	for _, sink := range e.sinks {
		if err := e.safeWrite(ctx, sink, recs); err != nil {
			e.logger.Error("sink write failed",
				"sink", sink.Name(),
				"records", len(recs),
				"error", err,
			)
		}
	}
}

func (e *QueueEmitter) safeWrite(ctx context.Context, sink Sink, recs []*record.Interaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &sinkPanic{value: r}
		}
	}()
	return sink.Write(ctx, recs)
}

type sinkPanic struct{ value any }

func (p *sinkPanic) Error() string { return fmt.Sprintf("sink panicked: %v", p.value) }

// Flush writes every queued record now.
func (e *QueueEmitter) Flush(ctx context.Context) error {
	e.flush(ctx, true)
	return ctx.Err()
}

// Close stops accepting records, flushes what is queued, and waits for the
// flush loop to exit or ctx to end.
func (e *QueueEmitter) Close(ctx context.Context) error {
	e.q.Close()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
