package main

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/HakAl/llmtap/internal/emit"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/store"
)

// interactionLister is the part of the store the feed polls.
type interactionLister interface {
	ListInteractions(ctx context.Context, filter store.Filter) ([]*record.Interaction, error)
}

// storeFeed forwards records that instrumented processes write to the
// shared store. Emitters write in batches, so a record can land after a
// newer one; every poll looks back over a window and skips IDs it already
// forwarded.
type storeFeed struct {
	store    interactionLister
	sink     emit.Sink
	interval time.Duration
	lookback time.Duration
	logger   *slog.Logger

	latest time.Time
	seen   map[string]time.Time
}

func newStoreFeed(s interactionLister, sink emit.Sink, start time.Time, logger *slog.Logger) *storeFeed {
	return &storeFeed{
		store:    s,
		sink:     sink,
		interval: time.Second,
		lookback: 30 * time.Second,
		logger:   logger,
		latest:   start.UTC(),
		seen:     make(map[string]time.Time),
	}
}

// Run polls until ctx ends.
func (f *storeFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.poll(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("feed poll failed", "error", err)
			}
		}
	}
}

func (f *storeFeed) poll(ctx context.Context) error {
	from := f.latest.Add(-f.lookback)
	recs, err := f.store.ListInteractions(ctx, store.Filter{StartTime: &from})
	if err != nil {
		return err
	}
	slices.Reverse(recs)

	var fresh []*record.Interaction
	for _, rec := range recs {
		if _, ok := f.seen[rec.ID]; ok {
			continue
		}
		f.seen[rec.ID] = rec.Timestamp
		if rec.Timestamp.After(f.latest) {
			f.latest = rec.Timestamp
		}
		fresh = append(fresh, rec)
	}

	cutoff := f.latest.Add(-f.lookback)
	for id, ts := range f.seen {
		if ts.Before(cutoff) {
			delete(f.seen, id)
		}
	}

	if len(fresh) == 0 {
		return nil
	}
	return f.sink.Write(ctx, fresh)
}
