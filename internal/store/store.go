// Package store provides interaction persistence using SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/HakAl/llmtap/internal/record"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// DropLogEntry represents a record the emit queue discarded.
type DropLogEntry struct {
	ID            int64
	InteractionID *string
	Provider      *string
	Priority      string
	Reason        string
	Timestamp     time.Time
}

// Filter defines filter criteria for interaction queries.
type Filter struct {
	Provider   *record.Provider
	Model      *string
	Status     *record.Status
	Method     *string
	WorkflowID *string
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

// Store defines the interface for interaction persistence.
type Store interface {
	SaveInteraction(ctx context.Context, rec *record.Interaction) error
	SaveInteractions(ctx context.Context, recs []*record.Interaction) error
	GetInteraction(ctx context.Context, id string) (*record.Interaction, error)
	ListInteractions(ctx context.Context, filter Filter) ([]*record.Interaction, error)
	CountInteractions(ctx context.Context, filter Filter) (int, error)

	LogDrop(ctx context.Context, entry *DropLogEntry) error
	ListDrops(ctx context.Context, limit int) ([]*DropLogEntry, error)

	RunRetention(ctx context.Context) (deleted int64, err error)
	Close() error
}
