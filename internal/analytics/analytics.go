// Package analytics provides usage summaries over stored interactions and
// per-record anomaly detection.
package analytics

import (
	"context"
	"database/sql"
	"time"
)

// timeLayout matches the store's timestamp encoding.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Engine provides analytics queries.
type Engine struct {
	db *sql.DB
}

// NewEngine creates a new analytics engine.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// OverallStats represents summary statistics.
type OverallStats struct {
	TotalInteractions int
	ErrorCount        int
	StreamingCount    int
	TotalTokensIn     int
	TotalTokensOut    int
	AvgDurationMs     float64
	ErrorRate         float64 // percent
	AvgTokensPerCall  float64
}

// GetOverallStats returns summary statistics for a time range.
func (e *Engine) GetOverallStats(ctx context.Context, start, end time.Time) (*OverallStats, error) {
	var stats OverallStats

	row := e.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(streaming), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM interactions
		WHERE timestamp >= ? AND timestamp <= ?
	`, format(start), format(end))

	err := row.Scan(
		&stats.TotalInteractions,
		&stats.ErrorCount,
		&stats.StreamingCount,
		&stats.TotalTokensIn,
		&stats.TotalTokensOut,
		&stats.AvgDurationMs,
	)
	if err != nil {
		return nil, err
	}

	if stats.TotalInteractions > 0 {
		stats.ErrorRate = float64(stats.ErrorCount) / float64(stats.TotalInteractions) * 100
		stats.AvgTokensPerCall = float64(stats.TotalTokensIn+stats.TotalTokensOut) / float64(stats.TotalInteractions)
	}

	return &stats, nil
}

// UsageBucket represents usage aggregated by a grouping key.
type UsageBucket struct {
	Key            string // provider/model or ISO date
	Count          int
	ErrorCount     int
	TotalTokensIn  int
	TotalTokensOut int
}

// GetUsageByModel returns a breakdown per provider and model, busiest first.
func (e *Engine) GetUsageByModel(ctx context.Context, start, end time.Time) ([]*UsageBucket, error) {
	return e.usage(ctx, `
		SELECT
			provider || '/' || model AS bucket,
			COUNT(*) AS n,
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM interactions
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY provider, model
		ORDER BY n DESC, bucket
	`, start, end)
}

// GetUsageByDay returns a daily breakdown.
func (e *Engine) GetUsageByDay(ctx context.Context, start, end time.Time) ([]*UsageBucket, error) {
	return e.usage(ctx, `
		SELECT
			substr(timestamp, 1, 10) AS bucket,
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM interactions
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY bucket
		ORDER BY bucket
	`, start, end)
}

func (e *Engine) usage(ctx context.Context, query string, start, end time.Time) ([]*UsageBucket, error) {
	rows, err := e.db.QueryContext(ctx, query, format(start), format(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []*UsageBucket
	for rows.Next() {
		var b UsageBucket
		if err := rows.Scan(&b.Key, &b.Count, &b.ErrorCount, &b.TotalTokensIn, &b.TotalTokensOut); err != nil {
			return nil, err
		}
		buckets = append(buckets, &b)
	}

	return buckets, rows.Err()
}

func format(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
