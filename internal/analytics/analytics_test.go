package analytics

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/store"
)

var day = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T) *Engine {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", config.RetentionConfig{})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	d := func(ms int64) *int64 { return &ms }
	recs := []*record.Interaction{
		{ID: "1", Provider: record.ProviderOpenAI, Timestamp: day, Model: "gpt-4o", Status: record.StatusSuccess,
			DurationMs: d(100), Tokens: record.Tokens{Input: record.Int(10), Output: record.Int(5)}},
		{ID: "2", Provider: record.ProviderOpenAI, Timestamp: day.Add(time.Hour), Model: "gpt-4o", Status: record.StatusError,
			DurationMs: d(300), ErrorMessage: "boom"},
		{ID: "3", Provider: record.ProviderAnthropic, Timestamp: day.Add(25 * time.Hour), Model: "claude-3-5-sonnet", Status: record.StatusSuccess,
			Tokens: record.Tokens{Input: record.Int(20), Output: record.Int(7)}, Metadata: map[string]any{"streaming": true}},
	}
	if err := s.SaveInteractions(context.Background(), recs); err != nil {
		t.Fatalf("SaveInteractions: %v", err)
	}
	return NewEngine(s.DB())
}

func TestGetOverallStats(t *testing.T) {
	e := seed(t)

	stats, err := e.GetOverallStats(context.Background(), day.Add(-time.Hour), day.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("GetOverallStats: %v", err)
	}

	counts := [5]int{stats.TotalInteractions, stats.ErrorCount, stats.StreamingCount, stats.TotalTokensIn, stats.TotalTokensOut}
	if want := [5]int{3, 1, 1, 30, 12}; counts != want {
		t.Errorf("total/errors/streaming/in/out = %v, want %v", counts, want)
	}
	floats := []struct {
		name      string
		got, want float64
		tolerance float64
	}{
		{"avg duration", stats.AvgDurationMs, 200, 0.001},
		{"error rate", stats.ErrorRate, 33.333, 0.01},
		{"avg tokens per call", stats.AvgTokensPerCall, 14, 0.001},
	}
	for _, tt := range floats {
		if math.Abs(tt.got-tt.want) > tt.tolerance {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestGetOverallStats_Empty(t *testing.T) {
	e := seed(t)

	stats, err := e.GetOverallStats(context.Background(), day.Add(-48*time.Hour), day.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("GetOverallStats: %v", err)
	}
	if stats.TotalInteractions != 0 || stats.ErrorRate != 0 {
		t.Errorf("Got = %+v, want zero stats", stats)
	}
}

func TestGetUsageByModel(t *testing.T) {
	e := seed(t)

	buckets, err := e.GetUsageByModel(context.Background(), day.Add(-time.Hour), day.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("GetUsageByModel: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("Got %d buckets, want 2", len(buckets))
	}

	if b := buckets[0]; b.Key != "openai/gpt-4o" || b.Count != 2 || b.ErrorCount != 1 {
		t.Errorf("first bucket = %+v", b)
	}
	if b := buckets[1]; b.Key != "anthropic/claude-3-5-sonnet" || b.TotalTokensIn != 20 {
		t.Errorf("second bucket = %+v", b)
	}
}

func TestGetUsageByDay(t *testing.T) {
	e := seed(t)

	buckets, err := e.GetUsageByDay(context.Background(), day.Add(-time.Hour), day.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("GetUsageByDay: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("Got %d buckets, want 2", len(buckets))
	}
	if b := buckets[0]; b.Key != "2026-05-04" || b.Count != 2 {
		t.Errorf("first day = %+v", b)
	}
	if b := buckets[1]; b.Key != "2026-05-05" {
		t.Errorf("second day = %+v", b)
	}
}

func TestDetect(t *testing.T) {
	slow := int64(45000)
	rec := &record.Interaction{
		ID:         "x",
		Status:     record.StatusSuccess,
		DurationMs: &slow,
		Tokens:     record.Tokens{Input: record.Int(150000)},
		Metadata: map[string]any{
			"incomplete":         true,
			"tool_result_errors": 2,
			"tool_uses":          []string{"a", "b", "c"},
		},
	}

	anomalies := Detect(rec, &AnomalyThresholds{LargeContextTokens: 100000, SlowResponseMs: 30000, ManyToolCallsCount: 2})

	var types []AnomalyType
	for _, a := range anomalies {
		if a.InteractionID != "x" {
			t.Errorf("anomaly %s has InteractionID %q", a.Type, a.InteractionID)
		}
		types = append(types, a.Type)
	}
	want := []AnomalyType{
		AnomalyLargeContext, AnomalySlowResponse, AnomalyIncomplete, AnomalyToolFailure, AnomalyManyToolCalls,
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("Got = %v, want %v", types, want)
	}
}

func TestDetect_TeeFailedAndStoredShapes(t *testing.T) {
	rec := &record.Interaction{
		ID:     "y",
		Status: record.StatusSuccess,
		Metadata: map[string]any{
			"tee_failed":         true,
			"incomplete":         true,
			"tool_result_errors": float64(1),
		},
	}

	anomalies := Detect(rec, nil)
	if len(anomalies) != 2 {
		t.Fatalf("Got %d anomalies, want 2", len(anomalies))
	}
	if anomalies[0].Type != AnomalyTeeFailed || anomalies[1].Type != AnomalyToolFailure {
		t.Errorf("Got = %v, %v; want tee_failed then tool_failure", anomalies[0].Type, anomalies[1].Type)
	}
}

func TestDetect_Clean(t *testing.T) {
	if got := Detect(&record.Interaction{ID: "z", Status: record.StatusSuccess}, nil); len(got) != 0 {
		t.Errorf("clean record = %v, want no anomalies", got)
	}
	if got := Detect(nil, nil); got != nil {
		t.Errorf("Detect(nil) = %v, want nil", got)
	}
}
