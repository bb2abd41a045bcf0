package analytics

import (
	"fmt"
	"time"

	"github.com/HakAl/llmtap/internal/record"
)

// AnomalyType identifies the kind of anomaly detected.
type AnomalyType string

const (
	AnomalyLargeContext  AnomalyType = "large_context"   // Unusually large input token count
	AnomalySlowResponse  AnomalyType = "slow_response"   // Call took longer than threshold
	AnomalyIncomplete    AnomalyType = "incomplete"      // Stream ended before its final chunk
	AnomalyToolFailure   AnomalyType = "tool_failure"    // Request carried failed tool results
	AnomalyManyToolCalls AnomalyType = "many_tool_calls" // Response requested many tools
	AnomalyTeeFailed     AnomalyType = "tee_failed"      // Stream could not be duplicated
)

// Anomaly represents a detected issue.
type Anomaly struct {
	Type          AnomalyType
	InteractionID string
	Timestamp     time.Time
	Severity      string // 'info', 'warning', 'critical'
	Description   string
	Value         float64 // The actual value that triggered the anomaly
	Threshold     float64 // The threshold that was exceeded
}

// AnomalyThresholds configures what triggers anomaly detection.
type AnomalyThresholds struct {
	LargeContextTokens int   // Input tokens above this = large context
	SlowResponseMs     int64 // Duration above this = slow response
	ManyToolCallsCount int   // Tool uses above this = many tool calls
}

// DefaultThresholds returns sensible default anomaly thresholds.
func DefaultThresholds() *AnomalyThresholds {
	return &AnomalyThresholds{
		LargeContextTokens: 100000,
		SlowResponseMs:     30000,
		ManyToolCallsCount: 20,
	}
}

// Detect checks a single record for anomalies.
func Detect(rec *record.Interaction, thresholds *AnomalyThresholds) []*Anomaly {
	if rec == nil {
		return nil
	}
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}

	var anomalies []*Anomaly
	add := func(t AnomalyType, severity, desc string, value, threshold float64) {
		anomalies = append(anomalies, &Anomaly{
			Type:          t,
			InteractionID: rec.ID,
			Timestamp:     rec.Timestamp,
			Severity:      severity,
			Description:   desc,
			Value:         value,
			Threshold:     threshold,
		})
	}

	if in := rec.Tokens.Input; in != nil && *in > thresholds.LargeContextTokens {
		add(AnomalyLargeContext, "warning", "Input token count exceeds threshold",
			float64(*in), float64(thresholds.LargeContextTokens))
	}

	if d := rec.DurationMs; d != nil && *d > thresholds.SlowResponseMs {
		add(AnomalySlowResponse, "info", "Call duration exceeds threshold",
			float64(*d), float64(thresholds.SlowResponseMs))
	}

	if flag(rec.Metadata, "tee_failed") {
		add(AnomalyTeeFailed, "warning", "Stream could not be duplicated; response not captured", 1, 0)
	} else if flag(rec.Metadata, "incomplete") && rec.Status == record.StatusSuccess {
		add(AnomalyIncomplete, "info", "Stream closed before completion", 1, 0)
	}

	if n := count(rec.Metadata["tool_result_errors"]); n > 0 {
		add(AnomalyToolFailure, "warning", fmt.Sprintf("%d tool result(s) reported errors", n), float64(n), 0)
	}

	if n := count(rec.Metadata["tool_uses"]); n > thresholds.ManyToolCallsCount {
		add(AnomalyManyToolCalls, "info", "Tool call count exceeds threshold",
			float64(n), float64(thresholds.ManyToolCallsCount))
	}

	return anomalies
}

func flag(meta map[string]any, key string) bool {
	v, _ := meta[key].(bool)
	return v
}

// count reads an int or the length of a name list. Records loaded from the
// store carry JSON numbers and []any.
func count(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case []string:
		return len(n)
	case []any:
		return len(n)
	}
	return 0
}
