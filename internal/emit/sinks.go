package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/HakAl/llmtap/internal/analytics"
	"github.com/HakAl/llmtap/internal/record"
	"github.com/HakAl/llmtap/internal/store"
)

// StoreSink persists records.
type StoreSink struct {
	store store.Store
}

// NewStoreSink creates a sink writing to s.
func NewStoreSink(s store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, recs []*record.Interaction) error {
	return s.store.SaveInteractions(ctx, recs)
}

// LogDrop forwards to the store's drop log.
func (s *StoreSink) LogDrop(ctx context.Context, entry *store.DropLogEntry) error {
	return s.store.LogDrop(ctx, entry)
}

// LogSink writes one structured log line per record, plus a warning for each
// anomaly the record shows.
type LogSink struct {
	logger     *slog.Logger
	level      slog.Level
	thresholds *analytics.AnomalyThresholds
}

// NewLogSink creates a sink logging at level.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level, thresholds: analytics.DefaultThresholds()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, recs []*record.Interaction) error {
	for _, rec := range recs {
		attrs := []slog.Attr{
			slog.String("id", rec.ID),
			slog.String("provider", string(rec.Provider)),
			slog.String("model", rec.Model),
			slog.String("status", string(rec.Status)),
		}
		if rec.DurationMs != nil {
			attrs = append(attrs, slog.Int64("duration_ms", *rec.DurationMs))
		}
		if method, ok := rec.Metadata["method"].(string); ok {
			attrs = append(attrs, slog.String("method", method))
		}
		if t := rec.Tokens; !t.IsZero() {
			attrs = append(attrs, slog.Group("tokens", tokenAttrs(t)...))
		}
		if rec.ErrorMessage != "" {
			attrs = append(attrs, slog.String("error", rec.ErrorMessage))
		}
		s.logger.LogAttrs(ctx, s.level, "interaction", attrs...)

		for _, a := range analytics.Detect(rec, s.thresholds) {
			s.logger.Warn("interaction anomaly",
				"id", rec.ID,
				"type", string(a.Type),
				"severity", a.Severity,
				"description", a.Description,
				"value", a.Value,
			)
		}
	}
	return nil
}

func tokenAttrs(t record.Tokens) []any {
	var attrs []any
	if t.Input != nil {
		attrs = append(attrs, slog.Int("input", *t.Input))
	}
	if t.Output != nil {
		attrs = append(attrs, slog.Int("output", *t.Output))
	}
	if t.Total != nil {
		attrs = append(attrs, slog.Int("total", *t.Total))
	}
	return attrs
}

// WatermillSink publishes each record as a JSON watermill message.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillSink creates a sink publishing to topic.
func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

func (s *WatermillSink) Name() string { return "watermill" }

func (s *WatermillSink) Write(ctx context.Context, recs []*record.Interaction) error {
	msgs := make([]*message.Message, 0, len(recs))
	for _, rec := range recs {
		payload, err := marshalRecord(rec)
		if err != nil {
			return fmt.Errorf("marshaling interaction %s: %w", rec.ID, err)
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("interaction_id", rec.ID)
		msg.Metadata.Set("provider", string(rec.Provider))
		msg.Metadata.Set("status", string(rec.Status))
		msg.SetContext(ctx)
		msgs = append(msgs, msg)
	}
	if err := s.publisher.Publish(s.topic, msgs...); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.topic, err)
	}
	return nil
}

// marshalRecord encodes rec, rendering request and response with %+v when
// they hold values encoding/json rejects.
func marshalRecord(rec *record.Interaction) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err == nil {
		return payload, nil
	}
	flat := *rec
	flat.Request = fmt.Sprintf("%+v", rec.Request)
	flat.Response = fmt.Sprintf("%+v", rec.Response)
	return json.Marshal(&flat)
}

var (
	_ Sink = (*StoreSink)(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = (*WatermillSink)(nil)
)
