package seeker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agentmesh/knowledgeservice/internal/domain"
)

const eventSource = "knowledge-seeker"

// EventSink receives lifecycle events emitted during query processing.
// Implementations must be safe for concurrent use; emission is
// fire-and-forget with respect to the query deadline.
type EventSink interface {
	Emit(event domain.Event)
}

type nopSink struct{}

func (nopSink) Emit(domain.Event) {}

// NopSink discards every event.
func NopSink() EventSink {
	return nopSink{}
}

// LogSink forwards events to a structured logger, mapping event severity to
// the log level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(event domain.Event) {
	level := slog.LevelInfo
	switch event.Severity {
	case domain.EventSeverityWarning:
		level = slog.LevelWarn
	case domain.EventSeverityError:
		level = slog.LevelError
	}

	attrs := make([]slog.Attr, 0, len(event.Metadata)+3)
	attrs = append(attrs, slog.String("eventId", event.ID), slog.String("source", event.Source))
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("taskId", event.TaskID))
	}
	for key, value := range event.Metadata {
		attrs = append(attrs, slog.Any(key, value))
	}
	s.logger.LogAttrs(context.Background(), level, string(event.Type), attrs...)
}

func newEvent(eventType domain.EventType, severity domain.EventSeverity, metadata map[string]any) domain.Event {
	return domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Source:    eventSource,
		Metadata:  metadata,
	}
}
