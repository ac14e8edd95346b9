package domain

import "time"

type EventType string

const (
	EventQueryReceived    EventType = "query.received"
	EventProvidersQueried EventType = "providers.queried"
	EventResultsProcessed EventType = "results.processed"
	EventResponseReady    EventType = "response.ready"
	EventQueryFailed      EventType = "query.failed"
	EventProviderFailed   EventType = "provider.failed"
)

type EventSeverity string

const (
	EventSeverityInfo    EventSeverity = "info"
	EventSeverityWarning EventSeverity = "warning"
	EventSeverityError   EventSeverity = "error"
)

type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  EventSeverity  `json:"severity"`
	Source    string         `json:"source"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
