package domain

import "time"

type ProvenanceRecord struct {
	ID            string    `json:"id,omitempty"`
	TaskID        string    `json:"taskId"`
	Queries       []string  `json:"queries"`
	FindingsCount int       `json:"findingsCount"`
	Confidence    float64   `json:"confidence"`
	PerformedAt   time.Time `json:"performedAt"`
	DurationMS    int64     `json:"durationMs,omitempty"`
	Successful    bool      `json:"successful"`
	Error         string    `json:"error,omitempty"`
}

type ResearchStatistics struct {
	TotalRecords  int64      `json:"totalRecords"`
	Successful    int64      `json:"successful"`
	Failed        int64      `json:"failed"`
	AvgConfidence float64    `json:"avgConfidence"`
	AvgDurationMS float64    `json:"avgDurationMs"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
}
