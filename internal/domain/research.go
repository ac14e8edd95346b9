package domain

import "time"

type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Type        string         `json:"type,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt,omitempty"`
}

type ResearchRequirement struct {
	Required         bool            `json:"required"`
	Confidence       float64         `json:"confidence"`
	QueryType        QueryType       `json:"queryType"`
	SuggestedQueries []string        `json:"suggestedQueries,omitempty"`
	Indicators       map[string]bool `json:"indicators,omitempty"`
	Reason           string          `json:"reason,omitempty"`
}

type KeyFinding struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet,omitempty"`
	Relevance float64 `json:"relevance"`
}

type ResearchFinding struct {
	Query       string       `json:"query"`
	Summary     string       `json:"summary"`
	Confidence  float64      `json:"confidence"`
	KeyFindings []KeyFinding `json:"keyFindings,omitempty"`
}

type ResearchMetadata struct {
	DurationMS         int64     `json:"durationMs"`
	DetectorConfidence float64   `json:"detectorConfidence"`
	QueryType          QueryType `json:"queryType"`
}

type ResearchContext struct {
	Queries     []string             `json:"queries"`
	Findings    []ResearchFinding    `json:"findings"`
	Confidence  float64              `json:"confidence"`
	AugmentedAt time.Time            `json:"augmentedAt"`
	Requirement *ResearchRequirement `json:"requirement,omitempty"`
	Metadata    ResearchMetadata     `json:"metadata"`
}

type AugmentedTask struct {
	Task
	ResearchProvided bool             `json:"researchProvided"`
	ResearchContext  *ResearchContext `json:"researchContext,omitempty"`
}

// HasResearch reports whether the augmentation produced usable findings.
func (t AugmentedTask) HasResearch() bool {
	return t.ResearchProvided && t.ResearchContext != nil && len(t.ResearchContext.Findings) > 0
}

type SourceRef struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}
