package domain

import (
	"encoding/json"
	"time"
)

type QueryType string

const (
	QueryTypeFactual     QueryType = "factual"
	QueryTypeExplanatory QueryType = "explanatory"
	QueryTypeTechnical   QueryType = "technical"
	QueryTypeComparative QueryType = "comparative"
	QueryTypeTrend       QueryType = "trend"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type ProviderType string

const (
	ProviderTypeWebSearch     ProviderType = "web_search"
	ProviderTypeAcademic      ProviderType = "academic_search"
	ProviderTypeDocumentation ProviderType = "documentation_search"
	ProviderTypeMock          ProviderType = "mock"
)

type SourceType string

const (
	SourceTypeWeb           SourceType = "web"
	SourceTypeAcademic      SourceType = "academic"
	SourceTypeNews          SourceType = "news"
	SourceTypeDocumentation SourceType = "documentation"
	SourceTypeSocial        SourceType = "social"
	SourceTypeUnknown       SourceType = "unknown"
)

type ContentType string

const (
	ContentTypeArticle       ContentType = "article"
	ContentTypeBlog          ContentType = "blog"
	ContentTypeNews          ContentType = "news"
	ContentTypeAcademicPaper ContentType = "academic_paper"
	ContentTypeDocumentation ContentType = "documentation"
	ContentTypeBook          ContentType = "book"
	ContentTypeVideo         ContentType = "video"
	ContentTypePodcast       ContentType = "podcast"
)

type Quality string

const (
	QualityHigh       Quality = "high"
	QualityMedium     Quality = "medium"
	QualityLow        Quality = "low"
	QualityUnreliable Quality = "unreliable"
)

type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type QueryFilters struct {
	DateRange          *DateRange    `json:"dateRange,omitempty"`
	Language           string        `json:"language,omitempty"`
	ContentTypes       []ContentType `json:"contentTypes,omitempty"`
	CredibilityMinimum float64       `json:"credibilityMinimum,omitempty"`
	Domains            []string      `json:"domains,omitempty"`
	ExcludeDomains     []string      `json:"excludeDomains,omitempty"`
}

type QueryMetadata struct {
	RequesterID string    `json:"requesterId,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

type KnowledgeQuery struct {
	ID                 string         `json:"id"`
	Query              string         `json:"query"`
	QueryType          QueryType      `json:"queryType,omitempty"`
	MaxResults         int            `json:"maxResults,omitempty"`
	RelevanceThreshold float64        `json:"relevanceThreshold,omitempty"`
	TimeoutMS          int64          `json:"timeoutMs,omitempty"`
	PreferredSources   []string       `json:"preferredSources,omitempty"`
	Filters            *QueryFilters  `json:"filters,omitempty"`
	Priority           Priority       `json:"priority,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	Metadata           QueryMetadata  `json:"metadata,omitempty"`
}

type SearchResult struct {
	ID               string         `json:"id"`
	QueryID          string         `json:"queryId,omitempty"`
	Title            string         `json:"title"`
	Content          string         `json:"content,omitempty"`
	URL              string         `json:"url"`
	Domain           string         `json:"domain"`
	SourceType       SourceType     `json:"sourceType"`
	ContentType      ContentType    `json:"contentType,omitempty"`
	RelevanceScore   float64        `json:"relevanceScore"`
	CredibilityScore float64        `json:"credibilityScore"`
	Quality          Quality        `json:"quality"`
	PublishedAt      *time.Time     `json:"publishedAt,omitempty"`
	RetrievedAt      time.Time      `json:"retrievedAt"`
	ProcessedAt      *time.Time     `json:"processedAt,omitempty"`
	Provider         string         `json:"provider"`
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
	ContentHash      string         `json:"contentHash,omitempty"`
}

type ResponseMetadata struct {
	TotalResultsFound int64    `json:"totalResultsFound"`
	ResultsFiltered   int64    `json:"resultsFiltered"`
	ProcessingTimeMS  int64    `json:"processingTimeMs"`
	CacheUsed         bool     `json:"cacheUsed"`
	ProvidersQueried  []string `json:"providersQueried,omitempty"`
	VerifiedCount     *int     `json:"verifiedCount,omitempty"`
}

type KnowledgeResponse struct {
	Query               KnowledgeQuery   `json:"query"`
	Results             []SearchResult   `json:"results"`
	Summary             string           `json:"summary"`
	Confidence          float64          `json:"confidence"`
	SourcesUsed         []string         `json:"sourcesUsed"`
	VerificationResults json.RawMessage  `json:"verificationResults,omitempty"`
	Metadata            ResponseMetadata `json:"metadata"`
	RespondedAt         time.Time        `json:"respondedAt"`
}

type ProviderHealth struct {
	Available      bool       `json:"available"`
	ResponseTimeMS float64    `json:"responseTimeMs"`
	ErrorRate      float64    `json:"errorRate"`
	LastError      string     `json:"lastError,omitempty"`
	LastSuccessAt  *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt  *time.Time `json:"lastFailureAt,omitempty"`
	TotalRequests  int64      `json:"totalRequests"`
	TotalFailures  int64      `json:"totalFailures"`
}

type ProviderStatus struct {
	Name      string         `json:"name"`
	Type      ProviderType   `json:"type"`
	Priority  int            `json:"priority"`
	Available bool           `json:"available"`
	Health    ProviderHealth `json:"health"`
}

type RateLimitSnapshot struct {
	RequestsInMinute int        `json:"requestsInMinute"`
	RequestsInHour   int        `json:"requestsInHour"`
	WindowStart      time.Time  `json:"windowStart"`
	BackoffUntil     *time.Time `json:"backoffUntil,omitempty"`
}

func NormalizeQueryType(raw string) QueryType {
	switch QueryType(raw) {
	case QueryTypeFactual, QueryTypeExplanatory, QueryTypeTechnical, QueryTypeComparative, QueryTypeTrend:
		return QueryType(raw)
	default:
		return ""
	}
}

func NormalizePriority(raw string) Priority {
	switch Priority(raw) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(raw)
	default:
		return PriorityMedium
	}
}

// PriorityRank orders priorities for batching: lower rank runs first.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func QualityForScores(relevance, credibility float64) Quality {
	combined := (relevance + credibility) / 2
	switch {
	case combined >= 0.8:
		return QualityHigh
	case combined >= 0.6:
		return QualityMedium
	case combined >= 0.3:
		return QualityLow
	default:
		return QualityUnreliable
	}
}
