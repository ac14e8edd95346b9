package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/metrics"
)

const (
	defaultMaxResultsPerQuery = 3
	defaultRelevanceThreshold = 0.8
	defaultQueryTimeout       = 5 * time.Second

	maxKeyFindings   = 3
	maxSnippetLength = 200
)

// Seeker is the slice of the knowledge seeker the augmenter needs.
type Seeker interface {
	ProcessQuery(ctx context.Context, query domain.KnowledgeQuery) (domain.KnowledgeResponse, error)
}

// Recorder persists provenance records. Implementations must be best-effort:
// a failing record write never propagates.
type Recorder interface {
	Record(ctx context.Context, record domain.ProvenanceRecord)
}

type AugmenterConfig struct {
	MaxQueries         int
	MaxResultsPerQuery int
	RelevanceThreshold float64
	QueryTimeout       time.Duration
	// Priority for generated research queries. Stays under critical so
	// urgent direct queries keep batch precedence and the extended cache TTL.
	Priority domain.Priority
}

func (c AugmenterConfig) withDefaults() AugmenterConfig {
	if c.MaxQueries <= 0 {
		c.MaxQueries = defaultMaxQueries
	}
	if c.MaxResultsPerQuery <= 0 {
		c.MaxResultsPerQuery = defaultMaxResultsPerQuery
	}
	if c.RelevanceThreshold <= 0 {
		c.RelevanceThreshold = defaultRelevanceThreshold
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.Priority == "" {
		c.Priority = domain.PriorityHigh
	}
	return c
}

// Augmenter runs detection and research for tasks before they reach an
// executing agent.
type Augmenter struct {
	cfg      AugmenterConfig
	detector *Detector
	seeker   Seeker
	recorder Recorder
	logger   *slog.Logger
}

type AugmenterOption func(*Augmenter)

func WithRecorder(recorder Recorder) AugmenterOption {
	return func(a *Augmenter) { a.recorder = recorder }
}

func WithAugmenterLogger(logger *slog.Logger) AugmenterOption {
	return func(a *Augmenter) { a.logger = logger }
}

func NewAugmenter(cfg AugmenterConfig, detector *Detector, seeker Seeker, opts ...AugmenterOption) *Augmenter {
	a := &Augmenter{
		cfg:      cfg.withDefaults(),
		detector: detector,
		seeker:   seeker,
		logger:   slog.Default(),
	}
	if a.detector == nil {
		a.detector = NewDetector(DefaultDetectorConfig())
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Augment researches the task when the detector calls for it. The original
// task fields are always preserved; any internal failure degrades to
// researchProvided=false instead of propagating.
func (a *Augmenter) Augment(ctx context.Context, task domain.Task) (augmented domain.AugmentedTask) {
	augmented = domain.AugmentedTask{Task: task}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("task augmentation panicked",
				slog.String("taskId", task.ID),
				slog.Any("panic", r))
			metrics.ResearchAugmentationsTotal.WithLabelValues("panic").Inc()
			augmented = domain.AugmentedTask{Task: task}
			a.record(ctx, domain.ProvenanceRecord{
				TaskID:      task.ID,
				PerformedAt: start.UTC(),
				DurationMS:  time.Since(start).Milliseconds(),
				Successful:  false,
				Error:       fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	requirement, needed := a.detector.Detect(task)
	if !needed {
		metrics.ResearchAugmentationsTotal.WithLabelValues("not_required").Inc()
		return augmented
	}

	queries := requirement.SuggestedQueries
	if len(queries) > a.cfg.MaxQueries {
		queries = queries[:a.cfg.MaxQueries]
	}

	a.logger.Info("augmenting task with research",
		slog.String("taskId", task.ID),
		slog.Int("queries", len(queries)),
		slog.String("queryType", string(requirement.QueryType)))

	findings := a.runQueries(ctx, task, requirement, queries)

	// Every query failing means no research happened at all; the task goes
	// on unaugmented rather than carrying an empty context.
	if len(findings) == 0 {
		a.logger.Warn("research produced no findings",
			slog.String("taskId", task.ID),
			slog.Int("queries", len(queries)))
		metrics.ResearchAugmentationsTotal.WithLabelValues("failed").Inc()
		a.record(ctx, domain.ProvenanceRecord{
			TaskID:      task.ID,
			Queries:     queries,
			PerformedAt: start.UTC(),
			DurationMS:  time.Since(start).Milliseconds(),
			Successful:  false,
			Error:       "all research queries failed",
		})
		return augmented
	}

	confidence := 0.0
	for _, finding := range findings {
		confidence += finding.Confidence
	}
	confidence /= float64(len(findings))

	now := time.Now()
	augmented.ResearchProvided = true
	augmented.ResearchContext = &domain.ResearchContext{
		Queries:     queries,
		Findings:    findings,
		Confidence:  confidence,
		AugmentedAt: now.UTC(),
		Requirement: &requirement,
		Metadata: domain.ResearchMetadata{
			DurationMS:         now.Sub(start).Milliseconds(),
			DetectorConfidence: requirement.Confidence,
			QueryType:          requirement.QueryType,
		},
	}

	metrics.ResearchAugmentationsTotal.WithLabelValues("ok").Inc()
	a.record(ctx, domain.ProvenanceRecord{
		TaskID:        task.ID,
		Queries:       queries,
		FindingsCount: len(findings),
		Confidence:    confidence,
		PerformedAt:   start.UTC(),
		DurationMS:    now.Sub(start).Milliseconds(),
		Successful:    true,
	})
	return augmented
}

// runQueries fans the suggested queries out through the seeker. A failing or
// panicking query contributes no finding; the rest proceed.
func (a *Augmenter) runQueries(ctx context.Context, task domain.Task, requirement domain.ResearchRequirement, queries []string) []domain.ResearchFinding {
	slots := make([]*domain.ResearchFinding, len(queries))

	var wg sync.WaitGroup
	for i, query := range queries {
		wg.Add(1)
		go func(i int, query string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.logger.Warn("research query panicked",
						slog.String("taskId", task.ID),
						slog.String("query", query),
						slog.Any("panic", r))
				}
			}()

			response, err := a.seeker.ProcessQuery(ctx, a.buildQuery(task, requirement, query, i))
			if err != nil {
				a.logger.Warn("research query failed",
					slog.String("taskId", task.ID),
					slog.String("query", query),
					slog.String("error", err.Error()))
				return
			}
			finding := toFinding(query, response)
			slots[i] = &finding
		}(i, query)
	}
	wg.Wait()

	findings := make([]domain.ResearchFinding, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			findings = append(findings, *slot)
		}
	}
	return findings
}

func (a *Augmenter) buildQuery(task domain.Task, requirement domain.ResearchRequirement, query string, index int) domain.KnowledgeQuery {
	return domain.KnowledgeQuery{
		ID:                 fmt.Sprintf("research-%s-%d", task.ID, index),
		Query:              query,
		QueryType:          requirement.QueryType,
		MaxResults:         a.cfg.MaxResultsPerQuery,
		RelevanceThreshold: a.cfg.RelevanceThreshold,
		TimeoutMS:          a.cfg.QueryTimeout.Milliseconds(),
		Priority:           a.cfg.Priority,
		Metadata: domain.QueryMetadata{
			RequesterID: "research-augmenter",
			CreatedAt:   time.Now().UTC(),
		},
	}
}

func (a *Augmenter) record(ctx context.Context, record domain.ProvenanceRecord) {
	if a.recorder == nil {
		return
	}
	a.recorder.Record(ctx, record)
}

func toFinding(query string, response domain.KnowledgeResponse) domain.ResearchFinding {
	count := len(response.Results)
	if count > maxKeyFindings {
		count = maxKeyFindings
	}
	keyFindings := make([]domain.KeyFinding, 0, count)
	for _, result := range response.Results[:count] {
		keyFindings = append(keyFindings, domain.KeyFinding{
			Title:     result.Title,
			URL:       result.URL,
			Snippet:   truncate(result.Content, maxSnippetLength),
			Relevance: result.RelevanceScore,
		})
	}
	return domain.ResearchFinding{
		Query:       query,
		Summary:     response.Summary,
		Confidence:  response.Confidence,
		KeyFindings: keyFindings,
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// Summary renders the research context as prose for prompt injection.
func Summary(task domain.AugmentedTask) string {
	if !task.HasResearch() {
		return ""
	}
	rc := task.ResearchContext
	lines := make([]string, 0, len(rc.Findings)+1)
	lines = append(lines, fmt.Sprintf("Research findings (confidence: %d%%):", int(rc.Confidence*100)))
	for _, finding := range rc.Findings {
		lines = append(lines, "- "+finding.Summary)
	}
	return strings.Join(lines, "\n")
}

// Sources flattens key findings into a deduplicated source list.
func Sources(task domain.AugmentedTask) []domain.SourceRef {
	if !task.HasResearch() {
		return nil
	}
	seen := make(map[string]struct{})
	var sources []domain.SourceRef
	for _, finding := range task.ResearchContext.Findings {
		for _, kf := range finding.KeyFindings {
			if kf.URL == "" {
				continue
			}
			if _, dup := seen[kf.URL]; dup {
				continue
			}
			seen[kf.URL] = struct{}{}
			sources = append(sources, domain.SourceRef{Title: kf.Title, URL: kf.URL})
		}
	}
	return sources
}
