package mock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/providers/common"
	"agentmesh/knowledgeservice/internal/providers/runtime"
	"agentmesh/knowledgeservice/internal/ratelimit"
)

const defaultResultCount = 3

type Config struct {
	Name        string
	ResultCount int
	Latency     time.Duration
	// FailSubstrings lists query fragments that trigger a scripted failure,
	// so failure handling can be exercised without a flaky backend.
	FailSubstrings []string
	FailWith       error
	RateLimit      ratelimit.Config
	Retry          runtime.RetryConfig
	BreakerEnabled bool
	Logger         *slog.Logger
}

// Provider fabricates deterministic results without leaving the process.
// It backs local development and smoke tests when no real backend is
// reachable or configured.
type Provider struct {
	*runtime.Runtime

	resultCount    int
	latency        time.Duration
	failSubstrings []string
	failWith       error
}

func NewProvider(cfg Config) *Provider {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "mock"
	}
	count := cfg.ResultCount
	if count <= 0 {
		count = defaultResultCount
	}
	failWith := cfg.FailWith
	if failWith == nil {
		failWith = domain.ErrProviderUnavailable
	}

	return &Provider{
		Runtime: runtime.New(runtime.Config{
			Name:           name,
			RateLimit:      cfg.RateLimit,
			Retry:          cfg.Retry,
			BreakerEnabled: cfg.BreakerEnabled,
			Logger:         cfg.Logger,
		}),
		resultCount:    count,
		latency:        cfg.Latency,
		failSubstrings: append([]string(nil), cfg.FailSubstrings...),
		failWith:       failWith,
	}
}

func (p *Provider) Type() domain.ProviderType {
	return domain.ProviderTypeMock
}

func (p *Provider) Search(ctx context.Context, query domain.KnowledgeQuery) ([]domain.SearchResult, error) {
	return p.Execute(ctx, func(ctx context.Context) ([]domain.SearchResult, error) {
		return p.search(ctx, query)
	})
}

func (p *Provider) search(ctx context.Context, query domain.KnowledgeQuery) ([]domain.SearchResult, error) {
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %s", domain.ErrTimeout, p.Name(), ctx.Err())
		case <-timer.C:
		}
	}

	lowered := strings.ToLower(query.Query)
	for _, trigger := range p.failSubstrings {
		trigger = strings.ToLower(strings.TrimSpace(trigger))
		if trigger != "" && strings.Contains(lowered, trigger) {
			return nil, fmt.Errorf("%w: scripted failure triggered by %q", p.failWith, trigger)
		}
	}

	count := p.resultCount
	if query.MaxResults > 0 && query.MaxResults < count {
		count = query.MaxResults
	}

	slug := querySlug(query.Query)
	now := time.Now().UTC()
	results := make([]domain.SearchResult, 0, count)
	for i := 0; i < count; i++ {
		title := fmt.Sprintf("Mock result %d for %s", i+1, strings.TrimSpace(query.Query))
		link := fmt.Sprintf("https://mock.example.com/%s/%d", slug, i+1)
		content := fmt.Sprintf("Deterministic fixture %d covering %s.", i+1, strings.TrimSpace(query.Query))

		result := domain.SearchResult{
			ID:             common.ContentHash(title, link, content),
			QueryID:        query.ID,
			Title:          title,
			Content:        content,
			URL:            link,
			SourceType:     domain.SourceTypeWeb,
			RelevanceScore: common.Clamp01(0.9 - 0.1*float64(i)),
			Provider:       p.Name(),
		}
		common.Finalize(&result, i, now)
		results = append(results, result)
	}
	return results, nil
}

func querySlug(query string) string {
	terms := common.QueryTerms(query)
	if len(terms) == 0 {
		return "query"
	}
	if len(terms) > 4 {
		terms = terms[:4]
	}
	return strings.Join(terms, "-")
}
