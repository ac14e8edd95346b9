package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/providers/common"
	"agentmesh/knowledgeservice/internal/providers/runtime"
	"agentmesh/knowledgeservice/internal/ratelimit"
)

const (
	defaultEndpoint  = "https://api.tavily.com/search"
	defaultUserAgent = "agentmesh-knowledge/1.0"
	defaultDepth     = "basic"

	maxPayloadBytes   = 4 * 1024 * 1024
	maxRequestResults = 20
)

type Config struct {
	Name           string
	Type           domain.ProviderType
	Endpoint       string
	APIKey         string
	SearchDepth    string
	IncludeDomains []string
	SourceType     domain.SourceType
	UserAgent      string
	Timeout        time.Duration
	Client         *http.Client
	RateLimit      ratelimit.Config
	Retry          runtime.RetryConfig
	BreakerEnabled bool
	Logger         *slog.Logger
}

// Provider queries the Tavily search API. The same backend also serves
// documentation lookups when configured with a fixed include-domain list.
type Provider struct {
	*runtime.Runtime

	ptype          domain.ProviderType
	client         *http.Client
	endpoint       string
	apiKey         string
	searchDepth    string
	includeDomains []string
	sourceType     domain.SourceType
	userAgent      string
}

type searchRequest struct {
	APIKey         string   `json:"api_key"`
	Query          string   `json:"query"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	MaxResults     int      `json:"max_results,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

type searchResponse struct {
	Results []searchItem `json:"results"`
}

type searchItem struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date"`
}

func NewProvider(cfg Config) *Provider {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "tavily"
	}
	ptype := cfg.Type
	if ptype == "" {
		ptype = domain.ProviderTypeWebSearch
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	depth := strings.TrimSpace(cfg.SearchDepth)
	if depth == "" {
		depth = defaultDepth
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	client := cfg.Client
	if client == nil {
		client = runtime.HTTPClient(cfg.Timeout)
	}

	return &Provider{
		Runtime: runtime.New(runtime.Config{
			Name:           name,
			RateLimit:      cfg.RateLimit,
			Retry:          cfg.Retry,
			BreakerEnabled: cfg.BreakerEnabled,
			Logger:         cfg.Logger,
		}),
		ptype:          ptype,
		client:         client,
		endpoint:       endpoint,
		apiKey:         strings.TrimSpace(cfg.APIKey),
		searchDepth:    depth,
		includeDomains: append([]string(nil), cfg.IncludeDomains...),
		sourceType:     cfg.SourceType,
		userAgent:      userAgent,
	}
}

func (p *Provider) Type() domain.ProviderType {
	return p.ptype
}

// Configured reports whether the API key required by the backend is present.
func (p *Provider) Configured() bool {
	return p.apiKey != ""
}

func (p *Provider) Search(ctx context.Context, query domain.KnowledgeQuery) ([]domain.SearchResult, error) {
	if !p.Configured() {
		return nil, fmt.Errorf("%w: %s api key is not set", domain.ErrConfiguration, p.Name())
	}
	return p.Execute(ctx, func(ctx context.Context) ([]domain.SearchResult, error) {
		return p.search(ctx, query)
	})
}

func (p *Provider) search(ctx context.Context, query domain.KnowledgeQuery) ([]domain.SearchResult, error) {
	payload := searchRequest{
		APIKey:         p.apiKey,
		Query:          strings.TrimSpace(query.Query),
		SearchDepth:    p.searchDepth,
		MaxResults:     requestLimit(query.MaxResults),
		IncludeDomains: p.requestDomains(query),
	}
	if query.Filters != nil {
		payload.ExcludeDomains = trimmed(query.Filters.ExcludeDomains)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %s", domain.ErrParsing, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, common.TransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if err := common.StatusError(p.Name(), resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, common.TransportError(p.Name(), err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrParsing, p.Name(), err)
	}

	now := time.Now().UTC()
	results := make([]domain.SearchResult, 0, len(parsed.Results))
	for i, item := range parsed.Results {
		result, ok := p.toResult(item, query, i, now)
		if !ok {
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// requestDomains merges the configured include list with per-query domain
// filters, preserving order and dropping duplicates.
func (p *Provider) requestDomains(query domain.KnowledgeQuery) []string {
	var raw []string
	raw = append(raw, p.includeDomains...)
	if query.Filters != nil {
		raw = append(raw, query.Filters.Domains...)
	}
	if len(raw) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	merged := make([]string, 0, len(raw))
	for _, entry := range raw {
		dom := strings.ToLower(strings.TrimSpace(entry))
		if dom == "" {
			continue
		}
		if _, dup := seen[dom]; dup {
			continue
		}
		seen[dom] = struct{}{}
		merged = append(merged, dom)
	}
	return merged
}

func (p *Provider) toResult(item searchItem, query domain.KnowledgeQuery, position int, now time.Time) (domain.SearchResult, bool) {
	title := strings.TrimSpace(item.Title)
	link := strings.TrimSpace(item.URL)
	if title == "" || link == "" {
		return domain.SearchResult{}, false
	}

	result := domain.SearchResult{
		ID:             uuid.NewString(),
		QueryID:        query.ID,
		Title:          title,
		Content:        strings.TrimSpace(item.Content),
		URL:            link,
		SourceType:     p.sourceType,
		RelevanceScore: common.Clamp01(item.Score),
		PublishedAt:    parsePublishedDate(item.PublishedDate),
		Provider:       p.Name(),
	}
	if item.Score > 0 {
		result.ProviderMetadata = map[string]any{"score": item.Score}
	}
	common.Finalize(&result, position, now)
	return result, true
}

func requestLimit(max int) int {
	if max <= 0 {
		return 10
	}
	if max > maxRequestResults {
		return maxRequestResults
	}
	return max
}

func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parsePublishedDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", time.RFC1123, time.RFC1123Z} {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
