package duckduckgo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/providers/common"
	"agentmesh/knowledgeservice/internal/providers/runtime"
	"agentmesh/knowledgeservice/internal/ratelimit"
)

const (
	defaultEndpoint  = "https://api.duckduckgo.com/"
	defaultUserAgent = "agentmesh-knowledge/1.0"

	maxPayloadBytes = 4 * 1024 * 1024
)

type Config struct {
	Name           string
	Endpoint       string
	UserAgent      string
	Timeout        time.Duration
	Client         *http.Client
	RateLimit      ratelimit.Config
	Retry          runtime.RetryConfig
	BreakerEnabled bool
	Logger         *slog.Logger
}

// Provider queries the DuckDuckGo instant answer API. The backend is keyless
// and answers with at most one abstract plus related topics, so it serves as
// the always-on fallback web source.
type Provider struct {
	*runtime.Runtime

	client    *http.Client
	endpoint  string
	userAgent string
}

type apiResponse struct {
	Heading        string     `json:"Heading"`
	AbstractText   string     `json:"AbstractText"`
	AbstractURL    string     `json:"AbstractURL"`
	AbstractSource string     `json:"AbstractSource"`
	Definition     string     `json:"Definition"`
	DefinitionURL  string     `json:"DefinitionURL"`
	Results        []apiTopic `json:"Results"`
	RelatedTopics  []apiTopic `json:"RelatedTopics"`
}

// apiTopic is either a leaf topic or a named group holding nested topics.
type apiTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Name     string     `json:"Name"`
	Topics   []apiTopic `json:"Topics"`
}

func NewProvider(cfg Config) *Provider {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "duckduckgo"
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
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
		client:    client,
		endpoint:  endpoint,
		userAgent: userAgent,
	}
}

func (p *Provider) Type() domain.ProviderType {
	return domain.ProviderTypeWebSearch
}

func (p *Provider) Search(ctx context.Context, query domain.KnowledgeQuery) ([]domain.SearchResult, error) {
	return p.Execute(ctx, func(ctx context.Context) ([]domain.SearchResult, error) {
		return p.search(ctx, query)
	})
}

func (p *Provider) search(ctx context.Context, query domain.KnowledgeQuery) ([]domain.SearchResult, error) {
	uri, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint: %s", domain.ErrConfiguration, err)
	}
	params := uri.Query()
	params.Set("q", strings.TrimSpace(query.Query))
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")
	uri.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
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

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrParsing, p.Name(), err)
	}

	limit := query.MaxResults
	if limit <= 0 {
		limit = 10
	}

	now := time.Now().UTC()
	results := make([]domain.SearchResult, 0, limit)
	seen := make(map[string]struct{})

	appendResult := func(title, snippet, link string) {
		if len(results) >= limit {
			return
		}
		title = strings.TrimSpace(title)
		link = strings.TrimSpace(link)
		if title == "" || link == "" {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}

		result := domain.SearchResult{
			ID:       uuid.NewString(),
			QueryID:  query.ID,
			Title:    title,
			Content:  strings.TrimSpace(snippet),
			URL:      link,
			Provider: p.Name(),
		}
		common.Finalize(&result, len(results), now)
		results = append(results, result)
	}

	if parsed.AbstractText != "" {
		title := parsed.Heading
		if title == "" {
			title = parsed.AbstractSource
		}
		appendResult(title, parsed.AbstractText, parsed.AbstractURL)
	} else if parsed.Definition != "" {
		appendResult(parsed.Heading, parsed.Definition, parsed.DefinitionURL)
	}

	for _, topic := range flattenTopics(parsed.Results, nil) {
		appendResult(topicTitle(topic.Text), topic.Text, topic.FirstURL)
	}
	for _, topic := range flattenTopics(parsed.RelatedTopics, nil) {
		appendResult(topicTitle(topic.Text), topic.Text, topic.FirstURL)
	}
	return results, nil
}

// flattenTopics walks topic groups depth-first and collects the leaves.
func flattenTopics(topics []apiTopic, acc []apiTopic) []apiTopic {
	for _, topic := range topics {
		if len(topic.Topics) > 0 {
			acc = flattenTopics(topic.Topics, acc)
			continue
		}
		if topic.FirstURL != "" {
			acc = append(acc, topic)
		}
	}
	return acc
}

// topicTitle takes the lead segment of a topic text, which reads
// "Subject - description" in instant answer payloads.
func topicTitle(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, " - "); idx > 0 {
		return text[:idx]
	}
	return text
}
