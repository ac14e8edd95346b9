package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/providers/common"
	"agentmesh/knowledgeservice/internal/providers/runtime"
	"agentmesh/knowledgeservice/internal/ratelimit"
)

const (
	defaultEndpoint  = "http://export.arxiv.org/api/query"
	defaultUserAgent = "agentmesh-knowledge/1.0"

	maxPayloadBytes   = 8 * 1024 * 1024
	maxRequestResults = 25
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

// Provider queries the arXiv Atom API for academic papers.
type Provider struct {
	*runtime.Runtime

	client    *http.Client
	endpoint  string
	userAgent string
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Summary    string         `xml:"summary"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	Authors    []atomAuthor   `xml:"author"`
	Links      []atomLink     `xml:"link"`
	Categories []atomCategory `xml:"category"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

func NewProvider(cfg Config) *Provider {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "arxiv"
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
	return domain.ProviderTypeAcademic
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
	params.Set("search_query", searchExpression(query.Query))
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(requestLimit(query.MaxResults)))
	params.Set("sortBy", "relevance")
	params.Set("sortOrder", "descending")
	uri.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/atom+xml,application/xml,text/xml")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, common.TransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if err := common.StatusError(p.Name(), resp); err != nil {
		return nil, err
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, common.TransportError(p.Name(), err)
	}

	var feed atomFeed
	if err := xml.Unmarshal(payload, &feed); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrParsing, p.Name(), err)
	}

	limit := query.MaxResults
	if limit <= 0 {
		limit = 10
	}

	now := time.Now().UTC()
	results := make([]domain.SearchResult, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		result, ok := p.toResult(entry, query, len(results), now)
		if !ok {
			continue
		}
		results = append(results, result)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (p *Provider) toResult(entry atomEntry, query domain.KnowledgeQuery, position int, now time.Time) (domain.SearchResult, bool) {
	title := collapseSpace(entry.Title)
	link := entryLink(entry)
	if title == "" || link == "" {
		return domain.SearchResult{}, false
	}

	result := domain.SearchResult{
		ID:          uuid.NewString(),
		QueryID:     query.ID,
		Title:       title,
		Content:     collapseSpace(entry.Summary),
		URL:         link,
		SourceType:  domain.SourceTypeAcademic,
		ContentType: domain.ContentTypeAcademicPaper,
		PublishedAt: parseAtomTime(entry.Published, entry.Updated),
		Provider:    p.Name(),
	}

	meta := make(map[string]any, 2)
	if authors := authorNames(entry.Authors); len(authors) > 0 {
		meta["authors"] = authors
	}
	if len(entry.Categories) > 0 && entry.Categories[0].Term != "" {
		meta["category"] = entry.Categories[0].Term
	}
	if len(meta) > 0 {
		result.ProviderMetadata = meta
	}

	common.Finalize(&result, position, now)
	return result, true
}

// searchExpression builds the arXiv query term, quoting multi-word queries so
// they match as a phrase across all fields.
func searchExpression(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if strings.ContainsRune(query, ' ') {
		return fmt.Sprintf("all:%q", query)
	}
	return "all:" + query
}

// entryLink prefers the alternate (abstract page) link and falls back to the
// entry id, which arXiv also sets to the abstract URL.
func entryLink(entry atomEntry) string {
	for _, link := range entry.Links {
		if link.Rel == "alternate" && link.Href != "" {
			return strings.TrimSpace(link.Href)
		}
	}
	for _, link := range entry.Links {
		if link.Rel == "" && link.Href != "" {
			return strings.TrimSpace(link.Href)
		}
	}
	return strings.TrimSpace(entry.ID)
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

func authorNames(authors []atomAuthor) []string {
	names := make([]string, 0, len(authors))
	for _, author := range authors {
		if name := strings.TrimSpace(author.Name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// collapseSpace folds the newline-wrapped text arXiv feeds carry into single
// spaced lines.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parseAtomTime(values ...string) *time.Time {
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
