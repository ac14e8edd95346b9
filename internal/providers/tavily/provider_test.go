package tavily

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/providers/runtime"
)

func singleAttempt() runtime.RetryConfig {
	return runtime.RetryConfig{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
}

func testProvider(ts *httptest.Server, cfg Config) *Provider {
	cfg.Endpoint = ts.URL
	cfg.Client = ts.Client()
	if cfg.APIKey == "" {
		cfg.APIKey = "tvly-test"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = singleAttempt()
	}
	return NewProvider(cfg)
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

func TestSearchMapsResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.APIKey != "tvly-test" {
			t.Errorf("unexpected api key: %q", req.APIKey)
		}
		if req.Query != "rust ownership model" {
			t.Errorf("unexpected query: %q", req.Query)
		}
		if req.MaxResults != 5 {
			t.Errorf("unexpected max_results: %d", req.MaxResults)
		}
		if req.SearchDepth != "basic" {
			t.Errorf("unexpected search_depth: %q", req.SearchDepth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"Understanding Ownership","url":"https://doc.rust-lang.org/book/ch04-00-understanding-ownership.html","content":"Ownership is a set of rules","score":0.97,"published_date":"2024-03-10"},
			{"title":"Rust ownership explained","url":"https://example.com/rust-ownership","content":"A walkthrough of moves and borrows"}
		]}`))
	}))
	defer ts.Close()

	p := testProvider(ts, Config{})
	results, err := p.Search(context.Background(), domain.KnowledgeQuery{
		ID:         "q-1",
		Query:      "rust ownership model",
		MaxResults: 5,
	})
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("unexpected result count: %d", len(results))
	}

	first := results[0]
	if first.Title != "Understanding Ownership" {
		t.Fatalf("unexpected title: %q", first.Title)
	}
	if first.QueryID != "q-1" {
		t.Fatalf("unexpected queryId: %q", first.QueryID)
	}
	if first.Provider != "tavily" {
		t.Fatalf("unexpected provider: %q", first.Provider)
	}
	if first.RelevanceScore != 0.97 {
		t.Fatalf("backend score not kept: %v", first.RelevanceScore)
	}
	if first.Domain != "doc.rust-lang.org" {
		t.Fatalf("unexpected domain: %q", first.Domain)
	}
	if first.PublishedAt == nil || first.PublishedAt.Format("2006-01-02") != "2024-03-10" {
		t.Fatalf("published date not parsed: %v", first.PublishedAt)
	}
	if first.ID == "" || first.ContentHash == "" || first.RetrievedAt.IsZero() {
		t.Fatalf("result not finalized: %#v", first)
	}
	if first.CredibilityScore <= 0 || first.Quality == "" {
		t.Fatalf("credibility/quality missing: %#v", first)
	}

	second := results[1]
	if second.RelevanceScore != 0.85 {
		t.Fatalf("expected positional fallback relevance, got %v", second.RelevanceScore)
	}
	if second.PublishedAt != nil {
		t.Fatalf("expected nil publishedAt, got %v", second.PublishedAt)
	}
}

func TestSearchSkipsItemsWithoutTitleOrURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"title":"","url":"https://example.com/a","content":"no title"},
			{"title":"No link","url":"","content":"no url"},
			{"title":"Kept","url":"https://example.com/kept","content":"ok"}
		]}`))
	}))
	defer ts.Close()

	p := testProvider(ts, Config{})
	results, err := p.Search(context.Background(), domain.KnowledgeQuery{ID: "q-1", Query: "anything"})
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Kept" {
		t.Fatalf("unexpected results: %#v", results)
	}
}

func TestSearchMergesIncludeDomains(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		want := []string{"docs.python.org", "golang.org"}
		if len(req.IncludeDomains) != len(want) {
			t.Errorf("unexpected include_domains: %v", req.IncludeDomains)
		} else {
			for i := range want {
				if req.IncludeDomains[i] != want[i] {
					t.Errorf("include_domains[%d] = %q, want %q", i, req.IncludeDomains[i], want[i])
				}
			}
		}
		if len(req.ExcludeDomains) != 1 || req.ExcludeDomains[0] != "pinterest.com" {
			t.Errorf("unexpected exclude_domains: %v", req.ExcludeDomains)
		}
		w.Write([]byte(`{"results":[]}`))
	}))
	defer ts.Close()

	p := testProvider(ts, Config{IncludeDomains: []string{"docs.python.org"}})
	_, err := p.Search(context.Background(), domain.KnowledgeQuery{
		ID:    "q-1",
		Query: "http handlers",
		Filters: &domain.QueryFilters{
			Domains:        []string{" Docs.Python.org ", "golang.org"},
			ExcludeDomains: []string{"pinterest.com"},
		},
	})
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
}

func TestSearchClampsRequestedResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.MaxResults != maxRequestResults {
			t.Errorf("unexpected max_results: %d", req.MaxResults)
		}
		w.Write([]byte(`{"results":[]}`))
	}))
	defer ts.Close()

	p := testProvider(ts, Config{})
	if _, err := p.Search(context.Background(), domain.KnowledgeQuery{ID: "q-1", Query: "x", MaxResults: 90}); err != nil {
		t.Fatalf("search error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

func TestSearchWithoutAPIKey(t *testing.T) {
	p := NewProvider(Config{Retry: singleAttempt()})
	if p.Configured() {
		t.Fatal("expected unconfigured provider")
	}
	_, err := p.Search(context.Background(), domain.KnowledgeQuery{ID: "q-1", Query: "x"})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSearchRateLimitedNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	p := testProvider(ts, Config{Retry: runtime.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}})
	_, err := p.Search(context.Background(), domain.KnowledgeQuery{ID: "q-1", Query: "x"})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("429 must not be retried, got %d calls", calls.Load())
	}
	if p.Available() {
		t.Fatal("provider should report unavailable while backing off")
	}
}

func TestSearchRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"results":[{"title":"Recovered","url":"https://example.com/r","content":"ok"}]}`))
	}))
	defer ts.Close()

	p := testProvider(ts, Config{Retry: runtime.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}})
	results, err := p.Search(context.Background(), domain.KnowledgeQuery{ID: "q-1", Query: "x"})
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("unexpected call count: %d", calls.Load())
	}
	if len(results) != 1 {
		t.Fatalf("unexpected results: %#v", results)
	}
}

func TestSearchMalformedPayloadNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"results": [`))
	}))
	defer ts.Close()

	p := testProvider(ts, Config{Retry: runtime.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}})
	_, err := p.Search(context.Background(), domain.KnowledgeQuery{ID: "q-1", Query: "x"})
	if !errors.Is(err, domain.ErrParsing) {
		t.Fatalf("expected parsing error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("malformed payload must not be retried, got %d calls", calls.Load())
	}
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func TestDocumentationVariant(t *testing.T) {
	p := NewProvider(Config{
		Name:       " Tavily-Docs ",
		Type:       domain.ProviderTypeDocumentation,
		APIKey:     "tvly-test",
		SourceType: domain.SourceTypeDocumentation,
	})
	if p.Name() != "tavily-docs" {
		t.Fatalf("unexpected name: %q", p.Name())
	}
	if p.Type() != domain.ProviderTypeDocumentation {
		t.Fatalf("unexpected type: %q", p.Type())
	}
}

func TestDefaults(t *testing.T) {
	p := NewProvider(Config{APIKey: "k"})
	if p.Name() != "tavily" {
		t.Fatalf("unexpected default name: %q", p.Name())
	}
	if p.Type() != domain.ProviderTypeWebSearch {
		t.Fatalf("unexpected default type: %q", p.Type())
	}
	if p.endpoint != defaultEndpoint {
		t.Fatalf("unexpected default endpoint: %q", p.endpoint)
	}
	if p.searchDepth != defaultDepth {
		t.Fatalf("unexpected default depth: %q", p.searchDepth)
	}
}
