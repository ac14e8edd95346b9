package apihttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/providers/mock"
	"agentmesh/knowledgeservice/internal/research"
	"agentmesh/knowledgeservice/internal/seeker"
)

// newE2EServer wires the real seeker and augmenter over the deterministic
// mock provider, so requests cross the full middleware and handler stack
// without leaving the process.
func newE2EServer(t *testing.T) *Server {
	t.Helper()
	provider := mock.NewProvider(mock.Config{Name: "mock"})
	knowledge := seeker.New(seeker.Config{
		Enabled:      true,
		CacheEnabled: true,
	}, []seeker.Registration{{Provider: provider, Priority: 1, Enabled: true}}, nil)
	augmenter := research.NewAugmenter(research.AugmenterConfig{}, nil, knowledge)
	return NewServer(knowledge, WithResearch(augmenter))
}

// TestE2EQueryReturnsInjectableResults validates that query responses carry
// every field the orchestrator needs to inject findings into an agent
// prompt: title, url, provider attribution and a relevance score at or
// above the requested threshold.
func TestE2EQueryReturnsInjectableResults(t *testing.T) {
	server := newE2EServer(t)

	body := `{"id":"q-e2e","query":"distributed consensus algorithms","queryType":"technical","maxResults":5,"relevanceThreshold":0.5,"timeoutMs":5000}`
	req := httptest.NewRequest(http.MethodPost, "/knowledge/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.KnowledgeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(resp.Results) == 0 {
		t.Fatalf("query returned no results")
	}
	if len(resp.Results) > 5 {
		t.Fatalf("results exceed maxResults: %d", len(resp.Results))
	}
	for i, result := range resp.Results {
		if result.Title == "" {
			t.Errorf("result[%d]: missing title", i)
		}
		if result.URL == "" {
			t.Errorf("result[%d] %q: missing url", i, result.Title)
		}
		if result.Provider == "" {
			t.Errorf("result[%d] %q: missing provider attribution", i, result.Title)
		}
		if result.RelevanceScore < 0.5 {
			t.Errorf("result[%d] %q: relevance %.2f below requested threshold", i, result.Title, result.RelevanceScore)
		}
		if result.QueryID != "q-e2e" {
			t.Errorf("result[%d] %q: queryId not stamped, got %q", i, result.Title, result.QueryID)
		}
	}

	if resp.Summary == "" {
		t.Fatalf("summary required for prompt injection")
	}
	if resp.Confidence <= 0 {
		t.Fatalf("confidence should be positive, got %f", resp.Confidence)
	}
	if len(resp.SourcesUsed) != 1 || resp.SourcesUsed[0] != "mock" {
		t.Fatalf("unexpected sourcesUsed: %v", resp.SourcesUsed)
	}
	if resp.Metadata.CacheUsed {
		t.Fatalf("first query should not be served from cache")
	}
}

// TestE2ERepeatQueryServedFromCache validates that an identical repeat
// query comes back from the response cache with the cacheUsed marker set.
func TestE2ERepeatQueryServedFromCache(t *testing.T) {
	server := newE2EServer(t)
	handler := server.Handler()

	body := `{"id":"q-cache","query":"message queue backpressure","maxResults":5,"relevanceThreshold":0.5,"timeoutMs":5000}`
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/knowledge/query", strings.NewReader(body)))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/knowledge/query", strings.NewReader(body)))
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}

	var firstResp, secondResp domain.KnowledgeResponse
	if err := json.Unmarshal(first.Body.Bytes(), &firstResp); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &secondResp); err != nil {
		t.Fatalf("decode second: %v", err)
	}

	if firstResp.Metadata.CacheUsed {
		t.Fatalf("first response should be fresh")
	}
	if !secondResp.Metadata.CacheUsed {
		t.Fatalf("second response should be served from cache")
	}
	if len(secondResp.Results) != len(firstResp.Results) {
		t.Fatalf("cached results differ: %d vs %d", len(secondResp.Results), len(firstResp.Results))
	}
	for i, result := range secondResp.Results {
		if result.QueryID != "q-cache" {
			t.Errorf("cached result[%d]: queryId not restamped, got %q", i, result.QueryID)
		}
	}
}

// TestE2ETaskAugmentProvidesResearchContext validates that augmented tasks
// carry a research context complete enough for the orchestrator: queries,
// findings with key sources, and the original task untouched.
func TestE2ETaskAugmentProvidesResearchContext(t *testing.T) {
	server := newE2EServer(t)

	body := `{"id":"task-e2e","description":"How do I implement OAuth2 in Express.js?","type":"implementation"}`
	req := httptest.NewRequest(http.MethodPost, "/tasks/augment", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var augmented domain.AugmentedTask
	if err := json.Unmarshal(rec.Body.Bytes(), &augmented); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if augmented.ID != "task-e2e" {
		t.Fatalf("task id changed: %q", augmented.ID)
	}
	if augmented.Description != "How do I implement OAuth2 in Express.js?" {
		t.Fatalf("task description changed: %q", augmented.Description)
	}
	if !augmented.ResearchProvided {
		t.Fatalf("expected research for a question task")
	}
	ctx := augmented.ResearchContext
	if ctx == nil {
		t.Fatalf("missing research context")
	}
	if len(ctx.Queries) == 0 || len(ctx.Queries) > 3 {
		t.Fatalf("unexpected query count: %v", ctx.Queries)
	}
	if len(ctx.Findings) == 0 {
		t.Fatalf("expected at least one finding")
	}
	for i, finding := range ctx.Findings {
		if finding.Query == "" {
			t.Errorf("finding[%d]: missing query", i)
		}
		if finding.Summary == "" {
			t.Errorf("finding[%d]: missing summary", i)
		}
		if finding.Confidence <= 0 {
			t.Errorf("finding[%d]: confidence should be positive", i)
		}
		if len(finding.KeyFindings) == 0 {
			t.Errorf("finding[%d]: missing key findings", i)
		}
		for j, key := range finding.KeyFindings {
			if key.Title == "" || key.URL == "" {
				t.Errorf("finding[%d] key[%d]: title and url required for source attribution", i, j)
			}
		}
	}
	if ctx.Confidence <= 0 {
		t.Fatalf("research confidence should be positive")
	}
	if ctx.AugmentedAt.IsZero() {
		t.Fatalf("augmentedAt should be set")
	}
}

// TestE2ENonResearchTaskPassesThrough validates that a plain refactoring
// task crosses the whole stack unmodified.
func TestE2ENonResearchTaskPassesThrough(t *testing.T) {
	server := newE2EServer(t)

	body := `{"id":"task-plain","description":"Rename the counter variable to totalSeen.","type":"refactor"}`
	req := httptest.NewRequest(http.MethodPost, "/tasks/augment", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var augmented domain.AugmentedTask
	if err := json.Unmarshal(rec.Body.Bytes(), &augmented); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if augmented.ResearchProvided {
		t.Fatalf("refactoring task should not trigger research")
	}
	if augmented.ResearchContext != nil {
		t.Fatalf("unexpected research context: %+v", augmented.ResearchContext)
	}
	if augmented.ID != "task-plain" || augmented.Description != "Rename the counter variable to totalSeen." {
		t.Fatalf("task mutated: %+v", augmented.Task)
	}
}
