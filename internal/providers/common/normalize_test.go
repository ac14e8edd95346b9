package common

import (
	"strings"
	"testing"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
)

func TestDomainOf(t *testing.T) {
	tests := []struct {
		rawURL string
		want   string
	}{
		{"https://www.example.com/path?a=1", "example.com"},
		{"http://Docs.Python.org/3/", "docs.python.org"},
		{"https://arxiv.org/abs/2106.01345", "arxiv.org"},
		{"not a url", "unknown"},
		{"", "unknown"},
		{"/relative/path", "unknown"},
	}
	for _, tt := range tests {
		if got := DomainOf(tt.rawURL); got != tt.want {
			t.Errorf("DomainOf(%q) = %q, want %q", tt.rawURL, got, tt.want)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	got := NormalizeText("  Rate   Limiting\tIn Go  ")
	if got != "rate limiting in go" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}

func TestQueryTerms_DropsShortAndDuplicateTokens(t *testing.T) {
	terms := QueryTerms("Go vs Go: an in-depth look at Go concurrency")
	want := []string{"depth", "look", "concurrency"}
	if len(terms) != len(want) {
		t.Fatalf("expected %v, got %v", want, terms)
	}
	for i := range want {
		if terms[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, terms)
		}
	}
}

func TestContentHash_StableAndTruncated(t *testing.T) {
	a := ContentHash("Title", "https://www.example.com/x", "snippet body")
	b := ContentHash("  title  ", "https://example.com/x", "SNIPPET BODY")
	if a != b {
		t.Fatalf("expected identical hashes, got %q and %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", a)
	}

	long := strings.Repeat("x", 150)
	c := ContentHash("t", "https://e.com", long)
	d := ContentHash("t", "https://e.com", long[:100]+"different tail")
	if c != d {
		t.Fatal("snippet beyond 100 chars must not affect the hash")
	}
}

func TestInferSourceType(t *testing.T) {
	tests := []struct {
		dom  string
		want domain.SourceType
	}{
		{"arxiv.org", domain.SourceTypeAcademic},
		{"cs.stanford.edu", domain.SourceTypeAcademic},
		{"docs.python.org", domain.SourceTypeDocumentation},
		{"docs.example.io", domain.SourceTypeDocumentation},
		{"reuters.com", domain.SourceTypeNews},
		{"reddit.com", domain.SourceTypeSocial},
		{"old.reddit.com", domain.SourceTypeSocial},
		{"example.com", domain.SourceTypeWeb},
		{"unknown", domain.SourceTypeUnknown},
	}
	for _, tt := range tests {
		if got := InferSourceType(tt.dom); got != tt.want {
			t.Errorf("InferSourceType(%q) = %q, want %q", tt.dom, got, tt.want)
		}
	}
}

func TestCredibilityFor_BumpsAndPenalties(t *testing.T) {
	edu := CredibilityFor("cs.stanford.edu", domain.SourceTypeAcademic)
	if edu != 1.0 {
		t.Fatalf("academic .edu should clamp at 1.0, got %v", edu)
	}

	plain := CredibilityFor("example.com", domain.SourceTypeWeb)
	if plain != 0.6 {
		t.Fatalf("plain web domain should score 0.6, got %v", plain)
	}

	reliable := CredibilityFor("github.com", domain.SourceTypeWeb)
	if reliable <= plain {
		t.Fatalf("known-reliable domain should beat plain web: %v vs %v", reliable, plain)
	}

	throwaway := CredibilityFor("cheap-seo.tk", domain.SourceTypeWeb)
	if throwaway >= plain {
		t.Fatalf("free-TLD domain should be penalized: %v vs %v", throwaway, plain)
	}
}

func TestFinalize_FillsDerivedFields(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := domain.SearchResult{
		Title:   "Understanding Goroutines",
		URL:     "https://www.example.com/goroutines",
		Content: "An introduction to goroutines and channels.",
	}

	Finalize(&r, 0, now)

	if r.Domain != "example.com" {
		t.Fatalf("expected derived domain, got %q", r.Domain)
	}
	if r.SourceType != domain.SourceTypeWeb {
		t.Fatalf("expected web source type, got %q", r.SourceType)
	}
	if r.RelevanceScore != 0.9 {
		t.Fatalf("expected positional relevance 0.9, got %v", r.RelevanceScore)
	}
	if r.CredibilityScore != 0.6 {
		t.Fatalf("expected base credibility 0.6, got %v", r.CredibilityScore)
	}
	if r.Quality != domain.QualityMedium {
		t.Fatalf("expected medium quality for (0.9+0.6)/2, got %q", r.Quality)
	}
	if r.ContentHash == "" {
		t.Fatal("expected content hash to be set")
	}
	if !r.RetrievedAt.Equal(now) {
		t.Fatalf("expected retrievedAt %v, got %v", now, r.RetrievedAt)
	}
}

func TestFinalize_KeepsBackendScores(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := domain.SearchResult{
		Title:            "Paper",
		URL:              "https://arxiv.org/abs/1",
		RelevanceScore:   0.42,
		CredibilityScore: 0.77,
	}

	Finalize(&r, 3, now)

	if r.RelevanceScore != 0.42 || r.CredibilityScore != 0.77 {
		t.Fatalf("backend scores must be kept: %v / %v", r.RelevanceScore, r.CredibilityScore)
	}
	if r.ContentType != domain.ContentTypeAcademicPaper {
		t.Fatalf("expected academic_paper content type, got %q", r.ContentType)
	}
}

func TestPositionRelevance_Floor(t *testing.T) {
	if got := PositionRelevance(50); got != 0.3 {
		t.Fatalf("expected floor 0.3, got %v", got)
	}
}
