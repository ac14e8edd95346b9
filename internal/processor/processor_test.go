package processor

import (
	"testing"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
)

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.Quality.EnableCredibilityScoring = false
	return cfg
}

func webResult(id, title, content, url string, credibility float64) domain.SearchResult {
	return domain.SearchResult{
		ID:               id,
		Title:            title,
		Content:          content,
		URL:              url,
		Domain:           domainOf(url),
		SourceType:       domain.SourceTypeWeb,
		CredibilityScore: credibility,
		Provider:         "mock",
		ContentHash:      id,
	}
}

func domainOf(url string) string {
	switch {
	case url == "":
		return "unknown"
	default:
		// Tests pass bare hosts as URLs for brevity.
		return url
	}
}

func TestProcess_EmptyInput(t *testing.T) {
	p := New(baseConfig())
	results, stats := p.Process(domain.KnowledgeQuery{ID: "q", Query: "anything"}, nil, nil)
	if results != nil {
		t.Fatalf("expected nil results, got %v", results)
	}
	if stats.TotalFound != 0 || stats.Filtered != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProcess_RelevanceThresholdFiltering(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRelevanceScore = 0.8
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "typescript best practices"}
	results := []domain.SearchResult{
		webResult("a", "TypeScript Best Practices Guide", "typescript best practices explained in depth", "strong.example.com", 0.9),
		webResult("b", "Unrelated cooking recipes", "nothing about programming here", "weak.example.com", 0.9),
	}

	ranked, stats := p.Process(query, results, nil)
	if len(ranked) != 1 {
		t.Fatalf("expected 1 result after threshold, got %d", len(ranked))
	}
	if ranked[0].ID != "a" {
		t.Fatalf("expected the matching result to survive, got %q", ranked[0].ID)
	}
	if ranked[0].RelevanceScore < 0.8 {
		t.Fatalf("kept result must satisfy the threshold, got %v", ranked[0].RelevanceScore)
	}
	if stats.Filtered < 1 {
		t.Fatalf("expected filtered >= 1, got %d", stats.Filtered)
	}
	if ranked[0].ProcessedAt == nil {
		t.Fatal("expected processedAt to be set")
	}
}

func TestProcess_QueryRelevanceThresholdWins(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRelevanceScore = 0.1
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "golang channels", RelevanceThreshold: 0.9}
	results := []domain.SearchResult{
		webResult("a", "Golang channels tutorial", "golang channels deep dive", "example.com", 0.9),
	}
	// 0.4 + 0.3 + 0.18 + 0.05 = 0.93 with both terms matched.
	ranked, _ := p.Process(query, results, nil)
	if len(ranked) != 1 {
		t.Fatalf("expected the strong match to pass 0.9, got %d results", len(ranked))
	}

	query.RelevanceThreshold = 0.95
	ranked, _ = p.Process(query, results, nil)
	if len(ranked) != 0 {
		t.Fatalf("expected the query threshold to filter, got %d results", len(ranked))
	}
}

func TestProcess_DeduplicatesByContentHash(t *testing.T) {
	p := New(baseConfig())
	query := domain.KnowledgeQuery{ID: "q1", Query: "rate limiting"}

	a := webResult("x", "Rate limiting patterns", "rate limiting overview", "one.example.com", 0.9)
	b := webResult("x", "Rate limiting patterns", "rate limiting overview", "two.example.com", 0.9)
	b.ID = "dup"
	b.ContentHash = a.ContentHash

	ranked, _ := p.Process(query, []domain.SearchResult{a, b}, nil)
	if len(ranked) != 1 {
		t.Fatalf("expected 1 result after dedup, got %d", len(ranked))
	}
	if ranked[0].ID != "x" {
		t.Fatalf("expected first occurrence to be kept, got %q", ranked[0].ID)
	}
}

func TestProcess_DedupeSignatureWithoutHash(t *testing.T) {
	p := New(baseConfig())
	query := domain.KnowledgeQuery{ID: "q1", Query: "caching"}

	a := webResult("a", "Caching Strategies", "caching strategies for services", "example.com", 0.9)
	b := webResult("b", "caching   strategies", "caching strategies for services", "example.com", 0.9)
	a.ContentHash = ""
	b.ContentHash = ""

	ranked, _ := p.Process(query, []domain.SearchResult{a, b}, nil)
	if len(ranked) != 1 {
		t.Fatalf("expected signature dedup to collapse, got %d", len(ranked))
	}
}

func TestProcess_DomainCap(t *testing.T) {
	cfg := baseConfig()
	cfg.Diversity.MaxResultsPerDomain = 2
	cfg.MinRelevanceScore = 0
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "kubernetes operators"}
	var results []domain.SearchResult
	for i := 0; i < 4; i++ {
		r := webResult(string(rune('a'+i)), "Kubernetes operators guide", "kubernetes operators explained", "same.example.com", 0.9)
		r.ContentHash = r.ID
		results = append(results, r)
	}

	ranked, _ := p.Process(query, results, nil)
	if len(ranked) != 2 {
		t.Fatalf("expected domain cap of 2, got %d", len(ranked))
	}
	for _, r := range ranked {
		if r.Domain != "same.example.com" {
			t.Fatalf("unexpected domain %q", r.Domain)
		}
	}
}

func TestProcess_RankingOrder(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRelevanceScore = 0
	cfg.MinCredibilityScore = 0
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "grpc streaming"}

	strong := webResult("strong", "gRPC streaming guide", "grpc streaming bidirectional examples", "a.example.com", 0.9)
	weak := webResult("weak", "Unrelated post", "nothing relevant", "b.example.com", 0.9)

	ranked, _ := p.Process(query, []domain.SearchResult{weak, strong}, nil)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 results, got %d", len(ranked))
	}
	if ranked[0].ID != "strong" {
		t.Fatalf("expected the strong match first, got %q", ranked[0].ID)
	}
	if ranked[0].RelevanceScore < ranked[1].RelevanceScore {
		t.Fatal("results must be non-increasing in relevance")
	}
}

func TestProcess_TieBreaksByCredibilityThenDateThenPriority(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRelevanceScore = 0
	cfg.MinCredibilityScore = 0
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "vector clocks"}
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	// Identical text keeps the relevance gap under the tie epsilon
	// (credibility feeds relevance at weight 0.2, so 0.04 → 0.008).
	a := webResult("lowcred", "vector clocks", "vector clocks intro", "a.example.com", 0.70)
	b := webResult("highcred", "vector clocks", "vector clocks intro", "b.example.com", 0.74)

	ranked, _ := p.Process(query, []domain.SearchResult{a, b}, nil)
	if ranked[0].ID != "highcred" {
		t.Fatalf("expected credibility tie-break, got %q first", ranked[0].ID)
	}

	// Same credibility; newer date wins. Same-bucket recency keeps relevance tied.
	c := webResult("older", "vector clocks", "vector clocks intro", "c.example.com", 0.7)
	c.PublishedAt = &old
	d := webResult("newer", "vector clocks", "vector clocks intro", "d.example.com", 0.7)
	d.PublishedAt = &recent

	ranked, _ = p.Process(query, []domain.SearchResult{c, d}, nil)
	if ranked[0].ID != "newer" {
		t.Fatalf("expected newer result first, got %q", ranked[0].ID)
	}

	// Full tie falls to provider priority.
	e := webResult("lowprio", "vector clocks", "vector clocks intro", "e.example.com", 0.7)
	e.Provider = "beta"
	f := webResult("highprio", "vector clocks", "vector clocks intro", "f.example.com", 0.7)
	f.Provider = "alpha"

	ranked, _ = p.Process(query, []domain.SearchResult{e, f}, map[string]int{"alpha": 10, "beta": 1})
	if ranked[0].ID != "highprio" {
		t.Fatalf("expected provider priority tie-break, got %q first", ranked[0].ID)
	}
}

func TestProcess_QueryFilters(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRelevanceScore = 0
	cfg.MinCredibilityScore = 0
	p := New(cfg)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	published := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	query := domain.KnowledgeQuery{
		ID:    "q1",
		Query: "service mesh",
		Filters: &domain.QueryFilters{
			DateRange:      &domain.DateRange{From: &from},
			ExcludeDomains: []string{"spam.example.com"},
			Domains:        []string{"example.com"},
		},
	}

	inRange := webResult("keep", "service mesh overview", "service mesh basics", "docs.example.com", 0.8)
	noDate := webResult("nodate", "service mesh deep dive", "service mesh internals", "blog.example.com", 0.8)
	tooOld := webResult("old", "service mesh history", "service mesh origins", "old.example.com", 0.8)
	tooOld.PublishedAt = &published
	excluded := webResult("spam", "service mesh spam", "service mesh noise", "spam.example.com", 0.8)
	offDomain := webResult("other", "service mesh elsewhere", "service mesh offsite", "another.net", 0.8)

	ranked, stats := p.Process(query, []domain.SearchResult{inRange, noDate, tooOld, excluded, offDomain}, nil)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 results, got %d (%+v)", len(ranked), ranked)
	}
	ids := map[string]bool{}
	for _, r := range ranked {
		ids[r.ID] = true
	}
	if !ids["keep"] || !ids["nodate"] {
		t.Fatalf("expected keep and nodate to survive, got %v", ids)
	}
	if stats.Filtered != 3 {
		t.Fatalf("expected 3 filtered, got %d", stats.Filtered)
	}
}

func TestProcess_ContentTypeAndCredibilityFilters(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRelevanceScore = 0
	cfg.MinCredibilityScore = 0
	p := New(cfg)

	query := domain.KnowledgeQuery{
		ID:    "q1",
		Query: "observability",
		Filters: &domain.QueryFilters{
			ContentTypes:       []domain.ContentType{domain.ContentTypeDocumentation},
			CredibilityMinimum: 0.5,
		},
	}

	docHigh := webResult("dochigh", "observability docs", "observability documentation", "a.example.com", 0.9)
	docHigh.ContentType = domain.ContentTypeDocumentation
	docLow := webResult("doclow", "observability docs low", "observability documentation", "b.example.com", 0.2)
	docLow.ContentType = domain.ContentTypeDocumentation
	article := webResult("article", "observability article", "observability overview", "c.example.com", 0.9)
	article.ContentType = domain.ContentTypeArticle

	ranked, _ := p.Process(query, []domain.SearchResult{docHigh, docLow, article}, nil)
	if len(ranked) != 1 || ranked[0].ID != "dochigh" {
		t.Fatalf("expected only dochigh, got %+v", ranked)
	}
}

func TestProcess_CredibilityAssessmentBySourceType(t *testing.T) {
	cfg := DefaultConfig() // credibility scoring enabled
	cfg.MinRelevanceScore = 0
	cfg.MinCredibilityScore = 0
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "transformer models"}

	academic := webResult("paper", "transformer models survey", "transformer models overview", "arxiv.org", 0)
	academic.SourceType = domain.SourceTypeAcademic
	social := webResult("thread", "transformer models thread", "transformer models discussion", "reddit.com", 0)
	social.SourceType = domain.SourceTypeSocial

	ranked, _ := p.Process(query, []domain.SearchResult{academic, social}, nil)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 results, got %d", len(ranked))
	}
	byID := map[string]domain.SearchResult{}
	for _, r := range ranked {
		byID[r.ID] = r
	}
	if byID["paper"].CredibilityScore <= byID["thread"].CredibilityScore {
		t.Fatalf("academic source should outrank social: %v vs %v",
			byID["paper"].CredibilityScore, byID["thread"].CredibilityScore)
	}
	if byID["paper"].Quality == domain.QualityUnreliable {
		t.Fatalf("unexpected quality %q", byID["paper"].Quality)
	}
}

func TestProcess_TruncatesToMaxResults(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRelevanceScore = 0
	cfg.MinCredibilityScore = 0
	cfg.MaxResultsToProcess = 2
	cfg.Diversity.MaxResultsPerDomain = 10
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "sharding"}
	var results []domain.SearchResult
	for i := 0; i < 5; i++ {
		r := webResult(string(rune('a'+i)), "sharding guide", "sharding strategies", "same.example.com", 0.9)
		r.ContentHash = r.ID
		results = append(results, r)
	}

	ranked, stats := p.Process(query, results, nil)
	if len(ranked) != 2 {
		t.Fatalf("expected truncation to 2, got %d", len(ranked))
	}
	if stats.Filtered != 3 {
		t.Fatalf("expected 3 filtered, got %d", stats.Filtered)
	}
}

func TestProcess_TruncationKeepsSourceTypeSpread(t *testing.T) {
	cfg := baseConfig()
	cfg.MinRelevanceScore = 0
	cfg.MinCredibilityScore = 0
	cfg.MaxResultsToProcess = 2
	cfg.Diversity.MinSourceTypes = 2
	cfg.Diversity.MaxResultsPerDomain = 10
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "consensus algorithms"}

	first := webResult("web1", "consensus algorithms guide", "consensus algorithms overview", "a.example.com", 0.9)
	second := webResult("web2", "consensus algorithms guide", "consensus algorithms overview", "b.example.com", 0.9)
	paper := webResult("paper", "consensus history", "notes on agreement protocols", "c.example.com", 0.9)
	paper.SourceType = domain.SourceTypeAcademic

	ranked, _ := p.Process(query, []domain.SearchResult{first, second, paper}, nil)
	if len(ranked) != 2 {
		t.Fatalf("expected truncation to 2, got %d", len(ranked))
	}
	types := map[domain.SourceType]bool{}
	for _, r := range ranked {
		types[r.SourceType] = true
	}
	if !types[domain.SourceTypeWeb] || !types[domain.SourceTypeAcademic] {
		t.Fatalf("expected both source types represented, got %+v", ranked)
	}
	if ranked[0].ID != "web1" {
		t.Fatalf("highest-ranked result must survive the swap, got %q", ranked[0].ID)
	}
	if ranked[0].RelevanceScore < ranked[1].RelevanceScore {
		t.Fatal("results must stay non-increasing in relevance after the swap")
	}
}

func TestClearMemoResetsCredibilityMemo(t *testing.T) {
	cfg := DefaultConfig() // credibility scoring on warms the memo
	cfg.MinRelevanceScore = 0
	cfg.MinCredibilityScore = 0
	p := New(cfg)

	query := domain.KnowledgeQuery{ID: "q1", Query: "memoization"}
	r := webResult("a", "memoization guide", "memoization strategies", "memo.example.com", 0)
	p.Process(query, []domain.SearchResult{r}, nil)

	p.memoMu.Lock()
	warm := len(p.credibilityMemo)
	p.memoMu.Unlock()
	if warm == 0 {
		t.Fatal("expected memoized credibility after processing")
	}

	p.ClearMemo()

	p.memoMu.Lock()
	cleared := len(p.credibilityMemo)
	p.memoMu.Unlock()
	if cleared != 0 {
		t.Fatalf("expected empty memo after clear, got %d", cleared)
	}
}

func TestRecencyScore(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mk := func(daysAgo int) *time.Time {
		ts := now.Add(-time.Duration(daysAgo) * 24 * time.Hour)
		return &ts
	}
	tests := []struct {
		publishedAt *time.Time
		want        float64
	}{
		{mk(1), 1.0},
		{mk(10), 0.8},
		{mk(100), 0.6},
		{mk(400), 0.3},
		{nil, 0.5},
	}
	for _, tt := range tests {
		if got := recencyScore(tt.publishedAt, now); got != tt.want {
			t.Errorf("recencyScore(%v) = %v, want %v", tt.publishedAt, got, tt.want)
		}
	}
}

func TestTermCoverage(t *testing.T) {
	terms := []string{"golang", "channels", "select"}
	if got := termCoverage(terms, "Golang channels and the select statement"); got != 1.0 {
		t.Fatalf("expected full coverage, got %v", got)
	}
	if got := termCoverage(terms, "golang only"); got < 0.33 || got > 0.34 {
		t.Fatalf("expected one third, got %v", got)
	}
	if got := termCoverage(nil, "anything"); got != 0 {
		t.Fatalf("expected 0 for no terms, got %v", got)
	}
}
