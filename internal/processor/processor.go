package processor

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/providers/common"
)

const relevanceTieEpsilon = 0.01

type DiversityConfig struct {
	MinSources          int
	MinSourceTypes      int
	MaxResultsPerDomain int
}

type QualityConfig struct {
	EnableCredibilityScoring bool
	EnableRelevanceFiltering bool
	EnableDuplicateDetection bool
}

type CachingConfig struct {
	EnableResultCaching bool
	MaxCacheSize        int
}

type Config struct {
	MinRelevanceScore   float64
	MinCredibilityScore float64
	MaxResultsToProcess int
	Diversity           DiversityConfig
	Quality             QualityConfig
	Caching             CachingConfig
}

func DefaultConfig() Config {
	return Config{
		MinRelevanceScore:   0.3,
		MinCredibilityScore: 0.3,
		MaxResultsToProcess: 50,
		Diversity: DiversityConfig{
			MinSources:          1,
			MinSourceTypes:      2,
			MaxResultsPerDomain: 3,
		},
		Quality: QualityConfig{
			EnableCredibilityScoring: true,
			EnableRelevanceFiltering: true,
			EnableDuplicateDetection: true,
		},
		Caching: CachingConfig{
			EnableResultCaching: true,
			MaxCacheSize:        500,
		},
	}
}

type Stats struct {
	TotalFound int
	Filtered   int
}

// Processor filters, scores, deduplicates, diversifies and ranks raw
// provider results.
type Processor struct {
	cfg    Config
	logger *slog.Logger

	memoMu          sync.Mutex
	credibilityMemo map[string]float64
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(cfg Config, opts ...Option) *Processor {
	if cfg.MaxResultsToProcess <= 0 {
		cfg.MaxResultsToProcess = DefaultConfig().MaxResultsToProcess
	}
	if cfg.Diversity.MaxResultsPerDomain <= 0 {
		cfg.Diversity.MaxResultsPerDomain = DefaultConfig().Diversity.MaxResultsPerDomain
	}
	if cfg.Caching.MaxCacheSize <= 0 {
		cfg.Caching.MaxCacheSize = DefaultConfig().Caching.MaxCacheSize
	}

	p := &Processor{
		cfg:             cfg,
		logger:          slog.Default(),
		credibilityMemo: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the pipeline in order: query filters, relevance scoring,
// credibility assessment, dedup, per-domain diversity caps, thresholds,
// ranking and truncation. providerPriority breaks ranking ties; higher wins.
func (p *Processor) Process(query domain.KnowledgeQuery, results []domain.SearchResult, providerPriority map[string]int) ([]domain.SearchResult, Stats) {
	stats := Stats{TotalFound: len(results)}
	if len(results) == 0 {
		return nil, stats
	}

	now := time.Now().UTC()
	kept := p.applyQueryFilters(query, results)

	terms := common.QueryTerms(query.Query)
	for i := range kept {
		kept[i].RelevanceScore = p.scoreRelevance(terms, kept[i], now)
		processedAt := now
		kept[i].ProcessedAt = &processedAt
	}

	if p.cfg.Quality.EnableCredibilityScoring {
		for i := range kept {
			kept[i].CredibilityScore = p.assessCredibility(kept[i])
		}
	}

	for i := range kept {
		kept[i].Quality = domain.QualityForScores(kept[i].RelevanceScore, kept[i].CredibilityScore)
	}

	if p.cfg.Quality.EnableDuplicateDetection {
		kept = dedupe(kept)
	}

	kept = p.capPerDomain(kept)
	kept = p.applyThresholds(query, kept)

	p.rank(kept, providerPriority)
	kept = p.truncateRanked(kept, providerPriority)

	stats.Filtered = stats.TotalFound - len(kept)
	return kept, stats
}

// truncateRanked cuts the ranked list to MaxResultsToProcess. When the cut
// would leave fewer than MinSourceTypes distinct source types, tail entries
// of unrepresented types replace the lowest-ranked entries whose type stays
// represented, and the kept slice is re-ranked.
func (p *Processor) truncateRanked(results []domain.SearchResult, providerPriority map[string]int) []domain.SearchResult {
	limit := p.cfg.MaxResultsToProcess
	if len(results) <= limit {
		return results
	}

	kept := make([]domain.SearchResult, limit)
	copy(kept, results[:limit])

	want := p.cfg.Diversity.MinSourceTypes
	if want <= 1 {
		return kept
	}

	typeCounts := make(map[domain.SourceType]int, want)
	for _, r := range kept {
		typeCounts[r.SourceType]++
	}
	if len(typeCounts) >= want {
		return kept
	}

	swapped := false
	for _, candidate := range results[limit:] {
		if len(typeCounts) >= want {
			break
		}
		if typeCounts[candidate.SourceType] > 0 {
			continue
		}
		for i := len(kept) - 1; i >= 0; i-- {
			if typeCounts[kept[i].SourceType] <= 1 {
				continue
			}
			typeCounts[kept[i].SourceType]--
			typeCounts[candidate.SourceType]++
			kept[i] = candidate
			swapped = true
			break
		}
	}
	if swapped {
		p.rank(kept, providerPriority)
	}
	return kept
}

// ClearMemo drops all memoized credibility scores.
func (p *Processor) ClearMemo() {
	p.memoMu.Lock()
	p.credibilityMemo = make(map[string]float64)
	p.memoMu.Unlock()
}

func (p *Processor) applyQueryFilters(query domain.KnowledgeQuery, results []domain.SearchResult) []domain.SearchResult {
	filters := query.Filters
	if filters == nil {
		out := make([]domain.SearchResult, len(results))
		copy(out, results)
		return out
	}

	kept := make([]domain.SearchResult, 0, len(results))
	for _, r := range results {
		if !matchesDateRange(filters.DateRange, r.PublishedAt) {
			continue
		}
		if !matchesLanguage(filters.Language, r) {
			continue
		}
		if len(filters.ContentTypes) > 0 && !containsContentType(filters.ContentTypes, r.ContentType) {
			continue
		}
		if filters.CredibilityMinimum > 0 && r.CredibilityScore < filters.CredibilityMinimum {
			continue
		}
		if len(filters.Domains) > 0 && !domainMatchesAny(r.Domain, filters.Domains) {
			continue
		}
		if len(filters.ExcludeDomains) > 0 && domainMatchesAny(r.Domain, filters.ExcludeDomains) {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// matchesDateRange keeps results with unknown publication dates: missing
// metadata is not treated as out of range.
func matchesDateRange(dateRange *domain.DateRange, publishedAt *time.Time) bool {
	if dateRange == nil || publishedAt == nil {
		return true
	}
	if dateRange.From != nil && publishedAt.Before(*dateRange.From) {
		return false
	}
	if dateRange.To != nil && publishedAt.After(*dateRange.To) {
		return false
	}
	return true
}

func matchesLanguage(language string, r domain.SearchResult) bool {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return true
	}
	raw, ok := r.ProviderMetadata["language"]
	if !ok {
		return true
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(value), language)
}

func containsContentType(set []domain.ContentType, value domain.ContentType) bool {
	for _, ct := range set {
		if ct == value {
			return true
		}
	}
	return false
}

func domainMatchesAny(dom string, candidates []string) bool {
	for _, candidate := range candidates {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if dom == candidate || strings.HasSuffix(dom, "."+candidate) {
			return true
		}
	}
	return false
}

// scoreRelevance computes the weighted sum of term coverage in the title and
// snippet, the current credibility signal and recency.
func (p *Processor) scoreRelevance(terms []string, r domain.SearchResult, now time.Time) float64 {
	titleMatch := termCoverage(terms, r.Title)
	snippetMatch := termCoverage(terms, r.Content)
	recency := recencyScore(r.PublishedAt, now)

	score := 0.4*titleMatch + 0.3*snippetMatch + 0.2*r.CredibilityScore + 0.1*recency
	return common.Clamp01(score)
}

func termCoverage(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(text)
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func recencyScore(publishedAt *time.Time, now time.Time) float64 {
	if publishedAt == nil {
		return 0.5
	}
	age := now.Sub(*publishedAt)
	switch {
	case age < 7*24*time.Hour:
		return 1.0
	case age < 30*24*time.Hour:
		return 0.8
	case age < 365*24*time.Hour:
		return 0.6
	default:
		return 0.3
	}
}

func (p *Processor) assessCredibility(r domain.SearchResult) float64 {
	if p.cfg.Caching.EnableResultCaching {
		p.memoMu.Lock()
		if score, ok := p.credibilityMemo[r.Domain]; ok {
			p.memoMu.Unlock()
			return score
		}
		p.memoMu.Unlock()
	}

	score := common.CredibilityFor(r.Domain, r.SourceType)

	if p.cfg.Caching.EnableResultCaching {
		p.memoMu.Lock()
		if len(p.credibilityMemo) >= p.cfg.Caching.MaxCacheSize {
			p.credibilityMemo = make(map[string]float64, p.cfg.Caching.MaxCacheSize)
		}
		p.credibilityMemo[r.Domain] = score
		p.memoMu.Unlock()
	}
	return score
}

// dedupe keeps the first occurrence of each content fingerprint. Results
// without a hash fall back to a domain/title/snippet signature.
func dedupe(results []domain.SearchResult) []domain.SearchResult {
	seen := make(map[string]struct{}, len(results))
	kept := results[:0]
	for _, r := range results {
		signature := r.ContentHash
		if signature == "" {
			snippet := r.Content
			if runes := []rune(snippet); len(runes) > 100 {
				snippet = string(runes[:100])
			}
			signature = r.Domain + "|" + common.NormalizeText(r.Title) + "|" + strings.ToLower(snippet)
		}
		if _, ok := seen[signature]; ok {
			continue
		}
		seen[signature] = struct{}{}
		kept = append(kept, r)
	}
	return kept
}

func (p *Processor) capPerDomain(results []domain.SearchResult) []domain.SearchResult {
	limit := p.cfg.Diversity.MaxResultsPerDomain
	if limit <= 0 {
		return results
	}
	counts := make(map[string]int, len(results))
	kept := results[:0]
	for _, r := range results {
		if counts[r.Domain] >= limit {
			continue
		}
		counts[r.Domain]++
		kept = append(kept, r)
	}
	return kept
}

func (p *Processor) applyThresholds(query domain.KnowledgeQuery, results []domain.SearchResult) []domain.SearchResult {
	minRelevance := p.cfg.MinRelevanceScore
	if query.RelevanceThreshold > minRelevance {
		minRelevance = query.RelevanceThreshold
	}

	kept := results[:0]
	for _, r := range results {
		if p.cfg.Quality.EnableRelevanceFiltering && r.RelevanceScore < minRelevance {
			continue
		}
		if r.CredibilityScore < p.cfg.MinCredibilityScore {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// rank orders by relevance desc; near-ties fall through to credibility,
// publication date and provider priority.
func (p *Processor) rank(results []domain.SearchResult, providerPriority map[string]int) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if diff := a.RelevanceScore - b.RelevanceScore; diff >= relevanceTieEpsilon || diff <= -relevanceTieEpsilon {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.CredibilityScore != b.CredibilityScore {
			return a.CredibilityScore > b.CredibilityScore
		}
		if a.PublishedAt != nil && b.PublishedAt != nil && !a.PublishedAt.Equal(*b.PublishedAt) {
			return a.PublishedAt.After(*b.PublishedAt)
		}
		return providerPriority[a.Provider] > providerPriority[b.Provider]
	})
}
