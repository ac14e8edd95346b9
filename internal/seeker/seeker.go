package seeker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/metrics"
	"agentmesh/knowledgeservice/internal/processor"
)

const (
	maxQueryLength  = 1000
	maxResultsLimit = 100
	maxTimeoutMS    = 300000
)

type Config struct {
	Enabled               bool
	DefaultTimeout        time.Duration
	MaxConcurrentSearches int
	MaxResultsPerProvider int
	MinRelevanceThreshold float64
	CacheEnabled          bool
	CacheTTL              time.Duration
	VerifyMinConfidence   float64
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Second
	}
	if c.MaxConcurrentSearches <= 0 {
		c.MaxConcurrentSearches = 5
	}
	if c.MaxResultsPerProvider <= 0 {
		c.MaxResultsPerProvider = 10
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.VerifyMinConfidence <= 0 {
		c.VerifyMinConfidence = 0.5
	}
	return c
}

// Seeker orchestrates knowledge queries: it validates input, consults the
// response cache, selects and fans out to providers, funnels raw results
// through the processor and assembles the final response. Provider failures
// degrade the response; they never abort a query.
type Seeker struct {
	cfg       Config
	registry  *Registry
	processor *processor.Processor
	cache     *ResponseCache
	durable   DurableCache
	events    EventSink
	verifier  Verifier
	logger    *slog.Logger

	gate     *semaphore.Weighted
	inflight singleflight.Group

	backgroundRun atomic.Bool
	active        atomic.Int64
	processed     atomic.Int64
	failed        atomic.Int64
}

type Option func(*Seeker)

func WithDurableCache(backend DurableCache) Option {
	return func(s *Seeker) {
		s.durable = backend
	}
}

func WithEventSink(sink EventSink) Option {
	return func(s *Seeker) {
		if sink != nil {
			s.events = sink
		}
	}
}

func WithVerifier(verifier Verifier) Option {
	return func(s *Seeker) {
		s.verifier = verifier
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Seeker) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(cfg Config, registrations []Registration, proc *processor.Processor, opts ...Option) *Seeker {
	cfg = cfg.withDefaults()

	registry := NewRegistry()
	for _, reg := range registrations {
		if err := registry.Register(reg); err != nil {
			slog.Warn("skipping provider registration", slog.String("error", err.Error()))
		}
	}

	if proc == nil {
		proc = processor.New(processor.DefaultConfig())
	}

	s := &Seeker{
		cfg:       cfg,
		registry:  registry,
		processor: proc,
		events:    NopSink(),
		logger:    slog.Default(),
		gate:      semaphore.NewWeighted(int64(cfg.MaxConcurrentSearches)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = NewResponseCache(CacheConfig{TTL: cfg.CacheTTL}, s.durable)
	return s
}

// ProcessQuery runs one knowledge query end to end. Validation and the local
// concurrency cap surface as errors; everything downstream degrades into the
// response. Concurrent calls with the same query id share one execution.
func (s *Seeker) ProcessQuery(ctx context.Context, query domain.KnowledgeQuery) (domain.KnowledgeResponse, error) {
	if !s.cfg.Enabled {
		return domain.KnowledgeResponse{}, fmt.Errorf("%w: knowledge seeking is disabled", domain.ErrConfiguration)
	}
	if err := validateQuery(query); err != nil {
		s.failed.Add(1)
		metrics.QueriesTotal.WithLabelValues("invalid").Inc()
		s.events.Emit(newEvent(domain.EventQueryFailed, domain.EventSeverityError, map[string]any{
			"queryId": query.ID,
			"error":   sanitizeErrorMessage(err),
		}))
		return domain.KnowledgeResponse{}, err
	}

	value, err, _ := s.inflight.Do(query.ID, func() (any, error) {
		return s.runQuery(ctx, query)
	})
	if err != nil {
		return domain.KnowledgeResponse{}, err
	}
	return value.(domain.KnowledgeResponse), nil
}

func (s *Seeker) runQuery(ctx context.Context, query domain.KnowledgeQuery) (domain.KnowledgeResponse, error) {
	startedAt := time.Now()
	query.Priority = domain.NormalizePriority(string(query.Priority))
	if query.RelevanceThreshold < s.cfg.MinRelevanceThreshold {
		query.RelevanceThreshold = s.cfg.MinRelevanceThreshold
	}

	s.events.Emit(newEvent(domain.EventQueryReceived, domain.EventSeverityInfo, map[string]any{
		"queryId":   query.ID,
		"queryType": string(query.QueryType),
		"priority":  string(query.Priority),
	}))

	if s.cfg.CacheEnabled {
		if cached, ok := s.cache.Get(ctx, CacheKey(query), time.Now()); ok {
			response := cached
			response.Query = query
			for i := range response.Results {
				response.Results[i].QueryID = query.ID
			}
			response.RespondedAt = time.Now().UTC()
			response.Metadata.ProcessingTimeMS = time.Since(startedAt).Milliseconds()

			s.processed.Add(1)
			metrics.QueriesTotal.WithLabelValues("cache_hit").Inc()
			metrics.QueryDuration.Observe(time.Since(startedAt).Seconds())
			s.emitReady(query, response, startedAt)
			return response, nil
		}
	}

	if !s.gate.TryAcquire(1) {
		err := fmt.Errorf("%w: %d searches already active", domain.ErrRateLimitExceeded, s.cfg.MaxConcurrentSearches)
		s.failed.Add(1)
		metrics.QueriesTotal.WithLabelValues("rejected").Inc()
		s.events.Emit(newEvent(domain.EventQueryFailed, domain.EventSeverityWarning, map[string]any{
			"queryId": query.ID,
			"error":   sanitizeErrorMessage(err),
		}))
		return domain.KnowledgeResponse{}, err
	}
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.gate.Release(1)
	}()

	selected := s.selectProviders(query)
	providersQueried := make([]string, 0, len(selected))
	for _, reg := range selected {
		providersQueried = append(providersQueried, providerKey(reg.Provider))
	}

	s.logger.Info("knowledge query started",
		slog.String("queryId", query.ID),
		slog.String("queryType", string(query.QueryType)),
		slog.Any("providers", providersQueried),
	)

	outcomes := s.fanOut(ctx, query, selected)

	raw := make([]domain.SearchResult, 0, len(selected)*s.cfg.MaxResultsPerProvider)
	failures := 0
	for _, outcome := range outcomes {
		if outcome.err != nil {
			failures++
			s.logger.Warn("provider search failed",
				slog.String("queryId", query.ID),
				slog.String("provider", outcome.name),
				slog.Int64("elapsedMs", outcome.elapsed.Milliseconds()),
				slog.String("error", outcome.err.Error()),
			)
			s.events.Emit(newEvent(domain.EventProviderFailed, domain.EventSeverityWarning, map[string]any{
				"queryId":  query.ID,
				"provider": outcome.name,
				"error":    sanitizeErrorMessage(outcome.err),
			}))
			continue
		}
		raw = append(raw, outcome.results...)
	}

	s.events.Emit(newEvent(domain.EventProvidersQueried, domain.EventSeverityInfo, map[string]any{
		"queryId":   query.ID,
		"providers": providersQueried,
		"failed":    failures,
		"collected": len(raw),
	}))

	ranked, stats := s.processor.Process(query, raw, s.registry.Priorities())

	s.events.Emit(newEvent(domain.EventResultsProcessed, domain.EventSeverityInfo, map[string]any{
		"queryId":  query.ID,
		"found":    stats.TotalFound,
		"kept":     len(ranked),
		"filtered": stats.Filtered,
	}))

	var verification json.RawMessage
	var verifiedCount *int
	if s.verifier != nil {
		ranked, verification, verifiedCount = s.verifyResults(ctx, query, ranked)
	}

	response := s.buildResponse(query, ranked, stats.TotalFound, providersQueried, len(selected), startedAt)
	response.VerificationResults = verification
	response.Metadata.VerifiedCount = verifiedCount

	if s.cfg.CacheEnabled {
		ttl := s.cfg.CacheTTL
		if query.Priority == domain.PriorityCritical {
			ttl *= 2
		}
		s.cache.Put(context.Background(), CacheKey(query), response, ttl, time.Now())
	}

	s.processed.Add(1)
	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	metrics.QueryDuration.Observe(time.Since(startedAt).Seconds())
	s.emitReady(query, response, startedAt)

	s.logger.Info("knowledge query completed",
		slog.String("queryId", query.ID),
		slog.Int("results", len(response.Results)),
		slog.Float64("confidence", response.Confidence),
		slog.Int("providerFailures", failures),
		slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
	)
	return response, nil
}

// ProcessQueries runs a batch in priority order: critical first, then high,
// medium and low, preserving input order within a class. Batches run
// MaxConcurrentSearches queries at a time; responses come back in the same
// stable priority order with failed queries omitted and their errors joined.
func (s *Seeker) ProcessQueries(ctx context.Context, queries []domain.KnowledgeQuery) ([]domain.KnowledgeResponse, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	order := make([]int, len(queries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		left := domain.PriorityRank(domain.NormalizePriority(string(queries[order[i]].Priority)))
		right := domain.PriorityRank(domain.NormalizePriority(string(queries[order[j]].Priority)))
		return left < right
	})

	width := s.cfg.MaxConcurrentSearches
	responses := make([]domain.KnowledgeResponse, 0, len(queries))
	var errs []error

	for start := 0; start < len(order); start += width {
		end := start + width
		if end > len(order) {
			end = len(order)
		}
		batch := order[start:end]

		type batchOutcome struct {
			response domain.KnowledgeResponse
			err      error
		}
		outcomes := make([]batchOutcome, len(batch))

		var wg sync.WaitGroup
		for bi, qi := range batch {
			wg.Add(1)
			go func(bi, qi int) {
				defer wg.Done()
				response, err := s.ProcessQuery(ctx, queries[qi])
				outcomes[bi] = batchOutcome{response: response, err: err}
			}(bi, qi)
		}
		wg.Wait()

		for bi, outcome := range outcomes {
			if outcome.err != nil {
				errs = append(errs, fmt.Errorf("query %s: %w", queries[batch[bi]].ID, outcome.err))
				continue
			}
			responses = append(responses, outcome.response)
		}
	}
	return responses, errors.Join(errs...)
}

type providerOutcome struct {
	name    string
	results []domain.SearchResult
	err     error
	elapsed time.Duration
}

// fanOut queries every selected provider concurrently with settled
// semantics: each call gets its own timeout and a panic guard, and one
// provider's failure never cancels the others.
func (s *Seeker) fanOut(ctx context.Context, query domain.KnowledgeQuery, selected []Registration) []providerOutcome {
	outcomes := make([]providerOutcome, len(selected))
	if len(selected) == 0 {
		return outcomes
	}
	timeout := s.queryTimeout(query)

	var wg sync.WaitGroup
	for i, reg := range selected {
		wg.Add(1)
		go func(index int, current Provider) {
			defer wg.Done()

			outcome := providerOutcome{name: providerKey(current)}
			defer func() {
				if r := recover(); r != nil {
					outcome.err = fmt.Errorf("%w: %s panicked: %v", domain.ErrProviderUnavailable, outcome.name, r)
					outcome.results = nil
				}
				outcomes[index] = outcome
			}()

			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			startedAt := time.Now()
			results, err := current.Search(callCtx, query)
			outcome.elapsed = time.Since(startedAt)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("%w: %s exceeded %s", domain.ErrTimeout, outcome.name, timeout)
				}
				outcome.err = err
				return
			}
			if len(results) > s.cfg.MaxResultsPerProvider {
				results = results[:s.cfg.MaxResultsPerProvider]
			}
			outcome.results = results
		}(i, reg.Provider)
	}
	wg.Wait()
	return outcomes
}

// selectProviders picks the providers for one query: enabled, optionally
// restricted to preferredSources, currently available, narrowed by query
// type and ordered by configured priority. An empty narrowed set falls back
// to the unnarrowed available set so a query never starves on type alone.
func (s *Seeker) selectProviders(query domain.KnowledgeQuery) []Registration {
	var candidates []Registration
	if len(query.PreferredSources) > 0 {
		for _, name := range normalizeProviderNames(query.PreferredSources) {
			if reg, ok := s.registry.Lookup(name); ok && reg.Enabled {
				candidates = append(candidates, reg)
			}
		}
	} else {
		for _, reg := range s.registry.All() {
			if reg.Enabled {
				candidates = append(candidates, reg)
			}
		}
	}

	available := make([]Registration, 0, len(candidates))
	for _, reg := range candidates {
		if reg.Provider.Available() {
			available = append(available, reg)
		}
	}

	narrowed := narrowByQueryType(available, query.QueryType)
	if len(narrowed) == 0 {
		narrowed = available
	}

	sort.SliceStable(narrowed, func(i, j int) bool {
		if narrowed[i].Priority != narrowed[j].Priority {
			return narrowed[i].Priority > narrowed[j].Priority
		}
		return providerKey(narrowed[i].Provider) < providerKey(narrowed[j].Provider)
	})
	return narrowed
}

func narrowByQueryType(regs []Registration, queryType domain.QueryType) []Registration {
	allowed := providerTypesFor(queryType)
	if allowed == nil {
		return regs
	}
	narrowed := make([]Registration, 0, len(regs))
	for _, reg := range regs {
		if _, ok := allowed[reg.Provider.Type()]; ok {
			narrowed = append(narrowed, reg)
		}
	}
	return narrowed
}

func providerTypesFor(queryType domain.QueryType) map[domain.ProviderType]struct{} {
	switch queryType {
	case domain.QueryTypeTechnical:
		return map[domain.ProviderType]struct{}{
			domain.ProviderTypeDocumentation: {},
			domain.ProviderTypeWebSearch:     {},
		}
	case domain.QueryTypeFactual, domain.QueryTypeExplanatory:
		return map[domain.ProviderType]struct{}{
			domain.ProviderTypeWebSearch: {},
		}
	default:
		return nil
	}
}

func (s *Seeker) queryTimeout(query domain.KnowledgeQuery) time.Duration {
	timeout := time.Duration(query.TimeoutMS) * time.Millisecond
	if timeout <= 0 || timeout > s.cfg.DefaultTimeout {
		return s.cfg.DefaultTimeout
	}
	return timeout
}

func (s *Seeker) verifyResults(ctx context.Context, query domain.KnowledgeQuery, results []domain.SearchResult) ([]domain.SearchResult, json.RawMessage, *int) {
	outcome, err := s.verifier.Verify(ctx, query, results)
	if err != nil {
		s.logger.Warn("verification failed",
			slog.String("queryId", query.ID),
			slog.String("error", err.Error()),
		)
		return results, nil, nil
	}

	kept := make([]domain.SearchResult, 0, len(results))
	verified := 0
	for _, r := range results {
		confidence, ok := outcome.Confidences[r.ID]
		if !ok {
			kept = append(kept, r)
			continue
		}
		if confidence >= s.cfg.VerifyMinConfidence {
			kept = append(kept, r)
			verified++
		}
	}
	return kept, outcome.Raw, &verified
}

func (s *Seeker) buildResponse(query domain.KnowledgeQuery, results []domain.SearchResult, totalFound int, providersQueried []string, totalProviders int, startedAt time.Time) domain.KnowledgeResponse {
	if len(results) > query.MaxResults {
		results = results[:query.MaxResults]
	}
	for i := range results {
		results[i].QueryID = query.ID
	}

	return domain.KnowledgeResponse{
		Query:       query,
		Results:     results,
		Summary:     buildSummary(query, results),
		Confidence:  responseConfidence(results, totalProviders),
		SourcesUsed: distinctProviders(results),
		Metadata: domain.ResponseMetadata{
			TotalResultsFound: int64(totalFound),
			ResultsFiltered:   int64(totalFound - len(results)),
			ProcessingTimeMS:  time.Since(startedAt).Milliseconds(),
			CacheUsed:         false,
			ProvidersQueried:  providersQueried,
		},
		RespondedAt: time.Now().UTC(),
	}
}

// responseConfidence is a weighted mean of average relevance, average
// credibility and source diversity. Empty results always score zero.
func responseConfidence(results []domain.SearchResult, totalProviders int) float64 {
	if len(results) == 0 || totalProviders <= 0 {
		return 0
	}

	var sumRelevance, sumCredibility float64
	unique := make(map[string]struct{}, len(results))
	for _, r := range results {
		sumRelevance += r.RelevanceScore
		sumCredibility += r.CredibilityScore
		if name := strings.ToLower(strings.TrimSpace(r.Provider)); name != "" {
			unique[name] = struct{}{}
		}
	}

	count := float64(len(results))
	diversity := float64(len(unique)) / float64(totalProviders)
	if diversity > 1 {
		diversity = 1
	}
	return 0.4*(sumRelevance/count) + 0.4*(sumCredibility/count) + 0.2*diversity
}

func distinctProviders(results []domain.SearchResult) []string {
	if len(results) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(results))
	names := make([]string, 0, len(results))
	for _, r := range results {
		name := strings.ToLower(strings.TrimSpace(r.Provider))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func buildSummary(query domain.KnowledgeQuery, results []domain.SearchResult) string {
	text := strings.TrimSpace(query.Query)
	if len(results) == 0 {
		return fmt.Sprintf("No relevant information found for %q", text)
	}
	types := dominantSourceTypes(results)
	if len(types) == 0 {
		return fmt.Sprintf("Found %d results for %q", len(results), text)
	}
	return fmt.Sprintf("Found %d results for %q, primarily from %s sources", len(results), text, strings.Join(types, " and "))
}

// dominantSourceTypes reports up to two source types ordered by frequency.
// Unknown sources never dominate a summary.
func dominantSourceTypes(results []domain.SearchResult) []string {
	counts := make(map[domain.SourceType]int, 4)
	for _, r := range results {
		if r.SourceType == "" || r.SourceType == domain.SourceTypeUnknown {
			continue
		}
		counts[r.SourceType]++
	}
	if len(counts) == 0 {
		return nil
	}

	type typeCount struct {
		sourceType domain.SourceType
		count      int
	}
	pairs := make([]typeCount, 0, len(counts))
	for sourceType, count := range counts {
		pairs = append(pairs, typeCount{sourceType: sourceType, count: count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].sourceType < pairs[j].sourceType
	})

	limit := 2
	if len(pairs) < limit {
		limit = len(pairs)
	}
	names := make([]string, 0, limit)
	for _, pair := range pairs[:limit] {
		names = append(names, string(pair.sourceType))
	}
	return names
}

func (s *Seeker) emitReady(query domain.KnowledgeQuery, response domain.KnowledgeResponse, startedAt time.Time) {
	s.events.Emit(newEvent(domain.EventResponseReady, domain.EventSeverityInfo, map[string]any{
		"queryId":    query.ID,
		"results":    len(response.Results),
		"confidence": response.Confidence,
		"cacheUsed":  response.Metadata.CacheUsed,
		"elapsedMs":  time.Since(startedAt).Milliseconds(),
	}))
}

type ProcessingStats struct {
	ActiveSearches   int64 `json:"activeSearches"`
	QueriesProcessed int64 `json:"queriesProcessed"`
	QueriesFailed    int64 `json:"queriesFailed"`
}

type Status struct {
	Enabled    bool                    `json:"enabled"`
	Providers  []domain.ProviderStatus `json:"providers"`
	Cache      CacheStats              `json:"cache"`
	Processing ProcessingStats         `json:"processing"`
}

func (s *Seeker) Status() Status {
	regs := s.registry.All()
	providers := make([]domain.ProviderStatus, 0, len(regs))
	for _, reg := range regs {
		providers = append(providers, domain.ProviderStatus{
			Name:      providerKey(reg.Provider),
			Type:      reg.Provider.Type(),
			Priority:  reg.Priority,
			Available: reg.Enabled && reg.Provider.Available(),
			Health:    reg.Provider.Health(),
		})
	}
	return Status{
		Enabled:   s.cfg.Enabled,
		Providers: providers,
		Cache:     s.cache.Stats(),
		Processing: ProcessingStats{
			ActiveSearches:   s.active.Load(),
			QueriesProcessed: s.processed.Load(),
			QueriesFailed:    s.failed.Load(),
		},
	}
}

func (s *Seeker) ClearCaches(ctx context.Context) {
	s.cache.Clear(ctx)
	s.processor.ClearMemo()
}

// StartBackground launches the cache sweep loop; repeat calls are no-ops.
func (s *Seeker) StartBackground(ctx context.Context) {
	if s.backgroundRun.CompareAndSwap(false, true) {
		go s.runSweeper(ctx)
	}
}

func (s *Seeker) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cache.Sweep(time.Now())
		}
	}
}

func validateQuery(query domain.KnowledgeQuery) error {
	if strings.TrimSpace(query.ID) == "" {
		return fmt.Errorf("%w: id is required", domain.ErrInvalidQuery)
	}
	text := strings.TrimSpace(query.Query)
	if text == "" {
		return fmt.Errorf("%w: query text is required", domain.ErrInvalidQuery)
	}
	if len(text) > maxQueryLength {
		return fmt.Errorf("%w: query exceeds %d characters", domain.ErrInvalidQuery, maxQueryLength)
	}
	if query.MaxResults < 1 || query.MaxResults > maxResultsLimit {
		return fmt.Errorf("%w: maxResults must be between 1 and %d", domain.ErrInvalidQuery, maxResultsLimit)
	}
	if query.RelevanceThreshold < 0 || query.RelevanceThreshold > 1 {
		return fmt.Errorf("%w: relevanceThreshold must be between 0 and 1", domain.ErrInvalidQuery)
	}
	if query.TimeoutMS < 1 || query.TimeoutMS > maxTimeoutMS {
		return fmt.Errorf("%w: timeoutMs must be between 1 and %d", domain.ErrInvalidQuery, maxTimeoutMS)
	}
	if domain.NormalizeQueryType(string(query.QueryType)) == "" {
		return fmt.Errorf("%w: unknown queryType %q", domain.ErrInvalidQuery, string(query.QueryType))
	}
	return nil
}

// sanitizeErrorMessage flattens an error for event payloads: single line,
// bounded length.
func sanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	message := strings.Join(strings.Fields(err.Error()), " ")
	if len(message) > 200 {
		message = message[:200]
	}
	return message
}
