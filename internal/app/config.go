package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/processor"
	"agentmesh/knowledgeservice/internal/providers"
	"agentmesh/knowledgeservice/internal/ratelimit"
	"agentmesh/knowledgeservice/internal/research"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	UserAgent string

	SeekerEnabled         bool
	RequestTimeout        time.Duration
	MaxConcurrentSearches int
	MaxResultsPerProvider int
	MinRelevanceThreshold float64
	VerifyMinConfidence   float64
	CacheDisabled         bool
	CacheTTL              time.Duration

	RetryAttempts         int
	RetryDelay            time.Duration
	CircuitBreakerEnabled bool

	ResearchMaxQueries         int
	ResearchMaxResultsPerQuery int
	ResearchRelevanceThreshold float64
	ResearchQueryTimeout       time.Duration

	RedisURL string

	MongoURI                string
	MongoDatabase           string
	ProvenanceRetentionDays int

	Processor processor.Config
	Detector  research.DetectorConfig
	Providers []providers.Entry
}

func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8090"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent: getEnv("SEEKER_USER_AGENT", "knowledge-seeker/1.0"),

		SeekerEnabled:         getEnvBool("SEEKER_ENABLED", true),
		RequestTimeout:        time.Duration(getEnvInt("SEEKER_TIMEOUT_SECONDS", 15)) * time.Second,
		MaxConcurrentSearches: getEnvInt("SEEKER_MAX_CONCURRENT_SEARCHES", 5),
		MaxResultsPerProvider: getEnvInt("SEEKER_MAX_RESULTS_PER_PROVIDER", 10),
		MinRelevanceThreshold: getEnvFloat("SEEKER_MIN_RELEVANCE_THRESHOLD", 0.3),
		VerifyMinConfidence:   getEnvFloat("SEEKER_VERIFY_MIN_CONFIDENCE", 0.5),
		CacheDisabled:         getEnvBool("SEEKER_CACHE_DISABLED", false),
		CacheTTL:              time.Duration(getEnvInt("SEEKER_CACHE_TTL_MINUTES", 60)) * time.Minute,

		RetryAttempts:         getEnvInt("SEEKER_RETRY_ATTEMPTS", 3),
		RetryDelay:            time.Duration(getEnvInt("SEEKER_RETRY_DELAY_MS", 500)) * time.Millisecond,
		CircuitBreakerEnabled: getEnvBool("SEEKER_CIRCUIT_BREAKER", true),

		ResearchMaxQueries:         getEnvInt("RESEARCH_MAX_QUERIES", 3),
		ResearchMaxResultsPerQuery: getEnvInt("RESEARCH_MAX_RESULTS_PER_QUERY", 3),
		ResearchRelevanceThreshold: getEnvFloat("RESEARCH_RELEVANCE_THRESHOLD", 0.8),
		ResearchQueryTimeout:       time.Duration(getEnvInt("RESEARCH_QUERY_TIMEOUT_MS", 5000)) * time.Millisecond,

		RedisURL: getEnv("REDIS_URL", ""),

		MongoURI:                getEnv("MONGO_URI", ""),
		MongoDatabase:           getEnv("MONGO_DB", "knowledgeseeker"),
		ProvenanceRetentionDays: getEnvInt("PROVENANCE_RETENTION_DAYS", 90),
	}
	cfg.Processor = processorConfig()
	cfg.Detector = detectorConfig(cfg.ResearchMaxQueries)
	cfg.Providers = providerEntries(cfg.CircuitBreakerEnabled)
	return cfg
}

// processorConfig reads the result-processing knobs on top of the package
// defaults. Operators mostly touch the two score floors; the quality toggles
// exist to bisect a misbehaving pipeline stage in production.
func processorConfig() processor.Config {
	cfg := processor.DefaultConfig()
	cfg.MinRelevanceScore = getEnvFloat("PROCESSOR_MIN_RELEVANCE_SCORE", cfg.MinRelevanceScore)
	cfg.MinCredibilityScore = getEnvFloat("PROCESSOR_MIN_CREDIBILITY_SCORE", cfg.MinCredibilityScore)
	cfg.MaxResultsToProcess = getEnvInt("PROCESSOR_MAX_RESULTS", cfg.MaxResultsToProcess)
	cfg.Diversity.MinSources = getEnvInt("PROCESSOR_MIN_SOURCES", cfg.Diversity.MinSources)
	cfg.Diversity.MinSourceTypes = getEnvInt("PROCESSOR_MIN_SOURCE_TYPES", cfg.Diversity.MinSourceTypes)
	cfg.Diversity.MaxResultsPerDomain = getEnvInt("PROCESSOR_MAX_PER_DOMAIN", cfg.Diversity.MaxResultsPerDomain)
	cfg.Quality.EnableCredibilityScoring = getEnvBool("PROCESSOR_CREDIBILITY_SCORING", cfg.Quality.EnableCredibilityScoring)
	cfg.Quality.EnableRelevanceFiltering = getEnvBool("PROCESSOR_RELEVANCE_FILTERING", cfg.Quality.EnableRelevanceFiltering)
	cfg.Quality.EnableDuplicateDetection = getEnvBool("PROCESSOR_DUPLICATE_DETECTION", cfg.Quality.EnableDuplicateDetection)
	cfg.Caching.EnableResultCaching = getEnvBool("PROCESSOR_RESULT_CACHING", cfg.Caching.EnableResultCaching)
	cfg.Caching.MaxCacheSize = getEnvInt("PROCESSOR_CACHE_MAX_SIZE", cfg.Caching.MaxCacheSize)
	return cfg
}

// detectorConfig reads the research-detection toggles. The query cap is
// shared with the augmenter, so it arrives from the caller instead of a
// second env key.
func detectorConfig(maxQueries int) research.DetectorConfig {
	cfg := research.DefaultDetectorConfig()
	cfg.MinConfidence = getEnvFloat("RESEARCH_MIN_CONFIDENCE", cfg.MinConfidence)
	cfg.MaxQueries = maxQueries
	cfg.DetectQuestions = getEnvBool("RESEARCH_DETECT_QUESTIONS", cfg.DetectQuestions)
	cfg.DetectUncertainty = getEnvBool("RESEARCH_DETECT_UNCERTAINTY", cfg.DetectUncertainty)
	cfg.DetectComparison = getEnvBool("RESEARCH_DETECT_COMPARISON", cfg.DetectComparison)
	cfg.DetectTechnical = getEnvBool("RESEARCH_DETECT_TECHNICAL", cfg.DetectTechnical)
	cfg.DetectFactChecking = getEnvBool("RESEARCH_DETECT_FACTCHECK", cfg.DetectFactChecking)
	return cfg
}

// providerEntries describes the built-in provider lineup. Both tavily
// entries share one API key; the documentation variant pins an
// include-domain list and searches deeper. The mock provider joins only
// when explicitly requested, for local runs without external backends.
func providerEntries(breakerEnabled bool) []providers.Entry {
	tavilyKey := strings.TrimSpace(os.Getenv("TAVILY_API_KEY"))
	tavilyEndpoint := getEnv("SEEKER_PROVIDER_TAVILY_ENDPOINT", "")

	entries := []providers.Entry{
		{
			Name:           "tavily",
			Kind:           providers.KindTavily,
			Enabled:        getEnvBool("SEEKER_PROVIDER_TAVILY_ENABLED", true),
			Priority:       1,
			APIKey:         tavilyKey,
			Endpoint:       tavilyEndpoint,
			SearchDepth:    getEnv("SEEKER_PROVIDER_TAVILY_DEPTH", "basic"),
			ProviderType:   domain.ProviderTypeWebSearch,
			RateLimit:      ratelimit.Config{RequestsPerMinute: 60, RequestsPerHour: 1000, BurstLimit: 10},
			BreakerEnabled: breakerEnabled,
		},
		{
			Name:           "tavily-docs",
			Kind:           providers.KindTavily,
			Enabled:        getEnvBool("SEEKER_PROVIDER_TAVILY_DOCS_ENABLED", true),
			Priority:       2,
			APIKey:         tavilyKey,
			Endpoint:       tavilyEndpoint,
			SearchDepth:    getEnv("SEEKER_PROVIDER_TAVILY_DOCS_DEPTH", "advanced"),
			IncludeDomains: splitList(getEnv("SEEKER_PROVIDER_TAVILY_DOCS_DOMAINS", "developer.mozilla.org,docs.python.org,pkg.go.dev,learn.microsoft.com")),
			ProviderType:   domain.ProviderTypeDocumentation,
			RateLimit:      ratelimit.Config{RequestsPerMinute: 60, RequestsPerHour: 1000, BurstLimit: 10},
			BreakerEnabled: breakerEnabled,
		},
		{
			Name:           "duckduckgo",
			Kind:           providers.KindDuckDuckGo,
			Enabled:        getEnvBool("SEEKER_PROVIDER_DUCKDUCKGO_ENABLED", true),
			Priority:       3,
			Endpoint:       getEnv("SEEKER_PROVIDER_DUCKDUCKGO_ENDPOINT", ""),
			ProviderType:   domain.ProviderTypeWebSearch,
			RateLimit:      ratelimit.Config{RequestsPerMinute: 30, RequestsPerHour: 500, BurstLimit: 5},
			BreakerEnabled: breakerEnabled,
		},
		{
			Name:           "arxiv",
			Kind:           providers.KindArxiv,
			Enabled:        getEnvBool("SEEKER_PROVIDER_ARXIV_ENABLED", true),
			Priority:       4,
			Endpoint:       getEnv("SEEKER_PROVIDER_ARXIV_ENDPOINT", ""),
			ProviderType:   domain.ProviderTypeAcademic,
			RateLimit:      ratelimit.Config{RequestsPerMinute: 20, RequestsPerHour: 300, BurstLimit: 2},
			BreakerEnabled: breakerEnabled,
		},
	}

	if getEnvBool("SEEKER_ENABLE_MOCK", false) {
		entries = append(entries, providers.Entry{
			Name:         "mock",
			Kind:         providers.KindMock,
			Enabled:      true,
			Priority:     9,
			ProviderType: domain.ProviderTypeMock,
			ResultCount:  getEnvInt("SEEKER_MOCK_RESULT_COUNT", 3),
		})
	}
	return entries
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// getEnvFloat accepts zero: thresholds may be explicitly switched off.
func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}
