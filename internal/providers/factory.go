// Package providers builds the concrete search providers from configuration
// entries and hands them to the seeker registry.
package providers

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/providers/arxiv"
	"agentmesh/knowledgeservice/internal/providers/duckduckgo"
	"agentmesh/knowledgeservice/internal/providers/mock"
	"agentmesh/knowledgeservice/internal/providers/runtime"
	"agentmesh/knowledgeservice/internal/providers/tavily"
	"agentmesh/knowledgeservice/internal/ratelimit"
	"agentmesh/knowledgeservice/internal/seeker"
)

// Entry is one configured provider instance. Kind selects the constructor;
// the same kind may appear more than once under different names, which is
// how a tavily documentation entry with a pinned include-domain list lives
// next to the general web one.
type Entry struct {
	Name           string
	Kind           string
	Enabled        bool
	Priority       int
	APIKey         string
	Endpoint       string
	SearchDepth    string
	IncludeDomains []string
	ProviderType   domain.ProviderType
	ResultCount    int
	FailSubstrings []string
	Latency        time.Duration
	RateLimit      ratelimit.Config
	BreakerEnabled bool
}

// Deps carries the cross-provider construction inputs.
type Deps struct {
	UserAgent string
	Timeout   time.Duration
	Retry     runtime.RetryConfig
	Logger    *slog.Logger
}

const (
	KindTavily     = "tavily"
	KindDuckDuckGo = "duckduckgo"
	KindArxiv      = "arxiv"
	KindMock       = "mock"
)

// Build maps configuration entries to provider registrations. An entry of
// unknown kind fails construction; a tavily entry without an API key is
// registered disabled so the status endpoints can surface it.
func Build(entries []Entry, deps Deps) ([]seeker.Registration, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registrations := make([]seeker.Registration, 0, len(entries))
	for _, entry := range entries {
		reg, err := build(entry, deps, logger)
		if err != nil {
			return nil, err
		}
		registrations = append(registrations, reg)
	}
	return registrations, nil
}

func build(entry Entry, deps Deps, logger *slog.Logger) (seeker.Registration, error) {
	enabled := entry.Enabled

	var provider seeker.Provider
	switch strings.ToLower(strings.TrimSpace(entry.Kind)) {
	case KindTavily:
		ptype := entry.ProviderType
		var sourceType domain.SourceType
		if ptype == domain.ProviderTypeDocumentation {
			sourceType = domain.SourceTypeDocumentation
		}
		p := tavily.NewProvider(tavily.Config{
			Name:           entry.Name,
			Type:           ptype,
			Endpoint:       entry.Endpoint,
			APIKey:         entry.APIKey,
			SearchDepth:    entry.SearchDepth,
			IncludeDomains: entry.IncludeDomains,
			SourceType:     sourceType,
			UserAgent:      deps.UserAgent,
			Timeout:        deps.Timeout,
			RateLimit:      entry.RateLimit,
			Retry:          deps.Retry,
			BreakerEnabled: entry.BreakerEnabled,
			Logger:         logger,
		})
		if enabled && !p.Configured() {
			logger.Warn("provider has no api key, registering disabled", slog.String("provider", p.Name()))
			enabled = false
		}
		provider = p

	case KindDuckDuckGo:
		provider = duckduckgo.NewProvider(duckduckgo.Config{
			Name:           entry.Name,
			Endpoint:       entry.Endpoint,
			UserAgent:      deps.UserAgent,
			Timeout:        deps.Timeout,
			RateLimit:      entry.RateLimit,
			Retry:          deps.Retry,
			BreakerEnabled: entry.BreakerEnabled,
			Logger:         logger,
		})

	case KindArxiv:
		provider = arxiv.NewProvider(arxiv.Config{
			Name:           entry.Name,
			Endpoint:       entry.Endpoint,
			UserAgent:      deps.UserAgent,
			Timeout:        deps.Timeout,
			RateLimit:      entry.RateLimit,
			Retry:          deps.Retry,
			BreakerEnabled: entry.BreakerEnabled,
			Logger:         logger,
		})

	case KindMock:
		provider = mock.NewProvider(mock.Config{
			Name:           entry.Name,
			ResultCount:    entry.ResultCount,
			Latency:        entry.Latency,
			FailSubstrings: entry.FailSubstrings,
			RateLimit:      entry.RateLimit,
			Retry:          deps.Retry,
			BreakerEnabled: entry.BreakerEnabled,
			Logger:         logger,
		})

	default:
		return seeker.Registration{}, fmt.Errorf("%w: unknown provider kind %q", domain.ErrConfiguration, entry.Kind)
	}

	return seeker.Registration{
		Provider: provider,
		Priority: entry.Priority,
		Enabled:  enabled,
	}, nil
}
