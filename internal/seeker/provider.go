package seeker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentmesh/knowledgeservice/internal/domain"
)

// Provider is the uniform contract over heterogeneous search backends. A
// provider executes one query against its backend, normalizes the results
// and exclusively owns its rate-limit and health state.
type Provider interface {
	Name() string
	Type() domain.ProviderType
	Search(ctx context.Context, query domain.KnowledgeQuery) ([]domain.SearchResult, error)
	Available() bool
	Health() domain.ProviderHealth
}

// Registration couples a provider with its configured selection settings.
// Higher priority providers are queried and ranked first.
type Registration struct {
	Provider Provider
	Priority int
	Enabled  bool
}

// Registry holds registered providers keyed by lowercased trimmed name.
// Read-mostly after startup; Register takes the write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

func (r *Registry) Register(reg Registration) error {
	if reg.Provider == nil {
		return fmt.Errorf("%w: nil provider", domain.ErrConfiguration)
	}
	name := providerKey(reg.Provider)
	if name == "" {
		return fmt.Errorf("%w: provider name is required", domain.ErrConfiguration)
	}
	r.mu.Lock()
	r.entries[name] = reg
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[strings.ToLower(strings.TrimSpace(name))]
	return reg, ok
}

// All returns registrations ordered by priority (highest first), then name.
func (r *Registry) All() []Registration {
	r.mu.RLock()
	regs := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority > regs[j].Priority
		}
		return providerKey(regs[i].Provider) < providerKey(regs[j].Provider)
	})
	return regs
}

// Priorities maps provider name to configured priority for ranking tie-breaks.
func (r *Registry) Priorities() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	priorities := make(map[string]int, len(r.entries))
	for name, reg := range r.entries {
		priorities[name] = reg.Priority
	}
	return priorities
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func providerKey(p Provider) string {
	return strings.ToLower(strings.TrimSpace(p.Name()))
}
