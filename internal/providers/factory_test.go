package providers

import (
	"errors"
	"testing"

	"agentmesh/knowledgeservice/internal/domain"
)

func TestBuildConstructsAllKinds(t *testing.T) {
	entries := []Entry{
		{Name: "tavily", Kind: KindTavily, Enabled: true, Priority: 10, APIKey: "tvly-key"},
		{Name: "docs", Kind: KindTavily, Enabled: true, Priority: 8, APIKey: "tvly-key",
			ProviderType: domain.ProviderTypeDocumentation, IncludeDomains: []string{"pkg.go.dev"}},
		{Name: "duckduckgo", Kind: KindDuckDuckGo, Enabled: true, Priority: 5},
		{Name: "arxiv", Kind: KindArxiv, Enabled: true, Priority: 7},
		{Name: "mock", Kind: KindMock, Enabled: true, Priority: 1},
	}

	regs, err := Build(entries, Deps{})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if len(regs) != 5 {
		t.Fatalf("unexpected registration count: %d", len(regs))
	}

	types := map[string]domain.ProviderType{}
	for _, reg := range regs {
		if !reg.Enabled {
			t.Errorf("provider %s should be enabled", reg.Provider.Name())
		}
		types[reg.Provider.Name()] = reg.Provider.Type()
	}
	if types["tavily"] != domain.ProviderTypeWebSearch {
		t.Fatalf("unexpected tavily type: %q", types["tavily"])
	}
	if types["docs"] != domain.ProviderTypeDocumentation {
		t.Fatalf("documentation variant not honored: %q", types["docs"])
	}
	if types["arxiv"] != domain.ProviderTypeAcademic {
		t.Fatalf("unexpected arxiv type: %q", types["arxiv"])
	}
	if types["mock"] != domain.ProviderTypeMock {
		t.Fatalf("unexpected mock type: %q", types["mock"])
	}
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := Build([]Entry{{Name: "x", Kind: "sparql", Enabled: true}}, Deps{})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildDisablesTavilyWithoutKey(t *testing.T) {
	regs, err := Build([]Entry{{Name: "tavily", Kind: KindTavily, Enabled: true, Priority: 10}}, Deps{})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("unexpected registration count: %d", len(regs))
	}
	if regs[0].Enabled {
		t.Fatal("tavily without an api key must be registered disabled")
	}
}

func TestBuildKeepsExplicitlyDisabledEntries(t *testing.T) {
	regs, err := Build([]Entry{{Name: "arxiv", Kind: KindArxiv, Enabled: false, Priority: 7}}, Deps{})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if regs[0].Enabled {
		t.Fatal("disabled entry must stay disabled")
	}
}
