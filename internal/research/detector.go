// Package research decides when a task needs external knowledge and enriches
// it with findings gathered through the knowledge seeker.
package research

import (
	"fmt"
	"regexp"
	"strings"

	"agentmesh/knowledgeservice/internal/domain"
)

const (
	defaultMinConfidence = 0.7
	defaultMaxQueries    = 3

	maxMainQueryLength = 100
	subjectTokenCount  = 5
)

// DetectorConfig toggles individual indicators and tunes the gate. The zero
// value disables everything; start from DefaultDetectorConfig.
type DetectorConfig struct {
	MinConfidence float64
	MaxQueries    int

	DetectQuestions    bool
	DetectUncertainty  bool
	DetectComparison   bool
	DetectTechnical    bool
	DetectFactChecking bool
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinConfidence:      defaultMinConfidence,
		MaxQueries:         defaultMaxQueries,
		DetectQuestions:    true,
		DetectUncertainty:  true,
		DetectComparison:   true,
		DetectTechnical:    true,
		DetectFactChecking: true,
	}
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.MinConfidence <= 0 {
		c.MinConfidence = defaultMinConfidence
	}
	if c.MaxQueries <= 0 {
		c.MaxQueries = defaultMaxQueries
	}
	return c
}

var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(what|how|why|when|where|who|which)\b[^?]*\?`),
	regexp.MustCompile(`(?i)\b(can|should|is\s+there|are\s+there)\b[^?]*\?`),
}

var uncertaintyMarkers = []string{
	"not sure", "unclear", "unknown", "need to find", "need to research",
	"don't know", "looking for", "trying to understand", "explain", "research",
}

var comparisonMarkers = []string{
	"compare", "versus", "vs", "difference between", "pros and cons",
	"advantages", "better than", "alternative", "choose between",
}

var technicalMarkers = []string{
	"api", "library", "framework", "implement", "algorithm",
	"documentation", "architecture", "integration", "best practices",
	"code example", "tutorial", "guide", "specification",
	"setup", "configuration",
}

var trendMarkers = []string{"latest", "recent", "current", "new", "trending"}

var explanatoryMarkers = []string{"how", "why", "explain", "understand"}

var factCheckingTaskTypes = map[string]struct{}{
	"analysis":   {},
	"research":   {},
	"validation": {},
}

var fillerPrefixes = []string{
	"please", "could you", "can you", "i need", "we need", "help me",
}

// Detector inspects task text for research indicators.
type Detector struct {
	cfg DetectorConfig
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Detect reports whether the task needs external research. The second return
// is false when no enabled indicator fires or the confidence stays under the
// configured floor.
func (d *Detector) Detect(task domain.Task) (domain.ResearchRequirement, bool) {
	text := taskText(task)
	lowered := strings.ToLower(text)

	indicators := map[string]bool{
		"hasQuestions":          d.cfg.DetectQuestions && hasQuestions(text),
		"hasUncertainty":        d.cfg.DetectUncertainty && containsAny(lowered, uncertaintyMarkers),
		"needsComparison":       d.cfg.DetectComparison && containsAny(lowered, comparisonMarkers),
		"requiresTechnicalInfo": d.cfg.DetectTechnical && containsAny(lowered, technicalMarkers),
		"requiresFactChecking":  d.cfg.DetectFactChecking && isFactCheckingType(task.Type),
	}

	confidence := 0.0
	for _, fired := range indicators {
		if fired {
			confidence = 1.0
			break
		}
	}
	if confidence < d.cfg.MinConfidence {
		return domain.ResearchRequirement{}, false
	}

	queryType := inferQueryType(indicators, lowered)
	return domain.ResearchRequirement{
		Required:         true,
		Confidence:       confidence,
		QueryType:        queryType,
		SuggestedQueries: d.suggestQueries(text, indicators),
		Indicators:       indicators,
		Reason:           reason(indicators, confidence),
	}, true
}

func taskText(task domain.Task) string {
	parts := make([]string, 0, 2)
	if desc := strings.TrimSpace(task.Description); desc != "" {
		parts = append(parts, desc)
	}
	if prompt, ok := task.Metadata["prompt"].(string); ok {
		if prompt = strings.TrimSpace(prompt); prompt != "" {
			parts = append(parts, prompt)
		}
	}
	return strings.Join(parts, " ")
}

func hasQuestions(text string) bool {
	for _, pattern := range questionPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func containsAny(lowered string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func isFactCheckingType(taskType string) bool {
	_, ok := factCheckingTaskTypes[strings.ToLower(strings.TrimSpace(taskType))]
	return ok
}

func inferQueryType(indicators map[string]bool, lowered string) domain.QueryType {
	switch {
	case indicators["requiresTechnicalInfo"]:
		return domain.QueryTypeTechnical
	case indicators["needsComparison"]:
		return domain.QueryTypeComparative
	case containsAny(lowered, trendMarkers):
		return domain.QueryTypeTrend
	case containsAny(lowered, explanatoryMarkers):
		return domain.QueryTypeExplanatory
	default:
		return domain.QueryTypeFactual
	}
}

// suggestQueries builds up to MaxQueries search strings: explicit questions
// first, then the cleaned task text, then indicator-specific templates.
func (d *Detector) suggestQueries(text string, indicators map[string]bool) []string {
	var candidates []string
	candidates = append(candidates, explicitQuestions(text)...)
	if main := mainQuery(text); main != "" {
		candidates = append(candidates, main)
	}

	subject := subjectOf(text)
	if subject != "" {
		if indicators["needsComparison"] {
			candidates = append(candidates, "Compare "+subject)
		}
		if indicators["requiresTechnicalInfo"] {
			candidates = append(candidates, subject+" documentation")
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	queries := make([]string, 0, d.cfg.MaxQueries)
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		key := strings.ToLower(candidate)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		queries = append(queries, candidate)
		if len(queries) >= d.cfg.MaxQueries {
			break
		}
	}
	return queries
}

// sentencePattern matches question sentences. A period only terminates a
// sentence when followed by whitespace, so tokens like "Express.js" survive.
var sentencePattern = regexp.MustCompile(`(?:[^.!?\n]|\.\S)+\?`)

func explicitQuestions(text string) []string {
	matches := sentencePattern.FindAllString(text, -1)
	questions := make([]string, 0, len(matches))
	for _, match := range matches {
		if match = strings.TrimSpace(match); match != "" {
			questions = append(questions, match)
		}
	}
	return questions
}

// mainQuery strips leading filler and truncates the task text to a query
// sized string.
func mainQuery(text string) string {
	cleaned := strings.TrimSpace(text)
	for changed := true; changed; {
		changed = false
		lowered := strings.ToLower(cleaned)
		for _, filler := range fillerPrefixes {
			if strings.HasPrefix(lowered, filler) {
				cleaned = strings.TrimSpace(cleaned[len(filler):])
				cleaned = strings.TrimLeft(cleaned, ",:;")
				cleaned = strings.TrimSpace(cleaned)
				changed = true
				break
			}
		}
	}

	runes := []rune(cleaned)
	if len(runes) > maxMainQueryLength {
		cleaned = strings.TrimSpace(string(runes[:maxMainQueryLength]))
	}
	return strings.TrimSpace(strings.TrimRight(cleaned, "?"))
}

func subjectOf(text string) string {
	fields := strings.Fields(text)
	if len(fields) > subjectTokenCount {
		fields = fields[:subjectTokenCount]
	}
	return strings.Join(fields, " ")
}

var indicatorPhrases = []struct {
	key    string
	phrase string
}{
	{"hasQuestions", "contains explicit questions"},
	{"hasUncertainty", "expresses uncertainty"},
	{"needsComparison", "asks for a comparison"},
	{"requiresTechnicalInfo", "needs technical information"},
	{"requiresFactChecking", "task type calls for fact checking"},
}

func reason(indicators map[string]bool, confidence float64) string {
	parts := make([]string, 0, len(indicatorPhrases))
	for _, entry := range indicatorPhrases {
		if indicators[entry.key] {
			parts = append(parts, entry.phrase)
		}
	}
	return fmt.Sprintf("%s (confidence: %d%%)", strings.Join(parts, "; "), int(confidence*100))
}
