package common

import (
	"time"

	"agentmesh/knowledgeservice/internal/domain"
)

// Finalize completes provider normalization for one mapped result: derived
// domain, inferred source/content types, base credibility, fallback
// positional relevance, quality bucket and the dedup fingerprint. Values a
// backend already supplied are kept.
func Finalize(r *domain.SearchResult, position int, now time.Time) {
	r.Domain = DomainOf(r.URL)
	if r.SourceType == "" {
		r.SourceType = InferSourceType(r.Domain)
	}
	if r.ContentType == "" {
		r.ContentType = InferContentType(r.Domain, r.SourceType)
	}
	if r.CredibilityScore == 0 {
		r.CredibilityScore = CredibilityFor(r.Domain, r.SourceType)
	}
	r.CredibilityScore = Clamp01(r.CredibilityScore)
	if r.RelevanceScore == 0 {
		r.RelevanceScore = PositionRelevance(position)
	}
	r.RelevanceScore = Clamp01(r.RelevanceScore)
	r.Quality = domain.QualityForScores(r.RelevanceScore, r.CredibilityScore)
	if r.ContentHash == "" {
		r.ContentHash = ContentHash(r.Title, r.URL, r.Content)
	}
	if r.RetrievedAt.IsZero() {
		r.RetrievedAt = now
	}
}

// PositionRelevance assigns a decaying fallback relevance to results that
// arrive without a backend score, floored at 0.3.
func PositionRelevance(position int) float64 {
	score := 0.9 - 0.05*float64(position)
	if score < 0.3 {
		return 0.3
	}
	return score
}
