package seeker

import (
	"context"
	"encoding/json"

	"agentmesh/knowledgeservice/internal/domain"
)

// Verifier optionally post-checks processed results. The raw outcome is
// opaque to the seeker and passed through on the response unchanged. When no
// verifier is configured, verification is skipped silently.
type Verifier interface {
	Verify(ctx context.Context, query domain.KnowledgeQuery, results []domain.SearchResult) (VerificationOutcome, error)
}

// VerificationOutcome carries per-result confidences keyed by result id.
// Results without an entry are kept as-is.
type VerificationOutcome struct {
	Raw         json.RawMessage
	Confidences map[string]float64
}
