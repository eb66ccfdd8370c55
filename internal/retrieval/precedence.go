// Package retrieval selects factual grounding for the realizer under a hard
// precedence order: approved owner corrections, then verified Q&A, then
// generic vector similarity. Precedence is absolute, not a weighted blend: a
// lower tier is consulted only when no higher-tier record clears the minimum
// relevance threshold.
package retrieval

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"twincore/internal/logging"
)

// Precedence tiers, highest authority first.
const (
	TierOwnerCorrection = 1
	TierVerifiedAnswer  = 2
	TierVectorSnippet   = 3
)

// TierName returns the metadata label for a tier.
func TierName(tier int) string {
	switch tier {
	case TierOwnerCorrection:
		return "owner_approved"
	case TierVerifiedAnswer:
		return "verified_qa"
	case TierVectorSnippet:
		return "vector"
	default:
		return "unknown"
	}
}

// Record is one grounding candidate.
type Record struct {
	ID         string    `json:"id"`
	Tier       int       `json:"tier"`
	Query      string    `json:"query"`   // the question/query this record answers
	Content    string    `json:"content"` // the authoritative content
	Confidence float64   `json:"confidence"`
	Approved   bool      `json:"approved"` // required for tier 1
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Match is the selected grounding with its provenance.
type Match struct {
	Record    Record
	Relevance float64
}

// Select picks the authoritative grounding for a query. queryEmbedding may
// be nil; the vector tier then falls back to lexical overlap on content.
// Returns nil when nothing clears minRelevance in any tier.
func Select(records []Record, query string, queryEmbedding []float32, minRelevance float64) *Match {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Select")
	defer timer.Stop()

	queryTokens := tokenize(query)

	for _, tier := range []int{TierOwnerCorrection, TierVerifiedAnswer, TierVectorSnippet} {
		var candidates []Match
		for _, r := range records {
			if r.Tier != tier {
				continue
			}
			if tier == TierOwnerCorrection && !r.Approved {
				continue
			}
			rel := relevance(r, queryTokens, queryEmbedding)
			if rel >= minRelevance {
				candidates = append(candidates, Match{Record: r, Relevance: rel})
			}
		}
		if len(candidates) == 0 {
			continue // only now may a lower tier be consulted
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Relevance != candidates[j].Relevance {
				return candidates[i].Relevance > candidates[j].Relevance
			}
			if !candidates[i].Record.CreatedAt.Equal(candidates[j].Record.CreatedAt) {
				return candidates[i].Record.CreatedAt.After(candidates[j].Record.CreatedAt)
			}
			if candidates[i].Record.Confidence != candidates[j].Record.Confidence {
				return candidates[i].Record.Confidence > candidates[j].Record.Confidence
			}
			return candidates[i].Record.ID < candidates[j].Record.ID
		})

		best := candidates[0]
		logging.Get(logging.CategoryRetrieval).Debug("grounding from tier %d (%s), relevance=%.2f",
			tier, TierName(tier), best.Relevance)
		return &best
	}
	return nil
}

// relevance scores a record against the query. Tiers 1 and 2 match on the
// stored query text; tier 3 prefers embedding cosine when available.
func relevance(r Record, queryTokens map[string]bool, queryEmbedding []float32) float64 {
	if r.Tier == TierVectorSnippet && len(queryEmbedding) > 0 && len(r.Embedding) > 0 {
		return Cosine(queryEmbedding, r.Embedding)
	}
	target := r.Query
	if r.Tier == TierVectorSnippet {
		target = r.Content
	}
	return overlap(queryTokens, tokenize(target))
}

// GroundingBlock renders the selected grounding for the realizer prompt,
// marking its authority so the model treats owner corrections as binding.
func GroundingBlock(m *Match) string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Grounding\n")
	switch m.Record.Tier {
	case TierOwnerCorrection:
		sb.WriteString("The owner has approved the following correction. It is authoritative; contradicting retrieved text is wrong.\n")
	case TierVerifiedAnswer:
		sb.WriteString("Verified answer on record:\n")
	default:
		sb.WriteString("Retrieved context (unverified):\n")
	}
	sb.WriteString(m.Record.Content)
	sb.WriteString(fmt.Sprintf("\n[source: %s]\n", TierName(m.Record.Tier)))
	return sb.String()
}

// Cosine computes cosine similarity between two vectors. Mismatched lengths
// or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if len(f) > 2 { // skip stop-word noise
			tokens[f] = true
		}
	}
	return tokens
}

// overlap is the Jaccard-style token overlap relative to the query.
func overlap(query, target map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if target[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
