package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ownerCorrection(id, query, content string) Record {
	return Record{
		ID: id, Tier: TierOwnerCorrection, Query: query, Content: content,
		Confidence: 0.9, Approved: true, CreatedAt: baseTime,
	}
}

func TestSelectHardPrecedence(t *testing.T) {
	// One approved owner correction against N conflicting vector snippets:
	// the correction always wins.
	records := []Record{
		{ID: "v1", Tier: TierVectorSnippet, Content: "the launch price point was five dollars", Confidence: 0.99, CreatedAt: baseTime.Add(time.Hour)},
		{ID: "v2", Tier: TierVectorSnippet, Content: "sources say launch price was five", Confidence: 0.99, CreatedAt: baseTime.Add(2 * time.Hour)},
		ownerCorrection("oc1", "what was the launch price", "The launch price was seven dollars."),
	}

	m := Select(records, "what was the launch price", nil, 0.3)
	require.NotNil(t, m)
	assert.Equal(t, "oc1", m.Record.ID)
	assert.Equal(t, TierOwnerCorrection, m.Record.Tier)
}

func TestSelectLowerTierOnlyWhenHigherMisses(t *testing.T) {
	records := []Record{
		ownerCorrection("oc1", "completely unrelated topic zebra", "..."),
		{ID: "va1", Tier: TierVerifiedAnswer, Query: "what was the launch price", Content: "Seven dollars.",
			Confidence: 0.8, CreatedAt: baseTime},
		{ID: "v1", Tier: TierVectorSnippet, Content: "launch price chatter", Confidence: 0.99, CreatedAt: baseTime},
	}

	m := Select(records, "what was the launch price", nil, 0.3)
	require.NotNil(t, m)
	assert.Equal(t, "va1", m.Record.ID, "tier 2 wins when tier 1 is irrelevant")
}

func TestSelectUnapprovedCorrectionIgnored(t *testing.T) {
	rec := ownerCorrection("oc1", "what was the launch price", "Seven.")
	rec.Approved = false
	records := []Record{
		rec,
		{ID: "va1", Tier: TierVerifiedAnswer, Query: "what was the launch price", Content: "Seven dollars.",
			Confidence: 0.8, CreatedAt: baseTime},
	}

	m := Select(records, "what was the launch price", nil, 0.3)
	require.NotNil(t, m)
	assert.Equal(t, "va1", m.Record.ID)
}

func TestSelectTieBreaks(t *testing.T) {
	t.Run("recency wins first", func(t *testing.T) {
		older := ownerCorrection("old", "what was the launch price", "old answer")
		newer := ownerCorrection("new", "what was the launch price", "new answer")
		newer.CreatedAt = baseTime.Add(time.Hour)
		newer.Confidence = 0.1 // recency outranks confidence

		m := Select([]Record{older, newer}, "what was the launch price", nil, 0.3)
		require.NotNil(t, m)
		assert.Equal(t, "new", m.Record.ID)
	})

	t.Run("confidence breaks recency ties", func(t *testing.T) {
		a := ownerCorrection("a", "what was the launch price", "x")
		a.Confidence = 0.5
		b := ownerCorrection("b", "what was the launch price", "y")
		b.Confidence = 0.9

		m := Select([]Record{a, b}, "what was the launch price", nil, 0.3)
		require.NotNil(t, m)
		assert.Equal(t, "b", m.Record.ID)
	})
}

func TestSelectNothingRelevant(t *testing.T) {
	records := []Record{
		ownerCorrection("oc1", "zebra migration patterns", "..."),
		{ID: "v1", Tier: TierVectorSnippet, Content: "quarterly earnings report", CreatedAt: baseTime},
	}
	assert.Nil(t, Select(records, "favorite pasta recipe", nil, 0.3))
	assert.Nil(t, Select(nil, "anything", nil, 0.3))
}

func TestSelectVectorTierUsesCosine(t *testing.T) {
	records := []Record{
		{ID: "far", Tier: TierVectorSnippet, Content: "far", Embedding: []float32{0, 1, 0},
			Confidence: 0.9, CreatedAt: baseTime},
		{ID: "near", Tier: TierVectorSnippet, Content: "near", Embedding: []float32{1, 0, 0},
			Confidence: 0.1, CreatedAt: baseTime},
	}

	m := Select(records, "irrelevant lexical text", []float32{0.99, 0.01, 0}, 0.5)
	require.NotNil(t, m)
	assert.Equal(t, "near", m.Record.ID)
}

func TestSelectDeterministic(t *testing.T) {
	records := []Record{
		ownerCorrection("b", "what was the launch price", "y"),
		ownerCorrection("a", "what was the launch price", "x"),
	}
	first := Select(records, "what was the launch price", nil, 0.3)
	require.NotNil(t, first)
	for i := 0; i < 20; i++ {
		again := Select(records, "what was the launch price", nil, 0.3)
		require.NotNil(t, again)
		assert.Equal(t, first.Record.ID, again.Record.ID)
	}
	// Full tie falls back to id order.
	assert.Equal(t, "a", first.Record.ID)
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
		{"empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestGroundingBlock(t *testing.T) {
	m := &Match{Record: ownerCorrection("oc1", "q", "The launch price was seven dollars."), Relevance: 0.9}
	block := GroundingBlock(m)
	assert.Contains(t, block, "authoritative")
	assert.Contains(t, block, "The launch price was seven dollars.")
	assert.Contains(t, block, "[source: owner_approved]")

	assert.Equal(t, "", GroundingBlock(nil))

	vec := &Match{Record: Record{Tier: TierVectorSnippet, Content: "snippet"}}
	assert.Contains(t, GroundingBlock(vec), "unverified")
	assert.Contains(t, GroundingBlock(vec), "[source: vector]")
}
