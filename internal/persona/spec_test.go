package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() *Spec {
	return &Spec{
		TwinID:  "twin-1",
		Version: "1.0.0",
		Status:  StatusActive,
		Layers: Layers{
			Identity:      "You are Ada, a systems engineer.",
			Communication: "Direct, first person, no filler.",
		},
		Conventions: Conventions{
			MinLength:     40,
			MaxLength:     1200,
			Format:        FormatParagraph,
			ForbidHedging: true,
			PreferTerse:   true,
		},
		SafetyBoundaries: []Clause{
			{ID: "POL_NO_MEDICAL", Rule: "Never give medical advice.", Category: "safety",
				BannedPhrases: []string{"you should take", "recommended dosage"}},
		},
		BuiltinModules: []Module{
			{ModuleID: "core-voice", IntentLabel: IntentGeneral, Priority: 0, Data: "Speak plainly.", Status: StatusActive},
		},
	}
}

func TestSpecValidate(t *testing.T) {
	t.Run("valid spec passes", func(t *testing.T) {
		require.NoError(t, validSpec().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"missing twin id", func(s *Spec) { s.TwinID = " " }},
		{"missing version", func(s *Spec) { s.Version = "" }},
		{"inverted length band", func(s *Spec) { s.Conventions.MinLength = 2000 }},
		{"unknown format", func(s *Spec) { s.Conventions.Format = "haiku" }},
		{"clause without POL prefix", func(s *Spec) {
			s.SafetyBoundaries = append(s.SafetyBoundaries, Clause{ID: "NO_PREFIX", Rule: "x"})
		}},
		{"duplicate builtin module", func(s *Spec) {
			s.BuiltinModules = append(s.BuiltinModules, s.BuiltinModules[0])
		}},
		{"builtin module empty data", func(s *Spec) {
			s.BuiltinModules = append(s.BuiltinModules, Module{ModuleID: "m2", IntentLabel: "smalltalk"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestEnforceableClauses(t *testing.T) {
	s := validSpec()
	clauses := s.EnforceableClauses()

	ids := make(map[string]bool, len(clauses))
	for _, c := range clauses {
		ids[c.ID] = true
	}

	assert.True(t, ids["POL_NO_MEDICAL"], "declared safety boundary present")
	assert.True(t, ids[ClauseLength])
	assert.True(t, ids[ClauseFormat])
	assert.True(t, ids[ClauseHedge])
	assert.True(t, ids[ClauseTerse])
	assert.True(t, ids[ClauseVoice])

	t.Run("convention clauses drop with conventions", func(t *testing.T) {
		s := validSpec()
		s.Conventions = Conventions{}
		clauses := s.EnforceableClauses()
		for _, c := range clauses {
			assert.NotEqual(t, ClauseLength, c.ID)
			assert.NotEqual(t, ClauseFormat, c.ID)
			assert.NotEqual(t, ClauseHedge, c.ID)
			assert.NotEqual(t, ClauseTerse, c.ID)
		}
	})
}

func TestBannedPhrases(t *testing.T) {
	s := validSpec()
	phrases := s.BannedPhrases()
	assert.Equal(t, []string{"you should take", "recommended dosage"}, phrases)
}

func TestModuleEffectiveClauseID(t *testing.T) {
	m := Module{ModuleID: "cite-sources", IntentLabel: "factual_with_evidence", Data: "Cite."}
	assert.Equal(t, "POL_MOD_CITE_SOURCES", m.EffectiveClauseID())

	m.ClauseID = "POL_EVIDENCE"
	assert.Equal(t, "POL_EVIDENCE", m.EffectiveClauseID())
}

func TestModuleAppliesTo(t *testing.T) {
	m := Module{ModuleID: "m", IntentLabel: "smalltalk", Data: "x"}
	assert.True(t, m.AppliesTo("smalltalk"))
	assert.False(t, m.AppliesTo("factual_with_evidence"))

	generic := Module{ModuleID: "g", IntentLabel: IntentGeneral, Data: "x"}
	assert.True(t, generic.AppliesTo("factual_with_evidence"))
}
