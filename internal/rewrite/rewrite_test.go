package rewrite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twincore/internal/judge"
	"twincore/internal/persona"
)

type capturingLLM struct {
	lastSystem string
	lastUser   string
	response   string
	err        error
}

func (c *capturingLLM) Complete(_ context.Context, prompt string) (string, error) {
	c.lastUser = prompt
	return c.response, c.err
}

func (c *capturingLLM) CompleteWithSystem(_ context.Context, system, user string) (string, error) {
	c.lastSystem = system
	c.lastUser = user
	return c.response, c.err
}

func rewriteSpec() *persona.Spec {
	return &persona.Spec{
		TwinID:  "twin-1",
		Version: "1.0.0",
		Conventions: persona.Conventions{
			MaxLength:     400,
			ForbidHedging: true,
		},
		SafetyBoundaries: []persona.Clause{
			{ID: "POL_NO_MEDICAL", Rule: "Never give medical advice.", Category: "policy"},
		},
		BuiltinModules: []persona.Module{
			{ModuleID: "cite", IntentLabel: persona.IntentGeneral, Data: "Cite sources.",
				ClauseID: "POL_EVIDENCE", Status: persona.StatusActive},
		},
	}
}

func evaluation(clauses, directives []string) *judge.Evaluation {
	return &judge.Evaluation{
		Structure: &judge.Result{
			JudgeName:         judge.NameStructurePolicy,
			Score:             0.5,
			ViolatedClauseIDs: clauses,
			RewriteDirectives: directives,
		},
		Voice:     &judge.Result{JudgeName: judge.NameVoiceFidelity, Score: 0.9},
		Aggregate: 0.66,
	}
}

func TestRewriteTargetsReportedClauses(t *testing.T) {
	llm := &capturingLLM{response: "Corrected draft."}
	e := New(llm)

	ev := evaluation(
		[]string{"POL_NO_MEDICAL", "POL_EVIDENCE"},
		[]string{"Drop the dosage sentence.", "Add a source."},
	)

	out, err := e.Rewrite(context.Background(), "persona prompt", "Bad draft.", rewriteSpec(), ev)
	require.NoError(t, err)
	assert.Equal(t, "Corrected draft.", out)

	// Persona prompt is the system prompt; the user prompt carries exactly
	// the reported violations and directives plus the prior draft.
	assert.Equal(t, "persona prompt", llm.lastSystem)
	assert.Contains(t, llm.lastUser, "POL_NO_MEDICAL")
	assert.Contains(t, llm.lastUser, "Never give medical advice.")
	assert.Contains(t, llm.lastUser, "POL_EVIDENCE")
	assert.Contains(t, llm.lastUser, "Cite sources.")
	assert.Contains(t, llm.lastUser, "Drop the dosage sentence.")
	assert.Contains(t, llm.lastUser, "Bad draft.")
	assert.NotContains(t, llm.lastUser, "POL_HEDGE_POLICY", "unreported clauses are not targeted")
}

func TestRewriteRequiresViolations(t *testing.T) {
	e := New(&capturingLLM{response: "x"})
	_, err := e.Rewrite(context.Background(), "p", "draft", rewriteSpec(), evaluation(nil, nil))
	assert.Error(t, err)
}

func TestRewriteErrors(t *testing.T) {
	t.Run("llm failure", func(t *testing.T) {
		e := New(&capturingLLM{err: errors.New("deadline exceeded")})
		_, err := e.Rewrite(context.Background(), "p", "draft", rewriteSpec(),
			evaluation([]string{"POL_NO_MEDICAL"}, nil))
		assert.ErrorContains(t, err, "rewrite call failed")
	})

	t.Run("empty rewrite", func(t *testing.T) {
		e := New(&capturingLLM{response: "   \n"})
		_, err := e.Rewrite(context.Background(), "p", "draft", rewriteSpec(),
			evaluation([]string{"POL_NO_MEDICAL"}, nil))
		assert.ErrorContains(t, err, "empty")
	})
}

func TestReasonCategories(t *testing.T) {
	spec := rewriteSpec()

	tests := []struct {
		name    string
		clauses []string
		want    []string
	}{
		{"policy clause", []string{"POL_NO_MEDICAL"}, []string{"policy"}},
		{"voice convention clause", []string{"POL_HEDGE_POLICY"}, []string{"voice"}},
		{"format clause", []string{"POL_LENGTH_BAND"}, []string{"format"}},
		{"layer clause maps to voice", []string{"POL_LAYER_COMMUNICATION"}, []string{"voice"}},
		{"unknown module clause maps to policy", []string{"POL_MOD_SOMETHING"}, []string{"policy"}},
		{"mixed deduplicated in order", []string{"POL_NO_MEDICAL", "POL_HEDGE_POLICY", "POL_VOICE_FIDELITY"},
			[]string{"policy", "voice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonCategories(spec, tt.clauses))
		})
	}
}
