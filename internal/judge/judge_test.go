package judge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twincore/internal/gate"
	"twincore/internal/persona"
)

// fakeLLM returns canned responses keyed by system prompt.
type fakeLLM struct {
	bySystem map[string]string
	fallback string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.fallback, nil
}

func (f *fakeLLM) CompleteWithSystem(_ context.Context, systemPrompt, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if r, ok := f.bySystem[systemPrompt]; ok {
		return r, nil
	}
	return f.fallback, nil
}

func judgeSpec() *persona.Spec {
	return &persona.Spec{
		TwinID:  "twin-1",
		Version: "1.0.0",
		Layers: persona.Layers{
			Identity:      "You are Ada.",
			Communication: "Terse, first person.",
		},
		Conventions: persona.Conventions{MaxLength: 500, ForbidHedging: true},
		SafetyBoundaries: []persona.Clause{
			{ID: "POL_NO_MEDICAL", Rule: "Never give medical advice.", Category: "policy"},
		},
	}
}

func TestJudgeEvaluateParsesVerdict(t *testing.T) {
	llm := &fakeLLM{fallback: `{"score": 0.85, "violated_clause_ids": ["POL_HEDGE_POLICY"], "rewrite_directives": ["Remove the hedge in sentence two."]}`}
	j := NewStructureJudge(llm, "test-model")

	r, err := j.Evaluate(context.Background(), "Draft.", judgeSpec(), gate.Decision{Passed: true})
	require.NoError(t, err)

	assert.Equal(t, NameStructurePolicy, r.JudgeName)
	assert.Equal(t, 0.85, r.Score)
	assert.Equal(t, []string{"POL_HEDGE_POLICY"}, r.ViolatedClauseIDs)
	assert.Equal(t, "test-model", r.EvaluatedBy)
	assert.NotEmpty(t, r.ID)
}

func TestJudgeEvaluateFencedJSON(t *testing.T) {
	llm := &fakeLLM{fallback: "Here is my verdict:\n```json\n{\"score\": 0.5, \"violated_clause_ids\": [], \"rewrite_directives\": []}\n```\n"}
	j := NewVoiceJudge(llm, "test-model")

	r, err := j.Evaluate(context.Background(), "Draft.", judgeSpec(), gate.Decision{Passed: true})
	require.NoError(t, err)
	assert.Equal(t, NameVoiceFidelity, r.JudgeName)
	assert.Equal(t, 0.5, r.Score)
}

func TestJudgeEvaluateErrors(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
	}{
		{"llm failure", &fakeLLM{err: errors.New("connection reset")}},
		{"no json", &fakeLLM{fallback: "I feel good about this one."}},
		{"score out of range", &fakeLLM{fallback: `{"score": 1.7}`}},
		{"malformed json", &fakeLLM{fallback: `{"score": `}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewStructureJudge(tt.llm, "m")
			_, err := j.Evaluate(context.Background(), "d", judgeSpec(), gate.Decision{Passed: true})
			assert.Error(t, err)
		})
	}
}

func TestJudgePromptContent(t *testing.T) {
	j := NewStructureJudge(&fakeLLM{}, "m")
	prompt := j.buildPrompt("The draft.", judgeSpec(), gate.Decision{
		Passed: false, FailingChecks: []string{gate.CheckHedge},
	})

	assert.Contains(t, prompt, "POL_NO_MEDICAL")
	assert.Contains(t, prompt, "POL_HEDGE_POLICY")
	assert.Contains(t, prompt, "Failing checks: hedge_policy")
	assert.Contains(t, prompt, "The draft.")
}

func TestVoiceJudgePromptSkipsPolicyClauses(t *testing.T) {
	j := NewVoiceJudge(&fakeLLM{}, "m")
	prompt := j.buildPrompt("The draft.", judgeSpec(), gate.Decision{Passed: true})
	assert.NotContains(t, prompt, "POL_NO_MEDICAL")
	assert.Contains(t, prompt, "POL_VOICE_FIDELITY")
}

func TestWeightsAggregate(t *testing.T) {
	w := DefaultWeights()

	tests := []struct {
		structure, voice, want float64
	}{
		{1.0, 1.0, 1.0},
		{0.0, 0.0, 0.0},
		{1.0, 0.0, 0.6},
		{0.0, 1.0, 0.4},
		{0.6, 0.9, 0.72},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("s=%.1f v=%.1f", tt.structure, tt.voice), func(t *testing.T) {
			assert.InDelta(t, tt.want, w.Aggregate(tt.structure, tt.voice), 1e-9)
		})
	}
}

func TestWeightsPolicyDominates(t *testing.T) {
	w := DefaultWeights()
	// The same deviation costs more on the structure side.
	structureHit := w.Aggregate(0.5, 1.0)
	voiceHit := w.Aggregate(1.0, 0.5)
	assert.Less(t, structureHit, voiceHit)
}

func TestPanelEvaluate(t *testing.T) {
	llm := &fakeLLM{bySystem: map[string]string{
		structureSystemPrompt: `{"score": 0.9, "violated_clause_ids": ["POL_NO_MEDICAL"], "rewrite_directives": ["Drop the dosage sentence."]}`,
		voiceSystemPrompt:     `{"score": 0.5, "violated_clause_ids": ["POL_VOICE_FIDELITY", "POL_NO_MEDICAL"], "rewrite_directives": ["Use first person."]}`,
	}}
	p := NewPanel(llm, "m", DefaultWeights())

	ev, err := p.Evaluate(context.Background(), "draft", judgeSpec(), gate.Decision{Passed: true})
	require.NoError(t, err)

	assert.InDelta(t, 0.6*0.9+0.4*0.5, ev.Aggregate, 1e-9)
	// Union preserves first-seen order and deduplicates.
	assert.Equal(t, []string{"POL_NO_MEDICAL", "POL_VOICE_FIDELITY"}, ev.ViolatedClauseIDs())
	assert.Equal(t, []string{"Drop the dosage sentence.", "Use first person."}, ev.RewriteDirectives())
}

func TestPanelEvaluatePropagatesJudgeFailure(t *testing.T) {
	p := NewPanel(&fakeLLM{err: errors.New("timeout")}, "m", DefaultWeights())
	_, err := p.Evaluate(context.Background(), "draft", judgeSpec(), gate.Decision{Passed: true})
	assert.Error(t, err)
}

func TestExtractJSONObjectBalanced(t *testing.T) {
	s := `prefix {"a": {"b": 1}} suffix {"c": 2}`
	assert.Equal(t, `{"a": {"b": 1}}`, extractJSONObject(s))
	assert.Equal(t, "", extractJSONObject("no braces here"))
	assert.Equal(t, "", extractJSONObject("{unbalanced"))
}
