package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twincore/internal/compiler"
	"twincore/internal/persona"
)

func testPlan(t *testing.T) *compiler.Plan {
	t.Helper()
	spec := &persona.Spec{
		TwinID:  "twin-1",
		Version: "1.0.0",
		Layers: persona.Layers{
			Identity:      "You are Ada.",
			Communication: "Short declarative sentences.",
			Values:        "Precision over politeness.",
		},
		BuiltinModules: []persona.Module{
			{ModuleID: "cite", IntentLabel: persona.IntentGeneral, Data: "Cite sources inline.", Status: persona.StatusActive},
		},
	}
	plan, err := compiler.Compile(spec, persona.IntentGeneral, nil)
	require.NoError(t, err)
	return plan
}

func TestRenderVariantPurity(t *testing.T) {
	plan := testPlan(t)
	for _, v := range Variants() {
		t.Run(string(v), func(t *testing.T) {
			first, err := Render(plan, v)
			require.NoError(t, err)
			assert.NotEmpty(t, first)
			for i := 0; i < 10; i++ {
				again, err := Render(plan, v)
				require.NoError(t, err)
				assert.Equal(t, first, again)
			}
		})
	}
}

func TestRenderVariantsDiffer(t *testing.T) {
	plan := testPlan(t)

	baseline, err := Render(plan, VariantBaselineV1)
	require.NoError(t, err)
	compact, err := Render(plan, VariantCompactV1)
	require.NoError(t, err)
	voice, err := Render(plan, VariantVoiceFocusV1)
	require.NoError(t, err)

	assert.NotEqual(t, baseline, compact)
	assert.NotEqual(t, baseline, voice)
	assert.NotEqual(t, compact, voice)
}

func TestRenderBaselineContainsAllSections(t *testing.T) {
	plan := testPlan(t)
	out, err := Render(plan, VariantBaselineV1)
	require.NoError(t, err)

	assert.Contains(t, out, "You are Ada.")
	assert.Contains(t, out, "Short declarative sentences.")
	assert.Contains(t, out, "Cite sources inline.")
}

func TestRenderVoiceFocusLeadsWithVoice(t *testing.T) {
	plan := testPlan(t)
	out, err := Render(plan, VariantVoiceFocusV1)
	require.NoError(t, err)

	voiceIdx := indexOf(out, "Short declarative sentences.")
	valuesIdx := indexOf(out, "Precision over politeness.")
	require.GreaterOrEqual(t, voiceIdx, 0)
	require.GreaterOrEqual(t, valuesIdx, 0)
	assert.Less(t, voiceIdx, valuesIdx)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestRenderUnknownVariant(t *testing.T) {
	_, err := Render(testPlan(t), VariantID("experimental_v9"))
	assert.Error(t, err)
}

func TestRenderNilPlan(t *testing.T) {
	_, err := Render(nil, VariantBaselineV1)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, VariantCompactV1, Normalize("compact_v1"))
	assert.Equal(t, Default, Normalize(""))
	assert.Equal(t, Default, Normalize("no_such_variant"))
}

func TestKnownCoversDeclaredSet(t *testing.T) {
	for _, v := range Variants() {
		assert.True(t, Known(v))
	}
	assert.False(t, Known(VariantID("baseline_v2")))
}
