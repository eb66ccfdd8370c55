package pipeline

import (
	"time"
)

// Outcome of one pipeline run.
const (
	OutcomeOK        = "ok"        // draft served as-is
	OutcomeRewritten = "rewritten" // single rewrite served
	OutcomeFailSafe  = "fail_safe" // canned response served
)

// Trace is the audit record of one pipeline run. Every response carries one;
// gate decisions and judge verdicts are additionally persisted append-only
// under the same trace id.
type Trace struct {
	TraceID string `json:"trace_id"`
	TwinID  string `json:"twin_id"`

	IntentLabel      string  `json:"intent_label"`
	IntentConfidence float64 `json:"intent_confidence"`

	PersonaSpecVersion   string   `json:"persona_spec_version"` // empty on legacy fallback
	PersonaPromptVariant string   `json:"persona_prompt_variant"`
	ModuleIDs            []string `json:"module_ids"`

	GroundingTier string `json:"grounding_tier,omitempty"`

	DeterministicGatePassed bool     `json:"deterministic_gate_passed"`
	GateFailingChecks       []string `json:"gate_failing_checks,omitempty"`

	StructurePolicyScore float64 `json:"structure_policy_score"`
	VoiceScore           float64 `json:"voice_score"`
	DraftPersonaScore    float64 `json:"draft_persona_score"`
	FinalPersonaScore    float64 `json:"final_persona_score"`

	RewriteApplied          bool     `json:"rewrite_applied"`
	RewriteReasonCategories []string `json:"rewrite_reason_categories,omitempty"`
	ViolatedClauseIDs       []string `json:"violated_clause_ids,omitempty"`

	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// Response is what the serving layer returns to the caller.
type Response struct {
	Text  string `json:"text"`
	Trace *Trace `json:"trace"`
}
