// Package judge evaluates draft responses against the compiled persona.
// Two judges run per request: Judge A scores structure/policy adherence and
// Judge B scores voice fidelity. Both call the LLM through a narrow client
// interface and return typed results, keeping all non-determinism behind one
// seam; aggregation and everything downstream stays pure.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"twincore/internal/gate"
	"twincore/internal/logging"
	"twincore/internal/persona"
)

// Judge names as persisted in audit rows.
const (
	NameStructurePolicy = "structure_policy"
	NameVoiceFidelity   = "voice_fidelity"
)

// LLMClient is the minimal interface for LLM calls. Mirrors the realizer's
// client so one backend serves both.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Result is one judge's evaluation. Persisted for audit and regression;
// never mutated after creation.
type Result struct {
	ID                string    `json:"id"`
	JudgeName         string    `json:"judge_name"`
	Score             float64   `json:"score"` // 0.0-1.0
	ViolatedClauseIDs []string  `json:"violated_clause_ids,omitempty"`
	RewriteDirectives []string  `json:"rewrite_directives,omitempty"`
	EvaluatedBy       string    `json:"evaluated_by"`
	CreatedAt         time.Time `json:"created_at"`
}

// Judge scores a draft against one aspect of the compiled persona.
type Judge struct {
	name         string
	llm          LLMClient
	modelName    string
	systemPrompt string
}

// NewStructureJudge creates Judge A: structural and policy adherence.
func NewStructureJudge(llm LLMClient, modelName string) *Judge {
	return &Judge{
		name:         NameStructurePolicy,
		llm:          llm,
		modelName:    modelName,
		systemPrompt: structureSystemPrompt,
	}
}

// NewVoiceJudge creates Judge B: voice fidelity. Risk-aware by construction:
// its verdicts carry the lower fixed weight during aggregation because voice
// drift is non-critical while policy violations are safety-relevant.
func NewVoiceJudge(llm LLMClient, modelName string) *Judge {
	return &Judge{
		name:         NameVoiceFidelity,
		llm:          llm,
		modelName:    modelName,
		systemPrompt: voiceSystemPrompt,
	}
}

// Evaluate scores one draft. The gate decision is passed through so judges
// see which deterministic checks already flagged the draft.
func (j *Judge) Evaluate(ctx context.Context, draft string, spec *persona.Spec, gd gate.Decision) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryJudge, j.name+".Evaluate")
	defer timer.Stop()

	userPrompt := j.buildPrompt(draft, spec, gd)
	response, err := j.llm.CompleteWithSystem(ctx, j.systemPrompt, userPrompt)
	if err != nil {
		logging.Get(logging.CategoryJudge).Error("%s LLM call failed: %v", j.name, err)
		return nil, fmt.Errorf("%s evaluation failed: %w", j.name, err)
	}

	result, err := j.parseResult(response)
	if err != nil {
		logging.Get(logging.CategoryJudge).Error("%s verdict unparseable: %v", j.name, err)
		return nil, fmt.Errorf("%s verdict unparseable: %w", j.name, err)
	}

	logging.Judge("%s scored %.2f, %d violations", j.name, result.Score, len(result.ViolatedClauseIDs))
	return result, nil
}

// buildPrompt lays out the draft, the enforceable clauses, and the gate
// outcome for the judge model.
func (j *Judge) buildPrompt(draft string, spec *persona.Spec, gd gate.Decision) string {
	var sb strings.Builder

	sb.WriteString("## Persona Clauses\n")
	for _, c := range spec.EnforceableClauses() {
		if j.name == NameVoiceFidelity && c.Category == "policy" {
			continue // voice judge only sees voice/format material
		}
		sb.WriteString(fmt.Sprintf("- [%s] (%s) %s\n", c.ID, c.Category, c.Rule))
	}
	sb.WriteString("\n## Persona Layers\n")
	if spec.Layers.Communication != "" {
		sb.WriteString("Communication: " + spec.Layers.Communication + "\n")
	}
	if spec.Layers.Identity != "" {
		sb.WriteString("Identity: " + spec.Layers.Identity + "\n")
	}
	if j.name == NameStructurePolicy && spec.Layers.Values != "" {
		sb.WriteString("Values: " + spec.Layers.Values + "\n")
	}

	sb.WriteString("\n## Deterministic Gate\n")
	if gd.Passed {
		sb.WriteString("All deterministic checks passed.\n")
	} else {
		sb.WriteString(fmt.Sprintf("Failing checks: %s\n", strings.Join(gd.FailingChecks, ", ")))
	}

	sb.WriteString("\n## Draft Response\n")
	sb.WriteString(draft)
	sb.WriteString("\n")
	return sb.String()
}

// parseResult extracts the typed result from a judge model response.
func (j *Judge) parseResult(response string) (*Result, error) {
	jsonStr := extractJSONBlock(response)
	if jsonStr == "" {
		jsonStr = extractJSONObject(response)
	}
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}

	var parsed struct {
		Score             float64  `json:"score"`
		ViolatedClauseIDs []string `json:"violated_clause_ids"`
		RewriteDirectives []string `json:"rewrite_directives"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if parsed.Score < 0 || parsed.Score > 1 {
		return nil, fmt.Errorf("score %.3f out of range", parsed.Score)
	}

	return &Result{
		ID:                uuid.NewString(),
		JudgeName:         j.name,
		Score:             parsed.Score,
		ViolatedClauseIDs: parsed.ViolatedClauseIDs,
		RewriteDirectives: parsed.RewriteDirectives,
		EvaluatedBy:       j.modelName,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// Panel runs both judges concurrently and aggregates their scores.
type Panel struct {
	structure *Judge
	voice     *Judge
	weights   Weights
}

// NewPanel creates the two-judge panel with the fixed aggregation weights.
func NewPanel(llm LLMClient, modelName string, weights Weights) *Panel {
	return &Panel{
		structure: NewStructureJudge(llm, modelName),
		voice:     NewVoiceJudge(llm, modelName),
		weights:   weights,
	}
}

// Evaluation bundles both judge results with the aggregate score.
type Evaluation struct {
	Structure *Result
	Voice     *Result
	Aggregate float64
}

// Evaluate runs both judges in parallel. Any judge failure fails the whole
// evaluation; callers treat that as a score shortfall per the retry budget.
func (p *Panel) Evaluate(ctx context.Context, draft string, spec *persona.Spec, gd gate.Decision) (*Evaluation, error) {
	var structure, voice *Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := p.structure.Evaluate(gctx, draft, spec, gd)
		if err != nil {
			return err
		}
		structure = r
		return nil
	})
	g.Go(func() error {
		r, err := p.voice.Evaluate(gctx, draft, spec, gd)
		if err != nil {
			return err
		}
		voice = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Evaluation{
		Structure: structure,
		Voice:     voice,
		Aggregate: p.weights.Aggregate(structure.Score, voice.Score),
	}, nil
}

// ViolatedClauseIDs returns the deduplicated union of both judges'
// violations, in first-seen order. This union is exactly the rewrite target.
func (e *Evaluation) ViolatedClauseIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range []*Result{e.Structure, e.Voice} {
		if r == nil {
			continue
		}
		for _, id := range r.ViolatedClauseIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// RewriteDirectives returns the deduplicated union of both judges'
// directives, in first-seen order.
func (e *Evaluation) RewriteDirectives() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range []*Result{e.Structure, e.Voice} {
		if r == nil {
			continue
		}
		for _, d := range r.RewriteDirectives {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// extractJSONBlock extracts JSON from a ```json fenced block.
func extractJSONBlock(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	nl := strings.Index(s[start:], "\n")
	if nl == -1 {
		return ""
	}
	body := s[start+nl+1:]
	end := strings.Index(body, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(body[:end])
}

// extractJSONObject extracts the first balanced JSON object.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// structureSystemPrompt instructs Judge A.
const structureSystemPrompt = `You are a strict evaluator of a digital twin's draft response. Score how well the draft adheres to the persona's structural and policy clauses: output format, required disclosures, refusal and escalation policy, safety boundaries.

Output JSON only:
{
  "score": 0.0 to 1.0,
  "violated_clause_ids": ["POL_..."],
  "rewrite_directives": ["one imperative sentence per violation"]
}

Rules:
- Cite only clause ids listed in the input.
- A safety-boundary violation caps the score at 0.3.
- Directives must be concrete edits, not "try again".`

// voiceSystemPrompt instructs Judge B.
const voiceSystemPrompt = `You are an evaluator of voice fidelity for a digital twin's draft response. Score how closely the draft matches the persona's tone, vocabulary, and first-person consistency. Voice drift is non-critical: do not punish policy matters, only stylistic fidelity.

Output JSON only:
{
  "score": 0.0 to 1.0,
  "violated_clause_ids": ["POL_..."],
  "rewrite_directives": ["one imperative sentence per violation"]
}

Rules:
- Cite only clause ids listed in the input.
- Minor word-choice drift costs little; breaking first person costs a lot.
- Directives must be concrete edits, not "try again".`
