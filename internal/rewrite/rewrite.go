// Package rewrite implements the single bounded rewrite attempt. The rewrite
// instruction set is exactly the union of the judges' violation reports;
// there is no generic "try again" path and no second attempt.
package rewrite

import (
	"context"
	"fmt"
	"strings"

	"twincore/internal/judge"
	"twincore/internal/logging"
	"twincore/internal/persona"
)

// Engine produces one clause-targeted rewrite of a draft.
type Engine struct {
	llm judge.LLMClient
}

// New creates a rewrite engine over the shared LLM client.
func New(llm judge.LLMClient) *Engine {
	return &Engine{llm: llm}
}

// Rewrite asks the backend for a corrected draft targeting exactly the
// violations the judges reported. Returns an error when there is nothing to
// target: a rewrite without clause targets would be an unbounded retry in
// disguise.
func (e *Engine) Rewrite(ctx context.Context, personaPrompt, draft string, spec *persona.Spec, ev *judge.Evaluation) (string, error) {
	timer := logging.StartTimer(logging.CategoryRewrite, "Rewrite")
	defer timer.Stop()

	clauseIDs := ev.ViolatedClauseIDs()
	if len(clauseIDs) == 0 {
		return "", fmt.Errorf("rewrite requires violated clause ids")
	}

	rules := clauseRules(spec)
	var sb strings.Builder
	sb.WriteString("Your previous draft violated specific persona clauses. ")
	sb.WriteString("Produce a corrected response that fixes ONLY the listed violations. ")
	sb.WriteString("Keep everything that was not flagged.\n\n")

	sb.WriteString("## Violations\n")
	for _, id := range clauseIDs {
		if rule, ok := rules[id]; ok {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", id, rule))
		} else {
			sb.WriteString(fmt.Sprintf("- [%s]\n", id))
		}
	}

	if directives := ev.RewriteDirectives(); len(directives) > 0 {
		sb.WriteString("\n## Required Edits\n")
		for _, d := range directives {
			sb.WriteString("- ")
			sb.WriteString(d)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n## Previous Draft\n")
	sb.WriteString(draft)
	sb.WriteString("\n\nRespond with the corrected response text only.")

	logging.Get(logging.CategoryRewrite).Info("rewriting draft targeting %d clauses: %v",
		len(clauseIDs), clauseIDs)

	rewritten, err := e.llm.CompleteWithSystem(ctx, personaPrompt, sb.String())
	if err != nil {
		return "", fmt.Errorf("rewrite call failed: %w", err)
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return "", fmt.Errorf("rewrite produced empty response")
	}
	return rewritten, nil
}

// clauseRules indexes every enforceable rule by clause id.
func clauseRules(spec *persona.Spec) map[string]string {
	rules := make(map[string]string)
	for _, c := range spec.EnforceableClauses() {
		rules[c.ID] = c.Rule
	}
	for _, m := range spec.BuiltinModules {
		rules[m.EffectiveClauseID()] = m.Data
	}
	return rules
}

// ReasonCategories maps violated clause ids to coarse reason categories for
// the rewrite_reason_categories trace field. Unknown ids fall into "policy".
func ReasonCategories(spec *persona.Spec, clauseIDs []string) []string {
	byID := make(map[string]string)
	for _, c := range spec.EnforceableClauses() {
		byID[c.ID] = c.Category
	}

	seen := make(map[string]bool)
	var out []string
	for _, id := range clauseIDs {
		cat, ok := byID[id]
		if !ok {
			switch {
			case strings.HasPrefix(id, "POL_LAYER_"):
				cat = "voice"
			default:
				cat = "policy"
			}
		}
		if !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}
	return out
}
