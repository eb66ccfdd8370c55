// Package gate implements the deterministic fingerprint gate: fast,
// rule-based checks applied to a draft response before any model-based
// judging. The gate makes no network calls, is idempotent, and runs one
// linear scan over the response using matchers compiled once per spec.
package gate

import (
	"strings"
	"time"

	"twincore/internal/logging"
	"twincore/internal/persona"
)

// Check names reported in failing_checks. Stable identifiers: regression
// datasets and operators match on them.
const (
	CheckLengthMin    = "length_min"
	CheckLengthMax    = "length_max"
	CheckBannedPhrase = "banned_phrase"
	CheckFormat       = "format_signature"
	CheckHedge        = "hedge_policy"
	CheckSpeedDepth   = "speed_depth"
)

// Decision is the ephemeral per-request gate outcome.
type Decision struct {
	Passed        bool     `json:"passed"`
	FailingChecks []string `json:"failing_checks,omitempty"`
}

// defaultHedges are the hedge phrases disallowed when a persona forbids
// hedging. Matched case-insensitively as substrings.
var defaultHedges = []string{
	"i think",
	"i guess",
	"i believe",
	"maybe",
	"perhaps",
	"i'm not sure",
	"i am not sure",
	"it could be that",
	"possibly",
}

// Gate holds matchers compiled from one spec version. Build once per active
// spec and reuse across requests; Check is read-only.
type Gate struct {
	minLength int
	maxLength int

	format string

	banned []string // lowercased banned phrases

	checkHedges bool
	hedges      []string // lowercased, permitted ones removed

	preferTerse     bool
	terseMultiplier float64
}

// New compiles a gate from the spec's conventions and safety boundaries.
// terseMultiplier scales the max length band for the speed/depth check.
func New(spec *persona.Spec, terseMultiplier float64) *Gate {
	g := &Gate{
		minLength:       spec.Conventions.MinLength,
		maxLength:       spec.Conventions.MaxLength,
		format:          spec.Conventions.Format,
		checkHedges:     spec.Conventions.ForbidHedging,
		preferTerse:     spec.Conventions.PreferTerse,
		terseMultiplier: terseMultiplier,
	}
	if g.terseMultiplier <= 1 {
		g.terseMultiplier = 1.5
	}

	for _, p := range spec.BannedPhrases() {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			g.banned = append(g.banned, p)
		}
	}

	if g.checkHedges {
		permitted := make(map[string]bool, len(spec.Conventions.PermittedHedges))
		for _, p := range spec.Conventions.PermittedHedges {
			permitted[strings.ToLower(strings.TrimSpace(p))] = true
		}
		for _, h := range defaultHedges {
			if !permitted[h] {
				g.hedges = append(g.hedges, h)
			}
		}
	}
	return g
}

// Check runs every gate check against the draft. All checks run even after
// the first failure so the trace names everything that is wrong.
func (g *Gate) Check(draft string) Decision {
	timer := logging.StartTimer(logging.CategoryGate, "Check")
	defer timer.StopWithThreshold(10 * time.Millisecond)

	var failing []string
	lower := strings.ToLower(draft)
	length := len([]rune(draft))

	if g.minLength > 0 && length < g.minLength {
		failing = append(failing, CheckLengthMin)
	}
	if g.maxLength > 0 && length > g.maxLength {
		failing = append(failing, CheckLengthMax)
	}

	for _, p := range g.banned {
		if strings.Contains(lower, p) {
			failing = append(failing, CheckBannedPhrase)
			break
		}
	}

	if g.format != "" && !matchesFormat(draft, g.format) {
		failing = append(failing, CheckFormat)
	}

	if g.checkHedges {
		for _, h := range g.hedges {
			if strings.Contains(lower, h) {
				failing = append(failing, CheckHedge)
				break
			}
		}
	}

	if g.preferTerse && g.maxLength > 0 {
		limit := int(float64(g.maxLength) * g.terseMultiplier)
		if length > limit {
			failing = append(failing, CheckSpeedDepth)
		}
	}

	decision := Decision{Passed: len(failing) == 0, FailingChecks: failing}
	if !decision.Passed {
		logging.Gate("gate failed: %v (length=%d)", failing, length)
	}
	return decision
}

// matchesFormat verifies the declared structural convention. Bullet personas
// must answer mostly in list lines; paragraph personas must not.
func matchesFormat(draft, format string) bool {
	lines := strings.Split(draft, "\n")
	var nonEmpty, bulleted int
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		nonEmpty++
		if isBulletLine(trimmed) {
			bulleted++
		}
	}
	if nonEmpty == 0 {
		return false
	}

	switch format {
	case persona.FormatBullet:
		return bulleted*2 >= nonEmpty // majority of lines are list items
	case persona.FormatParagraph:
		return bulleted == 0
	default:
		return true
	}
}

func isBulletLine(line string) bool {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") || strings.HasPrefix(line, "• ") {
		return true
	}
	// Numbered list: "1. " / "12) "
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) {
		return false
	}
	return (line[i] == '.' || line[i] == ')') && i+1 < len(line) && line[i+1] == ' '
}
