// Package persona defines the data model for simulated-person specifications:
// versioned layered specs, enforceable clauses, and intent-scoped procedural
// modules. The types here are pure data; persistence lives in internal/store
// and compilation in internal/compiler.
package persona

import (
	"fmt"
	"strings"
	"time"
)

// Status tracks the lifecycle of specs and modules.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
)

// Clause identifiers for the conventions every persona declares implicitly.
// Judges and the gate report these alongside spec-declared POL_* clauses.
const (
	ClauseLength = "POL_LENGTH_BAND"
	ClauseFormat = "POL_FORMAT_SIGNATURE"
	ClauseHedge  = "POL_HEDGE_POLICY"
	ClauseTerse  = "POL_SPEED_DEPTH"
	ClauseVoice  = "POL_VOICE_FIDELITY"
)

// Clause is a stable identifier referencing one enforceable rule. Judges
// report violated clause ids; the rewrite engine targets them.
type Clause struct {
	ID       string `yaml:"id" json:"id"` // POL_*
	Rule     string `yaml:"rule" json:"rule"`
	Category string `yaml:"category" json:"category"` // policy, voice, safety, format

	// BannedPhrases lists literal phrases the gate rejects. Only meaningful
	// on safety-boundary clauses.
	BannedPhrases []string `yaml:"banned_phrases,omitempty" json:"banned_phrases,omitempty"`
}

// Layers describe the persona across the five spec layers. Each layer is an
// opaque prose block contributed to the compiled prompt.
type Layers struct {
	Identity      string `yaml:"identity" json:"identity"`
	Cognitive     string `yaml:"cognitive" json:"cognitive"`
	Values        string `yaml:"values" json:"values"`
	Communication string `yaml:"communication" json:"communication"`
	Memory        string `yaml:"memory" json:"memory"`
}

// Conventions are the structural expectations the deterministic gate checks.
// They are declared once per spec version, never inferred from output.
type Conventions struct {
	// Length band in characters. Zero max disables the band check.
	MinLength int `yaml:"min_length" json:"min_length"`
	MaxLength int `yaml:"max_length" json:"max_length"`

	// Format is the declared structural convention: "bullet", "paragraph",
	// or empty when the persona declares none.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// ForbidHedging disallows hedge phrases ("I think", "maybe") unless
	// explicitly permitted below.
	ForbidHedging   bool     `yaml:"forbid_hedging" json:"forbid_hedging"`
	PermittedHedges []string `yaml:"permitted_hedges,omitempty" json:"permitted_hedges,omitempty"`

	// PreferTerse flags answers exceeding a multiplier of the length band.
	PreferTerse bool `yaml:"prefer_terse" json:"prefer_terse"`
}

// Spec is a versioned, immutable-once-published persona description.
// Exactly one version per twin is active at a time; the store enforces the
// active pointer as an atomic single-row swap.
type Spec struct {
	TwinID  string `yaml:"twin_id" json:"twin_id"`
	Version string `yaml:"version" json:"version"` // semver string
	Status  Status `yaml:"status" json:"status"`

	Layers           Layers       `yaml:"layers" json:"layers"`
	Conventions      Conventions  `yaml:"conventions" json:"conventions"`
	SafetyBoundaries []Clause     `yaml:"safety_boundaries" json:"safety_boundaries"`
	BuiltinModules   []Module     `yaml:"builtin_modules" json:"builtin_modules"`

	CreatedAt   time.Time `yaml:"created_at,omitempty" json:"created_at"`
	PublishedAt time.Time `yaml:"published_at,omitempty" json:"published_at,omitempty"`
}

// Validate checks the structural invariants of a spec document.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.TwinID) == "" {
		return fmt.Errorf("spec missing twin_id")
	}
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("spec %s missing version", s.TwinID)
	}
	if s.Conventions.MaxLength > 0 && s.Conventions.MinLength > s.Conventions.MaxLength {
		return fmt.Errorf("spec %s@%s: min_length %d exceeds max_length %d",
			s.TwinID, s.Version, s.Conventions.MinLength, s.Conventions.MaxLength)
	}
	switch s.Conventions.Format {
	case "", FormatBullet, FormatParagraph:
	default:
		return fmt.Errorf("spec %s@%s: unknown format signature %q", s.TwinID, s.Version, s.Conventions.Format)
	}
	for _, c := range s.SafetyBoundaries {
		if !strings.HasPrefix(c.ID, "POL_") {
			return fmt.Errorf("spec %s@%s: clause id %q must carry POL_ prefix", s.TwinID, s.Version, c.ID)
		}
	}
	seen := make(map[string]bool, len(s.BuiltinModules))
	for _, m := range s.BuiltinModules {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("spec %s@%s: %w", s.TwinID, s.Version, err)
		}
		if seen[m.ModuleID] {
			return fmt.Errorf("spec %s@%s: duplicate builtin module %q", s.TwinID, s.Version, m.ModuleID)
		}
		seen[m.ModuleID] = true
	}
	return nil
}

// Format signatures the gate can verify.
const (
	FormatBullet    = "bullet"
	FormatParagraph = "paragraph"
)

// EnforceableClauses returns every clause a judge may cite for this spec:
// declared safety boundaries plus the implicit convention clauses.
func (s *Spec) EnforceableClauses() []Clause {
	clauses := make([]Clause, 0, len(s.SafetyBoundaries)+5)
	clauses = append(clauses, s.SafetyBoundaries...)

	if s.Conventions.MaxLength > 0 {
		clauses = append(clauses, Clause{
			ID:       ClauseLength,
			Rule:     fmt.Sprintf("Responses stay within %d-%d characters.", s.Conventions.MinLength, s.Conventions.MaxLength),
			Category: "format",
		})
	}
	if s.Conventions.Format != "" {
		clauses = append(clauses, Clause{
			ID:       ClauseFormat,
			Rule:     fmt.Sprintf("Responses use %s format.", s.Conventions.Format),
			Category: "format",
		})
	}
	if s.Conventions.ForbidHedging {
		clauses = append(clauses, Clause{
			ID:       ClauseHedge,
			Rule:     "No hedge phrases unless explicitly permitted.",
			Category: "voice",
		})
	}
	if s.Conventions.PreferTerse {
		clauses = append(clauses, Clause{
			ID:       ClauseTerse,
			Rule:     "Prefer terse answers; avoid padding.",
			Category: "voice",
		})
	}
	clauses = append(clauses, Clause{
		ID:       ClauseVoice,
		Rule:     "Stay in the persona's voice: tone, vocabulary, first person.",
		Category: "voice",
	})
	return clauses
}

// BannedPhrases collects every banned phrase declared across safety
// boundaries. The gate compiles these into its matcher set.
func (s *Spec) BannedPhrases() []string {
	var phrases []string
	for _, c := range s.SafetyBoundaries {
		phrases = append(phrases, c.BannedPhrases...)
	}
	return phrases
}
