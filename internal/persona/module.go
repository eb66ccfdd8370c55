package persona

import (
	"fmt"
	"strings"
)

// IntentGeneral is the label runtime modules use to apply to every intent,
// and the label classification degrades to under low confidence.
const IntentGeneral = "general"

// Module is an intent-scoped procedural behavior snippet. Builtin modules
// ship inside a spec version; runtime modules are derived from owner teaching
// events and promoted draft -> active by the external learning loop.
type Module struct {
	ModuleID    string `yaml:"module_id" json:"module_id"`
	IntentLabel string `yaml:"intent_label" json:"intent_label"`
	Priority    int    `yaml:"priority" json:"priority"`

	// Data is the opaque policy fragment merged into the compiled prompt.
	Data string `yaml:"data" json:"data"`

	// ClauseID tags the plan section this module renders into, for
	// violation traceability. Empty tags get a derived POL_MOD_* id.
	ClauseID string `yaml:"clause_id,omitempty" json:"clause_id,omitempty"`

	Status        Status `yaml:"status" json:"status"`
	SourceEventID string `yaml:"source_event_id,omitempty" json:"source_event_id,omitempty"`
}

// Validate checks a module's structural invariants.
func (m *Module) Validate() error {
	if strings.TrimSpace(m.ModuleID) == "" {
		return fmt.Errorf("module missing module_id")
	}
	if strings.TrimSpace(m.IntentLabel) == "" {
		return fmt.Errorf("module %s missing intent_label", m.ModuleID)
	}
	if strings.TrimSpace(m.Data) == "" {
		return fmt.Errorf("module %s has empty data", m.ModuleID)
	}
	return nil
}

// EffectiveClauseID returns the clause id tagging this module's plan section.
func (m *Module) EffectiveClauseID() string {
	if m.ClauseID != "" {
		return m.ClauseID
	}
	return "POL_MOD_" + strings.ToUpper(strings.ReplaceAll(m.ModuleID, "-", "_"))
}

// AppliesTo reports whether the module is retrievable for an intent label.
// Generic modules apply to every intent.
func (m *Module) AppliesTo(intentLabel string) bool {
	return m.IntentLabel == intentLabel || m.IntentLabel == IntentGeneral
}
