package compiler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"twincore/internal/logging"
	"twincore/internal/persona"
)

// ModuleSource supplies active runtime modules for a twin and intent label.
// Implemented by the sqlite store; a fake suffices in tests.
type ModuleSource interface {
	ActiveModules(ctx context.Context, twinID, intentLabel string) ([]persona.Module, error)
}

// Compiler builds prompt plans from the active spec plus runtime modules.
type Compiler struct {
	modules ModuleSource
}

// New creates a compiler backed by the given module source.
func New(modules ModuleSource) *Compiler {
	return &Compiler{modules: modules}
}

// CompileForIntent reads the active runtime modules for the intent label and
// compiles a plan. The read is the compiler's only side effect.
func (c *Compiler) CompileForIntent(ctx context.Context, spec *persona.Spec, intentLabel string) (*Plan, error) {
	timer := logging.StartTimer(logging.CategoryCompiler, "CompileForIntent")
	defer timer.StopWithThreshold(10 * time.Millisecond)

	var runtime []persona.Module
	if c.modules != nil {
		var err error
		runtime, err = c.modules.ActiveModules(ctx, spec.TwinID, intentLabel)
		if err != nil {
			return nil, fmt.Errorf("module retrieval failed for %s/%s: %w", spec.TwinID, intentLabel, err)
		}
	}
	return Compile(spec, intentLabel, runtime)
}

// Compile deterministically merges a spec's builtin modules with the given
// runtime modules:
//
//   - layer and safety sections come first, in fixed spec order
//   - builtin modules keep their spec-declared order, never re-sorted
//   - runtime modules are filtered to the intent label (generic included),
//     then sorted by (priority ascending, module_id ascending)
//   - duplicates by module_id keep the first occurrence
//
// Pure function: identical inputs yield byte-identical plans.
func Compile(spec *persona.Spec, intentLabel string, runtime []persona.Module) (*Plan, error) {
	if spec == nil {
		return nil, fmt.Errorf("compile requires a spec")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to compile invalid spec: %w", err)
	}

	plan := &Plan{
		TwinID:      spec.TwinID,
		SpecVersion: spec.Version,
		IntentLabel: intentLabel,
	}

	plan.Sections = append(plan.Sections, layerSections(spec)...)
	plan.Sections = append(plan.Sections, safetySections(spec)...)

	seen := make(map[string]bool)
	for _, m := range spec.BuiltinModules {
		if seen[m.ModuleID] {
			continue
		}
		seen[m.ModuleID] = true
		plan.Sections = append(plan.Sections, moduleSection(m, OriginBuiltin))
	}

	// Filter, then sort the runtime subset only. Builtins above are never
	// reordered relative to each other.
	var applicable []persona.Module
	for _, m := range runtime {
		if m.Status != persona.StatusActive {
			continue
		}
		if !m.AppliesTo(intentLabel) {
			continue
		}
		applicable = append(applicable, m)
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority < applicable[j].Priority
		}
		return applicable[i].ModuleID < applicable[j].ModuleID
	})
	for _, m := range applicable {
		if seen[m.ModuleID] {
			continue
		}
		seen[m.ModuleID] = true
		plan.Sections = append(plan.Sections, moduleSection(m, OriginRuntime))
	}

	logging.CompilerDebug("compiled plan twin=%s spec=%s intent=%s sections=%d modules=%d",
		spec.TwinID, spec.Version, intentLabel, len(plan.Sections), len(plan.ModuleIDs()))
	return plan, nil
}

// layerSections renders the five spec layers in fixed order, skipping empty
// layers. Each carries a stable clause id so judges can cite layer drift.
func layerSections(spec *persona.Spec) []Section {
	layers := []struct {
		clause string
		title  string
		body   string
	}{
		{"POL_LAYER_IDENTITY", "Identity", spec.Layers.Identity},
		{"POL_LAYER_COGNITIVE", "Cognitive Style", spec.Layers.Cognitive},
		{"POL_LAYER_VALUES", "Values", spec.Layers.Values},
		{"POL_LAYER_COMMUNICATION", "Communication Style", spec.Layers.Communication},
		{"POL_LAYER_MEMORY", "Memory Anchors", spec.Layers.Memory},
	}
	var out []Section
	for _, l := range layers {
		if strings.TrimSpace(l.body) == "" {
			continue
		}
		out = append(out, Section{
			ClauseID: l.clause,
			Title:    l.title,
			Body:     l.body,
			Origin:   OriginLayer,
		})
	}
	return out
}

func safetySections(spec *persona.Spec) []Section {
	var out []Section
	for _, c := range spec.SafetyBoundaries {
		out = append(out, Section{
			ClauseID: c.ID,
			Title:    "Safety Boundary",
			Body:     c.Rule,
			Origin:   OriginSafety,
		})
	}
	return out
}

func moduleSection(m persona.Module, origin SectionOrigin) Section {
	return Section{
		ClauseID: m.EffectiveClauseID(),
		Title:    "Behavior: " + m.ModuleID,
		Body:     m.Data,
		Origin:   origin,
		ModuleID: m.ModuleID,
	}
}

// BuildLegacyPrompt builds the unstructured fallback prompt used when
// compilation fails. Callers surface the fallback by leaving the spec
// version empty in response metadata.
func BuildLegacyPrompt(twinID, settingsText string) string {
	var sb strings.Builder
	sb.WriteString("You are a digital twin")
	if twinID != "" {
		sb.WriteString(" (")
		sb.WriteString(twinID)
		sb.WriteString(")")
	}
	sb.WriteString(". Answer in the owner's voice and stay within their stated boundaries.\n")
	if strings.TrimSpace(settingsText) != "" {
		sb.WriteString("\nOwner settings:\n")
		sb.WriteString(settingsText)
		sb.WriteString("\n")
	}
	return sb.String()
}
