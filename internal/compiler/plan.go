// Package compiler merges an active persona spec with intent-filtered runtime
// modules into an ordered prompt plan. Compilation is a pure function of its
// inputs plus one module-store read: the same spec version and module set
// always produce a byte-identical plan.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SectionOrigin tags where a plan section came from.
type SectionOrigin string

const (
	OriginLayer   SectionOrigin = "layer"
	OriginSafety  SectionOrigin = "safety"
	OriginBuiltin SectionOrigin = "builtin"
	OriginRuntime SectionOrigin = "runtime"
)

// Section is one ordered unit of a prompt plan, tagged with a clause id for
// violation traceability.
type Section struct {
	ClauseID string
	Title    string
	Body     string
	Origin   SectionOrigin
	ModuleID string // set for builtin/runtime sections
}

// Plan is the ordered sequence of sections compiled for one request. Built
// fresh per request and never persisted.
type Plan struct {
	TwinID      string
	SpecVersion string
	IntentLabel string
	Sections    []Section
}

// ModuleIDs returns the ids of every module section in plan order. Attached
// to response metadata for audit.
func (p *Plan) ModuleIDs() []string {
	var ids []string
	for _, s := range p.Sections {
		if s.ModuleID != "" {
			ids = append(ids, s.ModuleID)
		}
	}
	return ids
}

// ClauseIDs returns the clause ids of every section in plan order.
func (p *Plan) ClauseIDs() []string {
	ids := make([]string, 0, len(p.Sections))
	for _, s := range p.Sections {
		ids = append(ids, s.ClauseID)
	}
	return ids
}

// Canonical returns a stable textual form of the plan. Two plans compiled
// from identical inputs must produce identical bytes here; the determinism
// tests and the fingerprint both rely on it.
func (p *Plan) Canonical() []byte {
	var sb strings.Builder
	sb.WriteString("twin=")
	sb.WriteString(p.TwinID)
	sb.WriteString("\nspec=")
	sb.WriteString(p.SpecVersion)
	sb.WriteString("\nintent=")
	sb.WriteString(p.IntentLabel)
	sb.WriteByte('\n')
	for _, s := range p.Sections {
		sb.WriteString(string(s.Origin))
		sb.WriteByte('|')
		sb.WriteString(s.ClauseID)
		sb.WriteByte('|')
		sb.WriteString(s.ModuleID)
		sb.WriteByte('|')
		sb.WriteString(s.Title)
		sb.WriteByte('|')
		sb.WriteString(s.Body)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// Fingerprint returns a hex digest of the canonical plan form.
func (p *Plan) Fingerprint() string {
	sum := sha256.Sum256(p.Canonical())
	return hex.EncodeToString(sum[:])
}
