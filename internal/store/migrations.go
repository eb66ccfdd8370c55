package store

import "fmt"

// migrate applies the schema. Statements are idempotent; there is no
// down-migration path, matching the append-only posture of the audit tables.
func (s *LocalStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS twins (
			twin_id        TEXT PRIMARY KEY,
			settings_text  TEXT NOT NULL DEFAULT '',
			prompt_variant TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Spec versions are immutable rows; status lives in the document
		// plus the published_at stamp. The active pointer is a separate
		// single-row-per-twin table so activation is one atomic swap.
		`CREATE TABLE IF NOT EXISTS persona_specs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			twin_id      TEXT NOT NULL,
			version      TEXT NOT NULL,
			document     TEXT NOT NULL,
			published_at TIMESTAMP,
			created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(twin_id, version)
		)`,

		`CREATE TABLE IF NOT EXISTS active_specs (
			twin_id TEXT PRIMARY KEY,
			spec_id INTEGER NOT NULL REFERENCES persona_specs(id)
		)`,

		`CREATE TABLE IF NOT EXISTS modules (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			twin_id         TEXT NOT NULL,
			module_id       TEXT NOT NULL,
			intent_label    TEXT NOT NULL,
			priority        INTEGER NOT NULL DEFAULT 0,
			data            TEXT NOT NULL,
			clause_id       TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'draft',
			source_event_id TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(twin_id, module_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_modules_retrieval
			ON modules(twin_id, status, intent_label)`,

		// Grounding records for retrieval precedence. Tier 1: approved owner
		// corrections; tier 2: verified Q&A; tier 3: vector snippets with a
		// JSON-encoded embedding.
		`CREATE TABLE IF NOT EXISTS grounding_records (
			id         TEXT PRIMARY KEY,
			twin_id    TEXT NOT NULL,
			tier       INTEGER NOT NULL,
			query_text TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			approved   INTEGER NOT NULL DEFAULT 0,
			embedding  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grounding_twin_tier
			ON grounding_records(twin_id, tier)`,

		// Append-only audit tables. No UPDATE or DELETE is ever issued.
		`CREATE TABLE IF NOT EXISTS gate_decisions (
			id             TEXT PRIMARY KEY,
			trace_id       TEXT NOT NULL,
			twin_id        TEXT NOT NULL,
			passed         INTEGER NOT NULL,
			failing_checks TEXT NOT NULL DEFAULT '[]',
			created_at     TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS judge_results (
			id                  TEXT PRIMARY KEY,
			trace_id            TEXT NOT NULL,
			twin_id             TEXT NOT NULL,
			phase               TEXT NOT NULL,
			judge_name          TEXT NOT NULL,
			score               REAL NOT NULL,
			violated_clause_ids TEXT NOT NULL DEFAULT '[]',
			rewrite_directives  TEXT NOT NULL DEFAULT '[]',
			evaluated_by        TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_judge_results_trace
			ON judge_results(trace_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
