package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"twincore/internal/logging"
	"twincore/internal/persona"
)

// CreateSpec stores a new draft spec version. The version row is immutable
// from here on: the only later transition is publication.
func (s *LocalStore) CreateSpec(ctx context.Context, spec *persona.Spec) error {
	timer := logging.StartTimer(logging.CategoryStore, "CreateSpec")
	defer timer.Stop()

	if err := spec.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid spec: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *spec
	stored.Status = persona.StatusDraft
	stored.CreatedAt = time.Now().UTC()
	doc, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to serialize spec: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO persona_specs (twin_id, version, document) VALUES (?, ?, ?)`,
		stored.TwinID, stored.Version, string(doc))
	if err != nil {
		return fmt.Errorf("failed to store spec %s@%s: %w", stored.TwinID, stored.Version, err)
	}

	// Ensure the twin row exists for settings/variant lookups.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO twins (twin_id) VALUES (?) ON CONFLICT(twin_id) DO NOTHING`, stored.TwinID)
	if err != nil {
		return fmt.Errorf("failed to upsert twin %s: %w", stored.TwinID, err)
	}

	logging.StoreDebug("stored draft spec %s@%s", stored.TwinID, stored.Version)
	return nil
}

// GetSpec loads one spec version.
func (s *LocalStore) GetSpec(ctx context.Context, twinID, version string) (*persona.Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT document FROM persona_specs WHERE twin_id = ? AND version = ?`, twinID, version)
	return scanSpec(row)
}

// ListSpecs returns every stored version for a twin, newest first.
func (s *LocalStore) ListSpecs(ctx context.Context, twinID string) ([]*persona.Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM persona_specs WHERE twin_id = ? ORDER BY id DESC`, twinID)
	if err != nil {
		return nil, fmt.Errorf("failed to list specs for %s: %w", twinID, err)
	}
	defer rows.Close()

	var specs []*persona.Spec
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan spec row: %w", err)
		}
		spec := &persona.Spec{}
		if err := json.Unmarshal([]byte(doc), spec); err != nil {
			return nil, fmt.Errorf("corrupt spec document: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// PublishSpec activates a spec version for its twin. Activation is a single
// transaction that stamps publication and swaps the active pointer, so
// concurrent readers observe either the old or the new version in full.
func (s *LocalStore) PublishSpec(ctx context.Context, twinID, version string) error {
	timer := logging.StartTimer(logging.CategoryStore, "PublishSpec")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin publish tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var doc string
	var publishedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT id, document, published_at FROM persona_specs WHERE twin_id = ? AND version = ?`,
		twinID, version).Scan(&id, &doc, &publishedAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load spec %s@%s: %w", twinID, version, err)
	}
	if publishedAt.Valid {
		return ErrSpecPublished
	}

	spec := &persona.Spec{}
	if err := json.Unmarshal([]byte(doc), spec); err != nil {
		return fmt.Errorf("corrupt spec document: %w", err)
	}
	now := time.Now().UTC()
	spec.Status = persona.StatusActive
	spec.PublishedAt = now
	updated, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to serialize spec: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE persona_specs SET document = ?, published_at = ? WHERE id = ?`,
		string(updated), now, id); err != nil {
		return fmt.Errorf("failed to stamp publication: %w", err)
	}

	// The atomic pointer swap. This is the only place active_specs changes.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO active_specs (twin_id, spec_id) VALUES (?, ?)
		 ON CONFLICT(twin_id) DO UPDATE SET spec_id = excluded.spec_id`,
		twinID, id); err != nil {
		return fmt.Errorf("failed to swap active pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit publish: %w", err)
	}

	logging.Get(logging.CategoryStore).Info("published spec %s@%s", twinID, version)
	return nil
}

// ActiveSpec returns the currently active spec for a twin, or ErrNotFound
// when no version has been published.
func (s *LocalStore) ActiveSpec(ctx context.Context, twinID string) (*persona.Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT ps.document FROM active_specs a
		JOIN persona_specs ps ON ps.id = a.spec_id
		WHERE a.twin_id = ?`, twinID)
	return scanSpec(row)
}

func scanSpec(row *sql.Row) (*persona.Spec, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan spec: %w", err)
	}
	spec := &persona.Spec{}
	if err := json.Unmarshal([]byte(doc), spec); err != nil {
		return nil, fmt.Errorf("corrupt spec document: %w", err)
	}
	return spec, nil
}

// SetTwinSettings stores the unstructured legacy settings text used by the
// compilation fallback.
func (s *LocalStore) SetTwinSettings(ctx context.Context, twinID, settings string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO twins (twin_id, settings_text) VALUES (?, ?)
		ON CONFLICT(twin_id) DO UPDATE SET settings_text = excluded.settings_text`,
		twinID, settings)
	if err != nil {
		return fmt.Errorf("failed to set settings for %s: %w", twinID, err)
	}
	return nil
}

// TwinSettings returns the legacy settings text, empty when unset.
func (s *LocalStore) TwinSettings(ctx context.Context, twinID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var settings string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings_text FROM twins WHERE twin_id = ?`, twinID).Scan(&settings)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load settings for %s: %w", twinID, err)
	}
	return settings, nil
}

// SetPromptVariant stores the externally-optimized render variant for a twin.
func (s *LocalStore) SetPromptVariant(ctx context.Context, twinID, variant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO twins (twin_id, prompt_variant) VALUES (?, ?)
		ON CONFLICT(twin_id) DO UPDATE SET prompt_variant = excluded.prompt_variant`,
		twinID, variant)
	if err != nil {
		return fmt.Errorf("failed to set variant for %s: %w", twinID, err)
	}
	return nil
}

// PromptVariant returns the stored variant id, empty when unset.
func (s *LocalStore) PromptVariant(ctx context.Context, twinID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var variant string
	err := s.db.QueryRowContext(ctx,
		`SELECT prompt_variant FROM twins WHERE twin_id = ?`, twinID).Scan(&variant)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load variant for %s: %w", twinID, err)
	}
	return variant, nil
}
