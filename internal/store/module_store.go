package store

import (
	"context"
	"fmt"

	"twincore/internal/logging"
	"twincore/internal/persona"
)

// CreateModule stores a runtime procedural module, typically derived from an
// owner teaching event. New modules always land as drafts; the learning loop
// promotes them.
func (s *LocalStore) CreateModule(ctx context.Context, twinID string, m persona.Module) error {
	timer := logging.StartTimer(logging.CategoryStore, "CreateModule")
	defer timer.Stop()

	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid module: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modules (twin_id, module_id, intent_label, priority, data, clause_id, status, source_event_id)
		VALUES (?, ?, ?, ?, ?, ?, 'draft', ?)`,
		twinID, m.ModuleID, m.IntentLabel, m.Priority, m.Data, m.ClauseID, m.SourceEventID)
	if err != nil {
		return fmt.Errorf("failed to store module %s/%s: %w", twinID, m.ModuleID, err)
	}

	logging.StoreDebug("stored draft module %s/%s intent=%s", twinID, m.ModuleID, m.IntentLabel)
	return nil
}

// PromoteModule flips a draft module to active. Activation is a single
// UPDATE, so readers see the module either fully absent from or fully
// present in the active set.
func (s *LocalStore) PromoteModule(ctx context.Context, twinID, moduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE modules SET status = 'active' WHERE twin_id = ? AND module_id = ?`,
		twinID, moduleID)
	if err != nil {
		return fmt.Errorf("failed to promote module %s/%s: %w", twinID, moduleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check promotion of %s/%s: %w", twinID, moduleID, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	logging.Get(logging.CategoryStore).Info("promoted module %s/%s", twinID, moduleID)
	return nil
}

// ActiveModules returns the active modules applicable to an intent label:
// exact matches plus generic modules. Implements compiler.ModuleSource.
// Result order is unspecified; the compiler sorts.
func (s *LocalStore) ActiveModules(ctx context.Context, twinID, intentLabel string) ([]persona.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT module_id, intent_label, priority, data, clause_id, status, source_event_id
		FROM modules
		WHERE twin_id = ? AND status = 'active' AND intent_label IN (?, ?)`,
		twinID, intentLabel, persona.IntentGeneral)
	if err != nil {
		return nil, fmt.Errorf("failed to query active modules for %s/%s: %w", twinID, intentLabel, err)
	}
	defer rows.Close()

	return scanModules(rows)
}

// ListModules returns every module for a twin regardless of status.
func (s *LocalStore) ListModules(ctx context.Context, twinID string) ([]persona.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT module_id, intent_label, priority, data, clause_id, status, source_event_id
		FROM modules WHERE twin_id = ? ORDER BY module_id`, twinID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules for %s: %w", twinID, err)
	}
	defer rows.Close()

	return scanModules(rows)
}

type moduleRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanModules(rows moduleRows) ([]persona.Module, error) {
	var modules []persona.Module
	for rows.Next() {
		var m persona.Module
		var status string
		if err := rows.Scan(&m.ModuleID, &m.IntentLabel, &m.Priority, &m.Data,
			&m.ClauseID, &status, &m.SourceEventID); err != nil {
			return nil, fmt.Errorf("failed to scan module row: %w", err)
		}
		m.Status = persona.Status(status)
		modules = append(modules, m)
	}
	return modules, rows.Err()
}
