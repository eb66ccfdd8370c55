package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"twincore/internal/gate"
	"twincore/internal/judge"
	"twincore/internal/logging"
)

// Audit rows are append-only: there are no UPDATE or DELETE paths in this
// file, and none should be added. The trace id ties gate decisions and judge
// results from one pipeline run together.

// AppendGateDecision records one deterministic gate evaluation.
func (s *LocalStore) AppendGateDecision(ctx context.Context, traceID, twinID string, d gate.Decision) error {
	timer := logging.StartTimer(logging.CategoryStore, "AppendGateDecision")
	defer timer.Stop()

	checks, err := json.Marshal(d.FailingChecks)
	if err != nil {
		return fmt.Errorf("failed to serialize failing checks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gate_decisions (id, trace_id, twin_id, passed, failing_checks, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), traceID, twinID, boolToInt(d.Passed), string(checks), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append gate decision: %w", err)
	}
	return nil
}

// AppendJudgeResult records one judge verdict. phase distinguishes the draft
// evaluation from the post-rewrite one.
func (s *LocalStore) AppendJudgeResult(ctx context.Context, traceID, twinID, phase string, r *judge.Result) error {
	timer := logging.StartTimer(logging.CategoryStore, "AppendJudgeResult")
	defer timer.Stop()

	clauses, err := json.Marshal(r.ViolatedClauseIDs)
	if err != nil {
		return fmt.Errorf("failed to serialize violated clauses: %w", err)
	}
	directives, err := json.Marshal(r.RewriteDirectives)
	if err != nil {
		return fmt.Errorf("failed to serialize directives: %w", err)
	}

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO judge_results (id, trace_id, twin_id, phase, judge_name, score, violated_clause_ids, rewrite_directives, evaluated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, traceID, twinID, phase, r.JudgeName, r.Score, string(clauses), string(directives), r.EvaluatedBy, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append judge result: %w", err)
	}
	return nil
}

// JudgeResultsForTrace loads every judge verdict recorded for a trace, in
// insertion order.
func (s *LocalStore) JudgeResultsForTrace(ctx context.Context, traceID string) ([]judge.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, phase, judge_name, score, violated_clause_ids, rewrite_directives, evaluated_by, created_at
		FROM judge_results WHERE trace_id = ? ORDER BY rowid`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query judge results for trace %s: %w", traceID, err)
	}
	defer rows.Close()

	var results []judge.Result
	for rows.Next() {
		var r judge.Result
		var phase, clauses, directives string
		if err := rows.Scan(&r.ID, &phase, &r.JudgeName, &r.Score,
			&clauses, &directives, &r.EvaluatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan judge result row: %w", err)
		}
		if err := json.Unmarshal([]byte(clauses), &r.ViolatedClauseIDs); err != nil {
			return nil, fmt.Errorf("corrupt violated clauses on result %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(directives), &r.RewriteDirectives); err != nil {
			return nil, fmt.Errorf("corrupt directives on result %s: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GateDecisionForTrace loads the recorded gate outcome for a trace.
func (s *LocalStore) GateDecisionForTrace(ctx context.Context, traceID string) (*gate.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var passed int
	var checks string
	err := s.db.QueryRowContext(ctx, `
		SELECT passed, failing_checks FROM gate_decisions
		WHERE trace_id = ? ORDER BY rowid LIMIT 1`, traceID).Scan(&passed, &checks)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load gate decision for trace %s: %w", traceID, err)
	}

	d := &gate.Decision{Passed: passed != 0}
	if err := json.Unmarshal([]byte(checks), &d.FailingChecks); err != nil {
		return nil, fmt.Errorf("corrupt failing checks on trace %s: %w", traceID, err)
	}
	return d, nil
}
