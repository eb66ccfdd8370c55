package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"twincore/internal/logging"
	"twincore/internal/retrieval"
)

// AddGroundingRecord stores a grounding candidate for a twin. Missing ids
// and timestamps are filled in. Embeddings are serialized as JSON arrays,
// parsed back on read.
func (s *LocalStore) AddGroundingRecord(ctx context.Context, twinID string, r retrieval.Record) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AddGroundingRecord")
	defer timer.Stop()

	if r.Tier < retrieval.TierOwnerCorrection || r.Tier > retrieval.TierVectorSnippet {
		return "", fmt.Errorf("invalid grounding tier %d", r.Tier)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var embedding string
	if len(r.Embedding) > 0 {
		data, err := json.Marshal(r.Embedding)
		if err != nil {
			return "", fmt.Errorf("failed to serialize embedding: %w", err)
		}
		embedding = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grounding_records (id, twin_id, tier, query_text, content, confidence, approved, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, twinID, r.Tier, r.Query, r.Content, r.Confidence, boolToInt(r.Approved), embedding, r.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to store grounding record: %w", err)
	}
	return r.ID, nil
}

// GroundingRecords loads every grounding candidate for a twin. The
// precedence selection itself is pure and lives in internal/retrieval.
func (s *LocalStore) GroundingRecords(ctx context.Context, twinID string) ([]retrieval.Record, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GroundingRecords")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tier, query_text, content, confidence, approved, embedding, created_at
		FROM grounding_records WHERE twin_id = ? ORDER BY tier, created_at DESC`, twinID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grounding records for %s: %w", twinID, err)
	}
	defer rows.Close()

	var records []retrieval.Record
	for rows.Next() {
		var r retrieval.Record
		var approved int
		var embedding string
		if err := rows.Scan(&r.ID, &r.Tier, &r.Query, &r.Content, &r.Confidence,
			&approved, &embedding, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grounding row: %w", err)
		}
		r.Approved = approved != 0
		if embedding != "" {
			if err := json.Unmarshal([]byte(embedding), &r.Embedding); err != nil {
				return nil, fmt.Errorf("corrupt embedding on record %s: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
