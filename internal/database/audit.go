package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// AuditRecord is one row of the consolidation audit trail. A rollback
// record carries RollbackTimestamp and RollbackReason.
type AuditRecord struct {
	ID                int64      `json:"id"`
	EntityType        string     `json:"entity_type"`
	MergedIDs         []string   `json:"merged_ids"`
	ResultingID       string     `json:"resulting_id"`
	SimilarityScore   float64    `json:"similarity_score"`
	InterviewID       string     `json:"interview_id"`
	CreatedAt         time.Time  `json:"created_at"`
	RollbackTimestamp *time.Time `json:"rollback_timestamp,omitempty"`
	RollbackReason    string     `json:"rollback_reason,omitempty"`
}

// RecordAudit appends an audit row.
func (s *Store) RecordAudit(ctx context.Context, rec AuditRecord) error {
	done := metrics.TimeOp("db_record_audit")
	success := false
	defer func() { done(success) }()
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.dm.now()
	}
	merged, _ := json.Marshal(nonNil(rec.MergedIDs))
	var reason any
	if rec.RollbackReason != "" {
		reason = rec.RollbackReason
	}
	if _, err := s.exec(ctx, `INSERT INTO consolidation_audit (entity_type, merged_ids, resulting_id,
        similarity_score, interview_id, created_at, rollback_timestamp, rollback_reason)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EntityType, string(merged), rec.ResultingID, rec.SimilarityScore, rec.InterviewID,
		formatTime(created), timeArg(rec.RollbackTimestamp), reason); err != nil {
		return fmt.Errorf("failed to record audit: %w", err)
	}
	success = true
	return nil
}

// RecordRollback writes a best-effort audit row describing a failed batch.
func (s *Store) RecordRollback(ctx context.Context, interviewID, reason string) error {
	now := s.dm.now()
	return s.RecordAudit(ctx, AuditRecord{
		EntityType:        "batch",
		InterviewID:       interviewID,
		CreatedAt:         now,
		RollbackTimestamp: &now,
		RollbackReason:    reason,
	})
}

// ListAudit returns the most recent audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT id, entity_type, merged_ids, resulting_id, similarity_score, interview_id,
        created_at, rollback_timestamp, rollback_reason FROM consolidation_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit: %w", err)
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var (
			rec                  AuditRecord
			merged, created      string
			rollbackAt, rbReason sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.EntityType, &merged, &rec.ResultingID, &rec.SimilarityScore,
			&rec.InterviewID, &created, &rollbackAt, &rbReason); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		rec.MergedIDs = decodeStringList(merged, rec.ResultingID, "merged_ids")
		rec.CreatedAt = parseTime(created)
		rec.RollbackTimestamp = nullTime(rollbackAt)
		rec.RollbackReason = rbReason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
