package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

// SaveBacklogReport persists a backlog snapshot.
func (s *Store) SaveBacklogReport(ctx context.Context, m apptype.BacklogMetrics) error {
	counts := m.PerEntityCounts
	if counts == nil {
		counts = map[string]int{}
	}
	countsJSON, _ := json.Marshal(counts)
	collected := m.CollectedAt
	if collected.IsZero() {
		collected = s.dm.now()
	}
	if _, err := s.exec(ctx, `INSERT INTO backlog_reports (collected_at, total_unconsolidated, oldest_entity_timestamp,
        estimated_minutes, per_entity_counts, alert_triggered) VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(collected), m.TotalUnconsolidated, timeArg(m.OldestEntityTimestamp), m.EstimatedMinutes,
		string(countsJSON), boolInt(m.AlertTriggered)); err != nil {
		return fmt.Errorf("failed to save backlog report: %w", err)
	}
	return nil
}

// LatestBacklogReports returns up to limit snapshots, newest first.
func (s *Store) LatestBacklogReports(ctx context.Context, limit int) ([]apptype.BacklogMetrics, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.query(ctx, `SELECT collected_at, total_unconsolidated, oldest_entity_timestamp, estimated_minutes,
        per_entity_counts, alert_triggered FROM backlog_reports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query backlog reports: %w", err)
	}
	defer rows.Close()
	var out []apptype.BacklogMetrics
	for rows.Next() {
		var (
			m                 apptype.BacklogMetrics
			collected, counts string
			oldest            sql.NullString
			alert             int
		)
		if err := rows.Scan(&collected, &m.TotalUnconsolidated, &oldest, &m.EstimatedMinutes, &counts, &alert); err != nil {
			return nil, fmt.Errorf("failed to scan backlog report: %w", err)
		}
		m.CollectedAt = parseTime(collected)
		m.OldestEntityTimestamp = nullTime(oldest)
		m.AlertTriggered = alert != 0
		m.PerEntityCounts = map[string]int{}
		_ = json.Unmarshal([]byte(counts), &m.PerEntityCounts)
		out = append(out, m)
	}
	return out, rows.Err()
}
