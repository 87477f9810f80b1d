package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// EventQueueStats summarizes the consolidation event log.
type EventQueueStats struct {
	Pending         int            `json:"pending"`
	Processed       int            `json:"processed"`
	FailedPending   int            `json:"failed_pending"`
	PendingByType   map[string]int `json:"pending_by_type"`
	OldestPendingAt *time.Time     `json:"oldest_pending_at,omitempty"`
}

const eventColumns = `seq, id, event_type, entity_type, entity_id, payload, processed, created_at,
        processed_at, error_message`

// AppendEvent adds an event to the log. payload is stored as JSON and must
// be the full current snapshot of the record the event describes.
func (s *Store) AppendEvent(ctx context.Context, eventType, entityType, entityID string, payload any) (apptype.ConsolidationEvent, error) {
	done := metrics.TimeOp("db_append_event")
	success := false
	defer func() { done(success) }()
	body, err := json.Marshal(payload)
	if err != nil {
		return apptype.ConsolidationEvent{}, fmt.Errorf("failed to encode event payload: %w", err)
	}
	ev := apptype.ConsolidationEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    body,
		CreatedAt:  s.dm.now().UTC(),
	}
	const insert = `INSERT INTO consolidation_events (id, event_type, entity_type, entity_id, payload, processed, created_at)
        VALUES (?, ?, ?, ?, ?, 0, ?)`
	args := []any{ev.ID, ev.EventType, ev.EntityType, ev.EntityID, string(body), formatTime(ev.CreatedAt)}
	if s.dm.supportsReturning() {
		if err := s.q.QueryRowContext(ctx, insert+" RETURNING seq", args...).Scan(&ev.Seq); err != nil {
			return ev, fmt.Errorf("failed to append event: %w", err)
		}
	} else {
		res, err := s.q.ExecContext(ctx, insert, args...)
		if err != nil {
			return ev, fmt.Errorf("failed to append event: %w", err)
		}
		ev.Seq, _ = res.LastInsertId()
	}
	success = true
	return ev, nil
}

// PendingEvents returns up to limit unprocessed events with seq > afterSeq
// in insertion order.
func (s *Store) PendingEvents(ctx context.Context, afterSeq int64, limit int) ([]apptype.ConsolidationEvent, error) {
	done := metrics.TimeOp("db_pending_events")
	success := false
	defer func() { done(success) }()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, "SELECT "+eventColumns+` FROM consolidation_events
        WHERE processed = 0 AND seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()
	out, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	success = true
	return out, nil
}

// RecentProcessedEvents returns the n most recently processed events,
// newest first.
func (s *Store) RecentProcessedEvents(ctx context.Context, n int) ([]apptype.ConsolidationEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, "SELECT "+eventColumns+` FROM consolidation_events
        WHERE processed = 1 ORDER BY processed_at DESC, seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns events for one entity id in insertion order.
func (s *Store) ListEvents(ctx context.Context, entityID string) ([]apptype.ConsolidationEvent, error) {
	rows, err := s.query(ctx, "SELECT "+eventColumns+" FROM consolidation_events WHERE entity_id = ? ORDER BY seq", entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]apptype.ConsolidationEvent, error) {
	var out []apptype.ConsolidationEvent
	for rows.Next() {
		var (
			ev                  apptype.ConsolidationEvent
			payload, createdAt  string
			processed           int
			processedAt, errMsg sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EventType, &ev.EntityType, &ev.EntityID, &payload,
			&processed, &createdAt, &processedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.Processed = processed != 0
		ev.CreatedAt = parseTime(createdAt)
		ev.ProcessedAt = nullTime(processedAt)
		ev.ErrorMessage = errMsg.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkEventProcessed flags an event as replicated and clears its error.
func (s *Store) MarkEventProcessed(ctx context.Context, seq int64) error {
	if _, err := s.exec(ctx, `UPDATE consolidation_events SET processed = 1, processed_at = ?, error_message = NULL
        WHERE seq = ?`, s.dm.timestamp(), seq); err != nil {
		return fmt.Errorf("failed to mark event %d processed: %w", seq, err)
	}
	return nil
}

// MarkEventFailed records a replication error and leaves the event pending.
func (s *Store) MarkEventFailed(ctx context.Context, seq int64, message string) error {
	if len(message) > 2000 {
		message = message[:2000]
	}
	if _, err := s.exec(ctx, "UPDATE consolidation_events SET processed = 0, error_message = ? WHERE seq = ?", message, seq); err != nil {
		return fmt.Errorf("failed to record error for event %d: %w", seq, err)
	}
	return nil
}

// ResetAllEvents marks every event unprocessed and returns how many changed.
func (s *Store) ResetAllEvents(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `UPDATE consolidation_events SET processed = 0, processed_at = NULL, error_message = NULL
        WHERE processed = 1 OR error_message IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetEvents marks the given events unprocessed.
func (s *Store) ResetEvents(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, v := range seqs {
		args[i] = v
	}
	query := fmt.Sprintf("UPDATE consolidation_events SET processed = 0, processed_at = NULL WHERE seq IN (%s)", placeholders)
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to reset events: %w", err)
	}
	return nil
}

// EventStats reports queue depth without mutating anything.
func (s *Store) EventStats(ctx context.Context) (EventQueueStats, error) {
	stats := EventQueueStats{PendingByType: map[string]int{}}
	rows, err := s.query(ctx, `SELECT event_type, processed, COUNT(*), SUM(CASE WHEN error_message IS NOT NULL THEN 1 ELSE 0 END),
        MIN(created_at) FROM consolidation_events GROUP BY event_type, processed`)
	if err != nil {
		return stats, fmt.Errorf("failed to query event stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			eventType    string
			processed, n int
			failed       sql.NullInt64
			oldest       sql.NullString
		)
		if err := rows.Scan(&eventType, &processed, &n, &failed, &oldest); err != nil {
			return stats, fmt.Errorf("failed to scan event stats: %w", err)
		}
		if processed != 0 {
			stats.Processed += n
			continue
		}
		stats.Pending += n
		stats.PendingByType[eventType] += n
		stats.FailedPending += int(failed.Int64)
		if t := nullTime(oldest); t != nil && (stats.OldestPendingAt == nil || t.Before(*stats.OldestPendingAt)) {
			stats.OldestPendingAt = t
		}
	}
	return stats, rows.Err()
}
