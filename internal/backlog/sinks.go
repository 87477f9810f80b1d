package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/database"
)

// FileSink overwrites a JSON report file with the latest snapshot.
type FileSink struct {
	Path string
}

func (f FileSink) Name() string { return "file" }

func (f FileSink) Write(_ context.Context, m apptype.BacklogMetrics) error {
	return WriteJSON(f.Path, m)
}

// WriteJSON writes v as indented JSON through a temp file and rename so
// readers never see a partial report.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}

// TableSink appends snapshots to the backlog_reports table.
type TableSink struct {
	DM *database.DBManager
}

func (t TableSink) Name() string { return "table" }

func (t TableSink) Write(ctx context.Context, m apptype.BacklogMetrics) error {
	return t.DM.Store().SaveBacklogReport(ctx, m)
}

// PointWriter is the subset of api.WriteAPIBlocking the Influx sink uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one "backlog" point per table plus a "_total" point.
type InfluxSink struct {
	writer PointWriter
	client influxdb2.Client
}

// NewInfluxSink connects a blocking writer to org/bucket.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{writer: client.WriteAPIBlocking(org, bucket), client: client}
}

// NewInfluxSinkWithWriter wraps an existing writer.
func NewInfluxSinkWithWriter(w PointWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Write(ctx context.Context, m apptype.BacklogMetrics) error {
	ts := m.CollectedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	points := make([]*write.Point, 0, len(m.PerEntityCounts)+1)
	for table, n := range m.PerEntityCounts {
		points = append(points, influxdb2.NewPointWithMeasurement("backlog").
			AddTag("table", table).
			AddField("unconsolidated", n).
			SetTime(ts))
	}
	total := influxdb2.NewPointWithMeasurement("backlog").
		AddTag("table", "_total").
		AddField("unconsolidated", m.TotalUnconsolidated).
		AddField("estimated_minutes", m.EstimatedMinutes).
		AddField("alert", m.AlertTriggered).
		SetTime(ts)
	if m.OldestEntityTimestamp != nil {
		total.AddField("oldest_age_seconds", ts.Sub(*m.OldestEntityTimestamp).Seconds())
	}
	points = append(points, total)
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write backlog points: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
