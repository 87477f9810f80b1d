package consolidation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

// RunReport summarizes a consolidation run for operators.
type RunReport struct {
	GeneratedAt           time.Time          `json:"generated_at"`
	EntitiesBefore        map[string]int     `json:"entities_before"`
	EntitiesAfter         map[string]int     `json:"entities_after"`
	ReductionPercent      map[string]float64 `json:"reduction_percent"`
	TotalBefore           int                `json:"total_before"`
	TotalAfter            int                `json:"total_after"`
	TotalReductionPercent float64            `json:"total_reduction_percent"`
	Relationships         int                `json:"relationships"`
	Patterns              int                `json:"patterns"`
	HighPriorityPatterns  int                `json:"high_priority_patterns"`
	Stats                 apptype.AgentStats `json:"agent_stats"`
}

// RunReport compares before, the per-type entity counts a caller captured
// ahead of the run (existing rows plus extracted entities), with what the
// store holds now.
func (a *Agent) RunReport(ctx context.Context, before map[string]int) (RunReport, error) {
	store := a.dm.Store()
	after, err := store.CountAllEntities(ctx)
	if err != nil {
		return RunReport{}, err
	}
	rels, err := store.ListRelationships(ctx)
	if err != nil {
		return RunReport{}, err
	}
	pats, err := store.ListPatterns(ctx)
	if err != nil {
		return RunReport{}, err
	}
	r := RunReport{
		GeneratedAt:      a.now(),
		EntitiesBefore:   map[string]int{},
		EntitiesAfter:    map[string]int{},
		ReductionPercent: map[string]float64{},
		Relationships:    len(rels),
		Patterns:         len(pats),
		Stats:            a.Stats(),
	}
	for t, n := range before {
		if n == 0 {
			continue
		}
		r.EntitiesBefore[t] = n
		r.EntitiesAfter[t] = after[t]
		r.ReductionPercent[t] = reduction(n, after[t])
		r.TotalBefore += n
		r.TotalAfter += after[t]
	}
	r.TotalReductionPercent = reduction(r.TotalBefore, r.TotalAfter)
	for _, p := range pats {
		if p.HighPriority {
			r.HighPriorityPatterns++
		}
	}
	return r, nil
}

func reduction(before, after int) float64 {
	if before <= 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}

// WriteReport writes r as indented JSON.
func WriteReport(path string, r RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
