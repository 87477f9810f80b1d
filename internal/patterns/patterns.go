// Package patterns detects themes that recur across interviews in the
// persisted, consolidated store.
package patterns

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

// Config holds the detection thresholds.
type Config struct {
	RecurringPainThreshold     int
	ProblematicSystemThreshold int
	HighPriorityFrequency      float64
}

// DefaultConfig returns thresholds 3 and 5 and a 0.30 priority cut-off.
func DefaultConfig() Config {
	return Config{
		RecurringPainThreshold:     3,
		ProblematicSystemThreshold: 5,
		HighPriorityFrequency:      0.30,
	}
}

// Reader is the slice of the store the recognizer reads.
type Reader interface {
	LoadEntities(ctx context.Context, entityType string) ([]apptype.Entity, error)
	CountInterviews(ctx context.Context) (int, error)
}

// Writer persists detected patterns and announces them.
type Writer interface {
	UpsertPattern(ctx context.Context, p apptype.Pattern) (apptype.Pattern, error)
	AppendEvent(ctx context.Context, eventType, entityType, entityID string, payload any) (apptype.ConsolidationEvent, error)
}

// Normalizer maps names onto their comparable form.
type Normalizer interface {
	NormalizeName(name, entityType string) string
}

// Recognizer evaluates the pattern rules.
type Recognizer struct {
	cfg  Config
	norm Normalizer
	now  func() time.Time
}

// New builds a Recognizer.
func New(cfg Config, norm Normalizer) *Recognizer {
	def := DefaultConfig()
	if cfg.RecurringPainThreshold <= 0 {
		cfg.RecurringPainThreshold = def.RecurringPainThreshold
	}
	if cfg.ProblematicSystemThreshold <= 0 {
		cfg.ProblematicSystemThreshold = def.ProblematicSystemThreshold
	}
	if cfg.HighPriorityFrequency <= 0 {
		cfg.HighPriorityFrequency = def.HighPriorityFrequency
	}
	return &Recognizer{cfg: cfg, norm: norm, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (r *Recognizer) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// IdentifyPatterns evaluates every rule against the persisted entities.
func (r *Recognizer) IdentifyPatterns(ctx context.Context, store Reader) ([]apptype.Pattern, error) {
	total, err := store.CountInterviews(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count interviews: %w", err)
	}
	painPoints, err := store.LoadEntities(ctx, apptype.TypePainPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to load pain points: %w", err)
	}
	systems, err := store.LoadEntities(ctx, apptype.TypeSystem)
	if err != nil {
		return nil, fmt.Errorf("failed to load systems: %w", err)
	}
	return r.Evaluate(painPoints, systems, total), nil
}

// Evaluate applies the rules to already loaded entities.
func (r *Recognizer) Evaluate(painPoints, systems []apptype.Entity, totalInterviews int) []apptype.Pattern {
	now := r.now()
	var out []apptype.Pattern

	for _, pp := range painPoints {
		count := len(pp.MentionedInInterviews)
		if !pp.IsConsolidated || count < r.cfg.RecurringPainThreshold {
			continue
		}
		out = append(out, r.pattern(apptype.PatternRecurringPain, pp, count, totalInterviews,
			"Recurring pain point: "+displayName(pp), now))
	}

	descriptions := make([]string, 0, len(painPoints))
	for _, pp := range painPoints {
		descriptions = append(descriptions, fold(pp.Description()))
	}
	for _, sys := range systems {
		name := r.normalize(sys.Name())
		if name == "" {
			continue
		}
		mentions := 0
		for _, d := range descriptions {
			if strings.Contains(d, name) {
				mentions++
			}
		}
		if mentions < r.cfg.ProblematicSystemThreshold {
			continue
		}
		out = append(out, r.pattern(apptype.PatternProblematicSystem, sys, mentions, totalInterviews,
			"Problematic system: "+displayName(sys), now))
	}
	return out
}

func (r *Recognizer) pattern(patternType string, e apptype.Entity, count, total int, desc string, now time.Time) apptype.Pattern {
	freq := 0.0
	if total > 0 {
		freq = float64(count) / float64(total)
	}
	return apptype.Pattern{
		PatternType:      patternType,
		EntityType:       e.EntityType,
		EntityID:         e.ID,
		PatternFrequency: freq,
		SourceCount:      count,
		HighPriority:     freq >= r.cfg.HighPriorityFrequency,
		Description:      desc,
		DetectedAt:       now,
	}
}

func (r *Recognizer) normalize(name string) string {
	if r.norm == nil {
		return fold(name)
	}
	return r.norm.NormalizeName(name, apptype.TypeSystem)
}

// fold lowercases s and turns punctuation runs into single spaces so that
// descriptions tokenize like system names.
func fold(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

// Persist upserts patterns and appends one pattern_update event each. It
// returns the stored rows.
func (r *Recognizer) Persist(ctx context.Context, store Writer, patterns []apptype.Pattern) ([]apptype.Pattern, error) {
	out := make([]apptype.Pattern, 0, len(patterns))
	for _, p := range patterns {
		stored, err := store.UpsertPattern(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert pattern %s/%s: %w", p.PatternType, p.EntityID, err)
		}
		if _, err := store.AppendEvent(ctx, apptype.EventPatternUpdate, stored.EntityType, stored.EntityID, stored); err != nil {
			return nil, fmt.Errorf("failed to append pattern event: %w", err)
		}
		out = append(out, stored)
	}
	return out, nil
}

func displayName(e apptype.Entity) string {
	if n := strings.TrimSpace(e.Name()); n != "" {
		return n
	}
	return e.ID
}
