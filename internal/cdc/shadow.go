package cdc

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

// Shadow count keys.
const (
	KindEntities      = "entities"
	KindRelationships = "relationships"
	KindPatterns      = "patterns"
)

// Shadow is a downstream replica. Every Apply is an idempotent upsert on
// the record's natural key and commits on its own.
type Shadow interface {
	Name() string
	EnsureSchema(ctx context.Context) error
	ApplyEntity(ctx context.Context, e apptype.Entity) error
	ApplyRelationship(ctx context.Context, r apptype.Relationship) error
	ApplyPattern(ctx context.Context, p apptype.Pattern) error
	DeleteEntity(ctx context.Context, entityID, entityType string) error
	DeleteRelationship(ctx context.Context, relType, fromID, toID string) error
	DeletePattern(ctx context.Context, patternType, description string) error
	Truncate(ctx context.Context) error
	Counts(ctx context.Context) (map[string]int, error)
	Close() error
}

// MultiShadow fans every call out to several shadows in order.
type MultiShadow []Shadow

func (m MultiShadow) Name() string { return "multi" }

func (m MultiShadow) each(fn func(Shadow) error) error {
	for _, s := range m {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiShadow) EnsureSchema(ctx context.Context) error {
	return m.each(func(s Shadow) error { return s.EnsureSchema(ctx) })
}

func (m MultiShadow) ApplyEntity(ctx context.Context, e apptype.Entity) error {
	return m.each(func(s Shadow) error { return s.ApplyEntity(ctx, e) })
}

func (m MultiShadow) ApplyRelationship(ctx context.Context, r apptype.Relationship) error {
	return m.each(func(s Shadow) error { return s.ApplyRelationship(ctx, r) })
}

func (m MultiShadow) ApplyPattern(ctx context.Context, p apptype.Pattern) error {
	return m.each(func(s Shadow) error { return s.ApplyPattern(ctx, p) })
}

func (m MultiShadow) DeleteEntity(ctx context.Context, entityID, entityType string) error {
	return m.each(func(s Shadow) error { return s.DeleteEntity(ctx, entityID, entityType) })
}

func (m MultiShadow) DeleteRelationship(ctx context.Context, relType, fromID, toID string) error {
	return m.each(func(s Shadow) error { return s.DeleteRelationship(ctx, relType, fromID, toID) })
}

func (m MultiShadow) DeletePattern(ctx context.Context, patternType, description string) error {
	return m.each(func(s Shadow) error { return s.DeletePattern(ctx, patternType, description) })
}

func (m MultiShadow) Truncate(ctx context.Context) error {
	return m.each(func(s Shadow) error { return s.Truncate(ctx) })
}

// Counts prefixes each shadow's keys with its name.
func (m MultiShadow) Counts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	err := m.each(func(s Shadow) error {
		c, err := s.Counts(ctx)
		if err != nil {
			return err
		}
		for k, v := range c {
			out[s.Name()+"."+k] = v
		}
		return nil
	})
	return out, err
}

func (m MultiShadow) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Names lists the shadows for health reporting.
func Names(s Shadow) []string {
	if s == nil {
		return nil
	}
	if m, ok := s.(MultiShadow); ok {
		out := make([]string, 0, len(m))
		for _, x := range m {
			out = append(out, x.Name())
		}
		return out
	}
	return []string{s.Name()}
}
