package consensus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

func withSources(n int, attrs map[string]any) apptype.Entity {
	e := apptype.Entity{EntityType: apptype.TypeSystem, Attributes: attrs}
	for i := 0; i < n; i++ {
		e.AddInterview(fmt.Sprintf("int-%d", i))
	}
	return e
}

func TestAdaptiveDivisor(t *testing.T) {
	s := New(DefaultConfig(), nil)
	assert.Equal(t, 20.0, s.Divisor())
	assert.Equal(t, 11.0, s.ForCorpus(44).Divisor())
	assert.Equal(t, 20.0, s.ForCorpus(400).Divisor())
	assert.Equal(t, 1.0, s.ForCorpus(2).Divisor())
	assert.Equal(t, 20.0, s.ForCorpus(0).Divisor())
}

func TestBaseScoreTenOfFortyFour(t *testing.T) {
	s := New(DefaultConfig(), nil).ForCorpus(44)
	assert.InDelta(t, 0.909, s.Base(10), 0.001)
}

func TestConfidenceComponents(t *testing.T) {
	s := New(DefaultConfig(), nil).ForCorpus(80)

	single := withSources(1, map[string]any{"name": "Excel"})
	assert.Equal(t, 0.0, s.Confidence(single), "1/20 - 0.3 clamps to zero")

	attrs := map[string]any{"name": "Excel", "owner": "IT", "vendor": "Microsoft", "frequency": "daily", "users": []any{"ops"}, "criticality": "high"}
	e := withSources(10, attrs)
	// 0.5 base + capped 0.2 bonus
	assert.InDelta(t, 0.7, s.Confidence(e), 1e-9)

	e.ContradictionDetails = []apptype.ContradictionRecord{{Attribute: "frequency", Values: []string{"daily", "weekly"}}}
	e.HasContradictions = true
	// frequency no longer agrees, four remain: bonus still capped; one penalty
	assert.InDelta(t, 0.6, s.Confidence(e), 1e-9)
	assert.True(t, s.NeedsReview(e))
}

func TestConfidenceIsBounded(t *testing.T) {
	s := New(DefaultConfig(), nil).ForCorpus(4)
	e := withSources(30, map[string]any{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"})
	assert.Equal(t, 1.0, s.Confidence(e))
	assert.False(t, s.NeedsReview(e))

	bad := withSources(1, nil)
	for i := 0; i < 10; i++ {
		bad.ContradictionDetails = append(bad.ContradictionDetails, apptype.ContradictionRecord{Attribute: fmt.Sprint(i)})
	}
	assert.Equal(t, 0.0, s.Confidence(bad))
}

func TestSecondSourceRaisesConfidence(t *testing.T) {
	s := New(DefaultConfig(), nil)
	one := withSources(1, map[string]any{"name": "Excel"})
	two := withSources(2, map[string]any{"name": "Excel"})
	assert.Greater(t, s.ForCorpus(2).Confidence(two), s.ForCorpus(1).Confidence(one))
}
