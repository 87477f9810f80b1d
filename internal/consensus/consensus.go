// Package consensus scores how strongly independent interviews agree on an
// entity.
package consensus

import (
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/similarity"
)

// Config holds the scoring constants.
type Config struct {
	Divisor              float64
	PerAttributeBonus    float64
	MaxBonus             float64
	ContradictionPenalty float64
	SingleSourcePenalty  float64
	ReviewThreshold      float64
}

// DefaultConfig returns the stock constants.
func DefaultConfig() Config {
	return Config{
		Divisor:              20,
		PerAttributeBonus:    0.05,
		MaxBonus:             0.20,
		ContradictionPenalty: 0.10,
		SingleSourcePenalty:  0.30,
		ReviewThreshold:      0.6,
	}
}

// Scorer computes consensus confidence. The zero divisor is never used;
// ForCorpus derives one from the interview count.
type Scorer struct {
	cfg     Config
	vocab   *similarity.Vocabulary
	divisor float64
}

// New builds a Scorer using the configured divisor.
func New(cfg Config, vocab *similarity.Vocabulary) *Scorer {
	if cfg.Divisor <= 0 {
		cfg.Divisor = DefaultConfig().Divisor
	}
	if vocab == nil {
		vocab = similarity.DefaultVocabulary()
	}
	return &Scorer{cfg: cfg, vocab: vocab, divisor: cfg.Divisor}
}

// ForCorpus returns a Scorer whose divisor adapts to totalInterviews:
// max(1, min(configured, total/4)). An unknown corpus size keeps the
// configured divisor.
func (s *Scorer) ForCorpus(totalInterviews int) *Scorer {
	out := *s
	out.divisor = s.cfg.Divisor
	if totalInterviews > 0 {
		d := float64(totalInterviews) / 4
		if d > s.cfg.Divisor {
			d = s.cfg.Divisor
		}
		if d < 1 {
			d = 1
		}
		out.divisor = d
	}
	return &out
}

// Divisor returns the divisor in effect.
func (s *Scorer) Divisor() float64 { return s.divisor }

// Base is min(sourceCount/divisor, 1).
func (s *Scorer) Base(sourceCount int) float64 {
	b := float64(sourceCount) / s.divisor
	if b > 1 {
		return 1
	}
	return b
}

// Confidence returns the entity's consensus confidence in [0,1].
func (s *Scorer) Confidence(e apptype.Entity) float64 {
	sourceCount := len(e.MentionedInInterviews)
	if sourceCount == 0 {
		sourceCount = e.SourceCount
	}
	score := s.Base(sourceCount)

	bonus := float64(s.agreeingAttributes(e)) * s.cfg.PerAttributeBonus
	if bonus > s.cfg.MaxBonus {
		bonus = s.cfg.MaxBonus
	}
	score += bonus
	score -= float64(len(e.ContradictionDetails)) * s.cfg.ContradictionPenalty
	if sourceCount == 1 {
		score -= s.cfg.SingleSourcePenalty
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// NeedsReview is true for low-confidence or contradicted entities.
func (s *Scorer) NeedsReview(e apptype.Entity) bool {
	return e.HasContradictions || s.Confidence(e) < s.cfg.ReviewThreshold
}

// agreeingAttributes counts non-empty business attributes that are not
// under contradiction.
func (s *Scorer) agreeingAttributes(e apptype.Entity) int {
	contested := make(map[string]struct{}, len(e.ContradictionDetails))
	for _, c := range e.ContradictionDetails {
		contested[c.Attribute] = struct{}{}
	}
	n := 0
	for k, v := range e.Attributes {
		if s.vocab.IsMetadata(k) || apptype.IsEmpty(v) {
			continue
		}
		if _, ok := contested[k]; ok {
			continue
		}
		n++
	}
	return n
}
