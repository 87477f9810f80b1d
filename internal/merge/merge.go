// Package merge folds a newly observed entity into an existing one.
package merge

import (
	"sort"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/similarity"
)

// Config tunes contradiction detection.
type Config struct {
	ContradictionThreshold float64
	TypeThresholds         map[string]float64
}

// DefaultConfig flags values less than 0.7 similar.
func DefaultConfig() Config {
	return Config{ContradictionThreshold: 0.7}
}

// Result is a merged entity plus the contradictions this merge added.
type Result struct {
	Entity            apptype.Entity
	NewContradictions []apptype.ContradictionRecord
}

// Merger is stateless apart from its tables and clock.
type Merger struct {
	cfg   Config
	vocab *similarity.Vocabulary
	now   func() time.Time
}

// New builds a Merger. A nil vocab uses the built-in tables.
func New(cfg Config, vocab *similarity.Vocabulary) *Merger {
	if cfg.ContradictionThreshold <= 0 {
		cfg.ContradictionThreshold = DefaultConfig().ContradictionThreshold
	}
	if vocab == nil {
		vocab = similarity.DefaultVocabulary()
	}
	return &Merger{cfg: cfg, vocab: vocab, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source.
func (m *Merger) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *Merger) threshold(entityType string) float64 {
	if t, ok := m.cfg.TypeThresholds[entityType]; ok && t > 0 {
		return t
	}
	return m.cfg.ContradictionThreshold
}

// Merge folds newEntity into existing and returns the merged record.
// Neither input is modified.
func (m *Merger) Merge(newEntity, existing apptype.Entity, interviewID string, similarityScore float64) apptype.Entity {
	return m.MergeDetailed(newEntity, existing, interviewID, similarityScore).Entity
}

// MergeDetailed is Merge plus the contradictions it detected.
func (m *Merger) MergeDetailed(newEntity, existing apptype.Entity, interviewID string, similarityScore float64) Result {
	now := m.now()
	out := existing.Clone()
	if out.Attributes == nil {
		out.Attributes = map[string]any{}
	}
	priorSources := append([]string(nil), existing.MentionedInInterviews...)

	// source tracking
	out.AddInterview(interviewID)
	for _, id := range newEntity.MentionedInInterviews {
		out.AddInterview(id)
	}
	if out.FirstMentionedAt.IsZero() {
		out.FirstMentionedAt = now
	}
	out.LastMentionedAt = now

	if desc := MergeDescriptions(existing.Description(), newEntity.Description()); desc != "" {
		out.Attributes["description"] = desc
	}
	if apptype.IsEmpty(out.Attributes["name"]) && !apptype.IsEmpty(newEntity.Attributes["name"]) {
		out.Attributes["name"] = newEntity.Attributes["name"]
	}

	var added []apptype.ContradictionRecord
	threshold := m.threshold(existing.EntityType)
	for _, key := range unionKeys(existing.Attributes, newEntity.Attributes) {
		if m.vocab.IsMetadata(key) {
			continue
		}
		ev, nv := existing.Attributes[key], newEntity.Attributes[key]
		eEmpty, nEmpty := apptype.IsEmpty(ev), apptype.IsEmpty(nv)
		switch {
		case eEmpty && nEmpty:
			continue
		case nEmpty:
			continue
		case eEmpty:
			out.Attributes[key] = nv
			continue
		}
		if apptype.IsList(ev) || apptype.IsList(nv) {
			out.Attributes[key] = unionList(apptype.ValueList(ev), apptype.ValueList(nv))
			continue
		}
		a, b := apptype.ValueString(ev), apptype.ValueString(nv)
		score := m.ValueSimilarity(a, b)
		if score >= threshold {
			continue
		}
		rec := apptype.ContradictionRecord{
			Attribute:       key,
			Values:          []string{a, b},
			SimilarityScore: score,
			Sources:         sources(priorSources, interviewID),
		}
		if hasContradiction(out.ContradictionDetails, rec) {
			continue
		}
		out.ContradictionDetails = append(out.ContradictionDetails, rec)
		added = append(added, rec)
	}
	out.HasContradictions = len(out.ContradictionDetails) > 0

	out.IsConsolidated = true
	out.ConsolidatedAt = &now
	out.UpdatedAt = now
	if newEntity.ID != "" && newEntity.ID != out.ID && !contains(out.MergedEntityIDs, newEntity.ID) {
		out.MergedEntityIDs = append(out.MergedEntityIDs, newEntity.ID)
	}
	return Result{Entity: out, NewContradictions: added}
}

// ValueSimilarity scores two attribute values. Exact and synonym matches
// score 1.0, anything else falls back to edit distance.
func (m *Merger) ValueSimilarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	if m.vocab.Synonymous(na, nb) {
		return 1
	}
	return similarity.Ratio(na, nb)
}

// MergeDescriptions concatenates the unique sentences of both texts,
// existing first, comparing sentences case-insensitively.
func MergeDescriptions(existing, incoming string) string {
	seen := map[string]struct{}{}
	var out []string
	for _, text := range []string{existing, incoming} {
		for _, s := range SplitSentences(text) {
			k := strings.ToLower(s)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
		}
	}
	return strings.Join(out, " ")
}

// SplitSentences splits on newlines and on '.', '!' or '?' followed by
// whitespace or the end of the text. Terminators stay with their sentence.
func SplitSentences(text string) []string {
	var out []string
	flush := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		switch r {
		case '\n', '\r':
			flush(string(runes[start:i]))
			start = i + 1
		case '.', '!', '?':
			if i+1 == len(runes) || isSpace(runes[i+1]) {
				flush(string(runes[start : i+1]))
				start = i + 1
			}
		}
	}
	if start < len(runes) {
		flush(string(runes[start:]))
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func unionKeys(a, b map[string]any) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// unionList keeps the first spelling of each case-insensitively equal item.
func unionList(a, b []string) []any {
	seen := map[string]struct{}{}
	out := make([]any, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		k := normalize(s)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sources(prior []string, interviewID string) []string {
	out := append([]string(nil), prior...)
	if interviewID != "" && !contains(out, interviewID) {
		out = append(out, interviewID)
	}
	return out
}

func hasContradiction(list []apptype.ContradictionRecord, rec apptype.ContradictionRecord) bool {
	for _, c := range list {
		if c.Attribute == rec.Attribute && len(c.Values) == 2 &&
			normalize(c.Values[0]) == normalize(rec.Values[0]) && normalize(c.Values[1]) == normalize(rec.Values[1]) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
