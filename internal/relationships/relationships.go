// Package relationships infers typed edges between entities that were
// mentioned in the same interview.
package relationships

import (
	"strings"
	"unicode"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

// Rule strengths.
const (
	StrengthCauses          = 0.8
	StrengthUsesExplicit    = 0.9
	StrengthUsesDescription = 0.7
	StrengthMeasures        = 0.9
	StrengthAddresses       = 0.8
)

// Normalizer maps names onto their comparable form.
type Normalizer interface {
	NormalizeName(name, entityType string) string
}

// Discoverer applies the co-occurrence rules.
type Discoverer struct {
	norm Normalizer
}

// New builds a Discoverer. A nil Normalizer compares lowercased names.
func New(norm Normalizer) *Discoverer {
	return &Discoverer{norm: norm}
}

func (d *Discoverer) normalize(name, entityType string) string {
	if d.norm == nil {
		return fold(name)
	}
	return d.norm.NormalizeName(name, entityType)
}

// fold lowercases s and collapses every run of punctuation and whitespace
// into a single space, the same tokenization names get.
func fold(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

// Discover returns every relationship the rules find in one batch. Rules
// are independent and duplicates are not collapsed here; the store upserts
// on (type, source, target).
func (d *Discoverer) Discover(entitiesByType map[string][]apptype.Entity, interviewID string) []apptype.Relationship {
	systems := entitiesByType[apptype.TypeSystem]
	painPoints := entitiesByType[apptype.TypePainPoint]
	processes := entitiesByType[apptype.TypeProcess]
	kpis := entitiesByType[apptype.TypeKPI]
	automations := entitiesByType[apptype.TypeAutomationCandidate]

	var out []apptype.Relationship
	add := func(src, dst apptype.Entity, relType string, strength float64) {
		r := apptype.Relationship{
			SourceEntityID:   src.ID,
			SourceEntityType: src.EntityType,
			TargetEntityID:   dst.ID,
			TargetEntityType: dst.EntityType,
			RelationshipType: relType,
			Strength:         strength,
		}
		if interviewID != "" {
			r.MentionedInInterviews = []string{interviewID}
		}
		out = append(out, r)
	}

	// system -> pain point: the system is named in the pain description
	for _, sys := range systems {
		name := d.normalize(sys.Name(), apptype.TypeSystem)
		if name == "" {
			continue
		}
		for _, pp := range painPoints {
			if strings.Contains(fold(pp.Description()), name) {
				add(sys, pp, apptype.RelCauses, StrengthCauses)
			}
		}
	}

	// process -> system: listed explicitly, or only mentioned in prose
	for _, proc := range processes {
		listed := make(map[string]struct{})
		for _, s := range proc.ListAttr("systems") {
			listed[d.normalize(s, apptype.TypeSystem)] = struct{}{}
		}
		desc := fold(proc.Description())
		for _, sys := range systems {
			name := d.normalize(sys.Name(), apptype.TypeSystem)
			if name == "" {
				continue
			}
			if _, ok := listed[name]; ok {
				add(proc, sys, apptype.RelUses, StrengthUsesExplicit)
			} else if strings.Contains(desc, name) {
				add(proc, sys, apptype.RelUses, StrengthUsesDescription)
			}
		}
	}

	// kpi -> process: the process is among the KPI's related processes
	for _, kpi := range kpis {
		related := make(map[string]struct{})
		for _, p := range kpi.ListAttr("related_processes") {
			related[d.normalize(p, apptype.TypeProcess)] = struct{}{}
		}
		if len(related) == 0 {
			continue
		}
		for _, proc := range processes {
			if _, ok := related[d.normalize(proc.Name(), apptype.TypeProcess)]; ok {
				add(kpi, proc, apptype.RelMeasures, StrengthMeasures)
			}
		}
	}

	// automation -> pain point: its target process is one the pain affects
	for _, auto := range automations {
		target := auto.StringAttr("target_process")
		if strings.TrimSpace(target) == "" {
			target = auto.StringAttr("process")
		}
		target = d.normalize(target, apptype.TypeProcess)
		if target == "" {
			continue
		}
		for _, pp := range painPoints {
			for _, affected := range pp.ListAttr("affected_processes") {
				if d.normalize(affected, apptype.TypeProcess) == target {
					add(auto, pp, apptype.RelAddresses, StrengthAddresses)
					break
				}
			}
		}
	}
	return out
}
