package apptype

import (
	"fmt"
	"strings"
	"time"
)

// Well-known entity types. The registry of entity types is data driven (see
// internal/config), these constants only name the ones the relationship and
// pattern rules depend on.
const (
	TypeSystem              = "system"
	TypePainPoint           = "pain_point"
	TypeProcess             = "process"
	TypeKPI                 = "kpi"
	TypeAutomationCandidate = "automation_candidate"
)

// Relationship types produced by the discoverer.
const (
	RelCauses    = "causes"
	RelUses      = "uses"
	RelMeasures  = "measures"
	RelAddresses = "addresses"
)

// Pattern types produced by the recognizer.
const (
	PatternRecurringPain     = "recurring_pain"
	PatternProblematicSystem = "problematic_system"
)

// Event types appended to the consolidation event log.
const (
	EventEntityMerge        = "entity_merge"
	EventRelationshipUpdate = "relationship_update"
	EventPatternUpdate      = "pattern_update"
)

// Entity is a business fact extracted from interviews. Free-form business
// fields live in Attributes; consolidation bookkeeping lives in the typed
// fields alongside it.
type Entity struct {
	ID                    string                `json:"id"`
	EntityType            string                `json:"entityType"`
	Attributes            map[string]any        `json:"attributes"`
	MentionedInInterviews []string              `json:"mentionedInInterviews"`
	SourceCount           int                   `json:"sourceCount"`
	ConsensusConfidence   float64               `json:"consensusConfidence"`
	IsConsolidated        bool                  `json:"isConsolidated"`
	HasContradictions     bool                  `json:"hasContradictions"`
	ContradictionDetails  []ContradictionRecord `json:"contradictionDetails"`
	MergedEntityIDs       []string              `json:"mergedEntityIds"`
	FirstMentionedAt      time.Time             `json:"firstMentionedAt"`
	LastMentionedAt       time.Time             `json:"lastMentionedAt"`
	ConsolidatedAt        *time.Time            `json:"consolidatedAt,omitempty"`
	CreatedAt             time.Time             `json:"createdAt"`
	UpdatedAt             time.Time             `json:"updatedAt"`
}

// ContradictionRecord captures two incompatible values reported for the same
// attribute. Values is always [existing, incoming].
type ContradictionRecord struct {
	Attribute       string   `json:"attribute"`
	Values          []string `json:"values"`
	SimilarityScore float64  `json:"similarityScore"`
	Sources         []string `json:"sources"`
}

// Relationship is a typed, directed edge between two entities.
type Relationship struct {
	ID                    int64     `json:"id,omitempty"`
	SourceEntityID        string    `json:"sourceEntityId"`
	SourceEntityType      string    `json:"sourceEntityType"`
	TargetEntityID        string    `json:"targetEntityId"`
	TargetEntityType      string    `json:"targetEntityType"`
	RelationshipType      string    `json:"relationshipType"`
	Strength              float64   `json:"strength"`
	MentionedInInterviews []string  `json:"mentionedInInterviews"`
	CreatedAt             time.Time `json:"createdAt,omitempty"`
	UpdatedAt             time.Time `json:"updatedAt,omitempty"`
}

// Key is the natural key relationships upsert on.
func (r Relationship) Key() string {
	return r.RelationshipType + "|" + r.SourceEntityID + "|" + r.TargetEntityID
}

// Pattern is a cross-interview recurring theme.
type Pattern struct {
	ID               int64     `json:"id,omitempty"`
	PatternType      string    `json:"patternType"`
	EntityType       string    `json:"entityType"`
	EntityID         string    `json:"entityId"`
	PatternFrequency float64   `json:"patternFrequency"`
	SourceCount      int       `json:"sourceCount"`
	HighPriority     bool      `json:"highPriority"`
	Description      string    `json:"description"`
	DetectedAt       time.Time `json:"detectedAt"`
}

// ConsolidationEvent is one entry of the append-only change log drained by
// the sync layer. Seq orders events by insertion.
type ConsolidationEvent struct {
	Seq          int64      `json:"seq"`
	ID           string     `json:"id"`
	EventType    string     `json:"eventType"`
	EntityType   string     `json:"entityType"`
	EntityID     string     `json:"entityId"`
	Payload      []byte     `json:"payload"`
	Processed    bool       `json:"processed"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// BacklogMetrics is a point-in-time view of unconsolidated entities.
type BacklogMetrics struct {
	TotalUnconsolidated   int            `json:"total_unconsolidated"`
	OldestEntityTimestamp *time.Time     `json:"oldest_entity_timestamp,omitempty"`
	EstimatedMinutes      float64        `json:"estimated_minutes"`
	PerEntityCounts       map[string]int `json:"per_entity_counts"`
	CollectedAt           time.Time      `json:"collected_at"`
	AlertTriggered        bool           `json:"alert_triggered"`
}

// Name returns the entity's name attribute, or "" when absent.
func (e *Entity) Name() string { return e.StringAttr("name") }

// Description returns the entity's description attribute, or "" when absent.
func (e *Entity) Description() string { return e.StringAttr("description") }

// StringAttr renders an attribute as a string. Lists are joined with ", ".
func (e *Entity) StringAttr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return ValueString(e.Attributes[key])
}

// ListAttr returns an attribute as a list of non-empty strings. Scalar
// strings are split on commas and semicolons.
func (e *Entity) ListAttr(key string) []string {
	if e == nil || e.Attributes == nil {
		return nil
	}
	return ValueList(e.Attributes[key])
}

// HasInterview reports whether id is already among the entity's sources.
func (e *Entity) HasInterview(id string) bool {
	for _, v := range e.MentionedInInterviews {
		if v == id {
			return true
		}
	}
	return false
}

// AddInterview records id as a source and keeps SourceCount in step with
// the interview set. It reports whether id was new.
func (e *Entity) AddInterview(id string) bool {
	if id == "" || e.HasInterview(id) {
		e.SourceCount = len(e.MentionedInInterviews)
		return false
	}
	e.MentionedInInterviews = append(e.MentionedInInterviews, id)
	e.SourceCount = len(e.MentionedInInterviews)
	return true
}

// Clone returns a deep copy so callers can mutate freely.
func (e Entity) Clone() Entity {
	out := e
	out.Attributes = CloneAttributes(e.Attributes)
	out.MentionedInInterviews = append([]string(nil), e.MentionedInInterviews...)
	out.MergedEntityIDs = append([]string(nil), e.MergedEntityIDs...)
	if e.ContradictionDetails != nil {
		out.ContradictionDetails = make([]ContradictionRecord, len(e.ContradictionDetails))
		for i, c := range e.ContradictionDetails {
			c.Values = append([]string(nil), c.Values...)
			c.Sources = append([]string(nil), c.Sources...)
			out.ContradictionDetails[i] = c
		}
	}
	if e.ConsolidatedAt != nil {
		t := *e.ConsolidatedAt
		out.ConsolidatedAt = &t
	}
	return out
}

// CloneAttributes copies an attribute bag, including nested lists.
func CloneAttributes(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case []any:
			out[k] = append([]any(nil), vv...)
		case []string:
			out[k] = append([]string(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// ValueString renders an attribute value as text.
func ValueString(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case []string:
		return strings.Join(vv, ", ")
	case []any:
		parts := make([]string, 0, len(vv))
		for _, x := range vv {
			if s := ValueString(x); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case float64:
		if vv == float64(int64(vv)) {
			return fmt.Sprintf("%d", int64(vv))
		}
		return fmt.Sprintf("%g", vv)
	default:
		return fmt.Sprint(vv)
	}
}

// ValueList normalizes an attribute value into a list of non-empty strings.
func ValueList(v any) []string {
	var raw []string
	switch vv := v.(type) {
	case nil:
		return nil
	case []string:
		raw = vv
	case []any:
		for _, x := range vv {
			raw = append(raw, ValueString(x))
		}
	case string:
		raw = strings.FieldsFunc(vv, func(r rune) bool { return r == ',' || r == ';' })
	default:
		raw = []string{ValueString(vv)}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsList reports whether v is a list-valued attribute.
func IsList(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	}
	return false
}

// IsEmpty reports whether an attribute value carries no information.
func IsEmpty(v any) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(vv) == ""
	case []any:
		return len(vv) == 0
	case []string:
		return len(vv) == 0
	}
	return false
}
