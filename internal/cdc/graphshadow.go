package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// GraphDriver runs Cypher against Neo4j or Memgraph.
type GraphDriver interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (neo4j.EagerResult, error)
	BuildIndices(ctx context.Context) error
	Close(ctx context.Context) error
}

// Neo4jDriver is the GraphDriver backed by the official driver.
type Neo4jDriver struct {
	Driver   neo4j.DriverWithContext
	Database string
	logger   *slog.Logger
}

// NewNeo4jDriver connects and verifies connectivity.
func NewNeo4jDriver(ctx context.Context, uri, username, password, database string) (*Neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to reach graph database: %w", err)
	}
	logger := slog.Default().With("component", "graph_shadow")
	logger.Info("connected to graph database", "uri", uri)
	return &Neo4jDriver{Driver: driver, Database: database, logger: logger}, nil
}

func (d *Neo4jDriver) Close(ctx context.Context) error {
	return d.Driver.Close(ctx)
}

func (d *Neo4jDriver) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (neo4j.EagerResult, error) {
	var opts []neo4j.ExecuteQueryConfigurationOption
	if d.Database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(d.Database))
	}
	result, err := neo4j.ExecuteQuery(ctx, d.Driver, query, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return neo4j.EagerResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	return *result, nil
}

// BuildIndices creates the lookup indexes the MERGE statements rely on.
// Failures are logged; the index may already exist under another name.
func (d *Neo4jDriver) BuildIndices(ctx context.Context) error {
	queries := []string{
		"CREATE INDEX shadow_entity_key IF NOT EXISTS FOR (n:Entity) ON (n.sqlite_entity_id, n.entity_type)",
		"CREATE INDEX shadow_pattern_key IF NOT EXISTS FOR (p:Pattern) ON (p.pattern_type, p.description)",
	}
	for _, q := range queries {
		if _, err := d.ExecuteQuery(ctx, q, nil); err != nil {
			d.logger.Warn("failed to create index", "query", q, "error", err)
		}
	}
	return nil
}

var relLabelRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// GraphShadow mirrors entities as :Entity nodes, relationships as typed
// edges and patterns as :Pattern nodes linked with :ABOUT.
type GraphShadow struct {
	driver GraphDriver
}

// NewGraphShadow wraps a driver.
func NewGraphShadow(driver GraphDriver) *GraphShadow {
	return &GraphShadow{driver: driver}
}

func (g *GraphShadow) Name() string { return "graph" }

func (g *GraphShadow) Close() error { return g.driver.Close(context.Background()) }

func (g *GraphShadow) EnsureSchema(ctx context.Context) error {
	return g.driver.BuildIndices(ctx)
}

func (g *GraphShadow) run(ctx context.Context, op, query string, params map[string]interface{}) (neo4j.EagerResult, error) {
	done := metrics.TimeOp("graph_" + op)
	res, err := g.driver.ExecuteQuery(ctx, query, params)
	done(err == nil)
	return res, err
}

func relLabel(relType string) (string, error) {
	label := strings.ToUpper(relType)
	if !relLabelRe.MatchString(label) {
		return "", fmt.Errorf("invalid relationship type %q", relType)
	}
	return label, nil
}

func (g *GraphShadow) ApplyEntity(ctx context.Context, e apptype.Entity) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	_, err = g.run(ctx, "apply_entity", `MERGE (n:Entity {sqlite_entity_id: $id, entity_type: $entity_type})
SET n.name = $name,
    n.attributes = $attributes,
    n.mentioned_in_interviews = $interviews,
    n.source_count = $source_count,
    n.consensus_confidence = $confidence,
    n.is_consolidated = $is_consolidated,
    n.has_contradictions = $has_contradictions`, map[string]interface{}{
		"id":                 e.ID,
		"entity_type":        e.EntityType,
		"name":               e.Name(),
		"attributes":         string(attrs),
		"interviews":         nonNilStrings(e.MentionedInInterviews),
		"source_count":       len(e.MentionedInInterviews),
		"confidence":         e.ConsensusConfidence,
		"is_consolidated":    e.IsConsolidated,
		"has_contradictions": e.HasContradictions,
	})
	if err != nil {
		return fmt.Errorf("failed to merge entity node %s: %w", e.ID, err)
	}
	return nil
}

func (g *GraphShadow) ApplyRelationship(ctx context.Context, r apptype.Relationship) error {
	label, err := relLabel(r.RelationshipType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`MERGE (a:Entity {sqlite_entity_id: $from_id, entity_type: $from_type})
MERGE (b:Entity {sqlite_entity_id: $to_id, entity_type: $to_type})
MERGE (a)-[r:%s]->(b)
SET r.strength = $strength, r.mentioned_in_interviews = $interviews`, label)
	_, err = g.run(ctx, "apply_relationship", query, map[string]interface{}{
		"from_id":    r.SourceEntityID,
		"from_type":  r.SourceEntityType,
		"to_id":      r.TargetEntityID,
		"to_type":    r.TargetEntityType,
		"strength":   r.Strength,
		"interviews": nonNilStrings(r.MentionedInInterviews),
	})
	if err != nil {
		return fmt.Errorf("failed to merge %s edge: %w", label, err)
	}
	return nil
}

func (g *GraphShadow) ApplyPattern(ctx context.Context, p apptype.Pattern) error {
	_, err := g.run(ctx, "apply_pattern", `MERGE (p:Pattern {pattern_type: $pattern_type, description: $description})
SET p.entity_type = $entity_type,
    p.entity_id = $entity_id,
    p.pattern_frequency = $frequency,
    p.source_count = $source_count,
    p.high_priority = $high_priority
WITH p
OPTIONAL MATCH (e:Entity {sqlite_entity_id: $entity_id, entity_type: $entity_type})
FOREACH (_ IN CASE WHEN e IS NULL THEN [] ELSE [1] END | MERGE (p)-[:ABOUT]->(e))`, map[string]interface{}{
		"pattern_type":  p.PatternType,
		"description":   p.Description,
		"entity_type":   p.EntityType,
		"entity_id":     p.EntityID,
		"frequency":     p.PatternFrequency,
		"source_count":  p.SourceCount,
		"high_priority": p.HighPriority,
	})
	if err != nil {
		return fmt.Errorf("failed to merge pattern node: %w", err)
	}
	return nil
}

func (g *GraphShadow) DeleteEntity(ctx context.Context, entityID, entityType string) error {
	_, err := g.run(ctx, "delete_entity", "MATCH (n:Entity {sqlite_entity_id: $id, entity_type: $entity_type}) DETACH DELETE n",
		map[string]interface{}{"id": entityID, "entity_type": entityType})
	return err
}

func (g *GraphShadow) DeleteRelationship(ctx context.Context, relType, fromID, toID string) error {
	label, err := relLabel(relType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("MATCH (:Entity {sqlite_entity_id: $from_id})-[r:%s]->(:Entity {sqlite_entity_id: $to_id}) DELETE r", label)
	_, err = g.run(ctx, "delete_relationship", query, map[string]interface{}{"from_id": fromID, "to_id": toID})
	return err
}

func (g *GraphShadow) DeletePattern(ctx context.Context, patternType, description string) error {
	_, err := g.run(ctx, "delete_pattern", "MATCH (p:Pattern {pattern_type: $pattern_type, description: $description}) DETACH DELETE p",
		map[string]interface{}{"pattern_type": patternType, "description": description})
	return err
}

func (g *GraphShadow) Truncate(ctx context.Context) error {
	_, err := g.run(ctx, "truncate", "MATCH (n) WHERE n:Entity OR n:Pattern DETACH DELETE n", nil)
	return err
}

func (g *GraphShadow) Counts(ctx context.Context) (map[string]int, error) {
	queries := map[string]string{
		KindEntities:      "MATCH (n:Entity) RETURN count(n) AS c",
		KindRelationships: "MATCH (:Entity)-[r]->(:Entity) RETURN count(r) AS c",
		KindPatterns:      "MATCH (p:Pattern) RETURN count(p) AS c",
	}
	out := map[string]int{}
	for kind, q := range queries {
		res, err := g.run(ctx, "count", q, nil)
		if err != nil {
			return nil, err
		}
		out[kind] = firstInt(res, "c")
	}
	return out, nil
}

func firstInt(res neo4j.EagerResult, key string) int {
	if len(res.Records) == 0 {
		return 0
	}
	v, ok := res.Records[0].Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
