package apptype

// IncomingEntity is the shape extraction hands to consolidation: an optional
// id plus the free-form attribute bag.
type IncomingEntity struct {
	ID         string         `json:"id,omitempty" jsonschema:"Optional id assigned by the extractor."`
	Attributes map[string]any `json:"attributes" jsonschema:"Business fields such as name, description, frequency."`
}

// ConsolidateEntitiesArgs represents the arguments for the consolidate_entities tool
type ConsolidateEntitiesArgs struct {
	InterviewID string                      `json:"interviewId" jsonschema:"Identifier of the interview the batch was extracted from."`
	Entities    map[string][]IncomingEntity `json:"entities" jsonschema:"Candidate entities keyed by entity type."`
}

// ConsolidateEntitiesResult is returned by consolidate_entities.
type ConsolidateEntitiesResult struct {
	InterviewID string              `json:"interviewId"`
	Entities    map[string][]Entity `json:"entities"`
	Stats       AgentStats          `json:"stats"`
}

// AgentStats are the counters the consolidation agent keeps across batches.
type AgentStats struct {
	EntitiesProcessed      int     `json:"entities_processed"`
	DuplicatesFound        int     `json:"duplicates_found"`
	EntitiesMerged         int     `json:"entities_merged"`
	ContradictionsDetected int     `json:"contradictions_detected"`
	EntitiesNeedingReview  int     `json:"entities_needing_review"`
	RelationshipsFound     int     `json:"relationships_discovered"`
	PatternsDetected       int     `json:"patterns_detected"`
	Batches                int     `json:"batches"`
	FailedBatches          int     `json:"failed_batches"`
	ElapsedSeconds         float64 `json:"elapsed_seconds"`
}

// SyncEventsArgs represents the arguments for the sync_events tool
type SyncEventsArgs struct {
	Mode  string `json:"mode,omitempty" jsonschema:"incremental|full|rollback|dry-run (default incremental)."`
	Limit int    `json:"limit,omitempty" jsonschema:"Batch size for draining, or number of events for rollback."`
}

// SyncResult summarizes a sync invocation.
type SyncResult struct {
	Mode      string         `json:"mode"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Reverted  int            `json:"reverted,omitempty"`
	DryRun    *DryRunSummary `json:"dryRun,omitempty"`
	Shadow    map[string]int `json:"shadowCounts,omitempty"`
	ByType    map[string]int `json:"byType,omitempty"`
}

// DryRunSummary reports queue and shadow state without mutating either.
type DryRunSummary struct {
	PendingEvents       int            `json:"pending_events"`
	PendingByType       map[string]int `json:"pending_by_type"`
	OldestPendingAt     *string        `json:"oldest_pending_at,omitempty"`
	ProcessedEvents     int            `json:"processed_events"`
	FailedPendingEvents int            `json:"failed_pending_events"`
	ShadowCounts        map[string]int `json:"shadow_counts"`
}

// BacklogArgs represents the arguments for the backlog_metrics tool
type BacklogArgs struct {
	Persist bool `json:"persist,omitempty" jsonschema:"Persist the snapshot to configured sinks."`
}

// PatternsArgs represents the arguments for the identify_patterns tool
type PatternsArgs struct {
	Persist bool `json:"persist,omitempty" jsonschema:"Upsert detected patterns and emit pattern_update events."`
}

// PatternsResult is returned by identify_patterns.
type PatternsResult struct {
	Patterns []Pattern `json:"patterns"`
}

// EmbeddingStatsArgs represents the arguments for the embedding_stats tool
type EmbeddingStatsArgs struct {
	ResetCircuit bool `json:"resetCircuit,omitempty" jsonschema:"Close the embedding circuit breaker before reporting."`
}

// EmbeddingStats mirrors the similarity engine counters.
type EmbeddingStats struct {
	CacheHits           int64 `json:"cache_hits"`
	CacheMisses         int64 `json:"cache_misses"`
	PersistentHits      int64 `json:"persistent_hits"`
	ProviderCalls       int64 `json:"provider_calls"`
	ProviderFailures    int64 `json:"provider_failures"`
	DegradedComparisons int64 `json:"degraded_comparisons"`
	CacheSize           int   `json:"cache_size"`
	CircuitOpen         bool  `json:"circuit_open"`
}

// Health
type HealthArgs struct{}

type HealthResult struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	Revision          string   `json:"revision"`
	BuildDate         string   `json:"buildDate"`
	EngineVersion     string   `json:"engineVersion,omitempty"`
	EmbeddingProvider string   `json:"embeddingProvider"`
	EmbeddingDims     int      `json:"embeddingDims"`
	Shadows           []string `json:"shadows"`
}

// WalkArgs represents the arguments for the entity_neighbors tool
type WalkArgs struct {
	EntityIDs []string `json:"entityIds" jsonschema:"Seed entity ids."`
	MaxDepth  int      `json:"maxDepth,omitempty" jsonschema:"Hops to expand (default 1)."`
	Direction string   `json:"direction,omitempty" jsonschema:"out|in|both (default both)."`
	Limit     int      `json:"limit,omitempty" jsonschema:"Maximum number of entity ids to visit."`
}

// WalkResult lists visited entity ids and the relationships between them.
type WalkResult struct {
	EntityIDs     []string       `json:"entityIds"`
	Relationships []Relationship `json:"relationships"`
}
