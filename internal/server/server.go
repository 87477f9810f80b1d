package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/buildinfo"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// Backend is what the MCP tools and the ops API call into.
type Backend interface {
	Consolidate(ctx context.Context, interviewID string, in map[string][]apptype.IncomingEntity) (apptype.ConsolidateEntitiesResult, error)
	Sync(ctx context.Context, mode string, limit int) (apptype.SyncResult, error)
	Backlog(ctx context.Context, persist bool) (apptype.BacklogMetrics, error)
	IdentifyPatterns(ctx context.Context, persist bool) ([]apptype.Pattern, error)
	EmbeddingStats(resetCircuit bool) apptype.EmbeddingStats
	Walk(ctx context.Context, args apptype.WalkArgs) (apptype.WalkResult, error)
	AgentStats() apptype.AgentStats
	Health() apptype.HealthResult
}

// MCPServer handles MCP protocol communication
type MCPServer struct {
	server  *mcp.Server
	backend Backend
	logger  *slog.Logger
}

// NewMCPServer creates a new MCP server
func NewMCPServer(b Backend, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "consolidator-libsql-go",
		Version: buildinfo.Version,
	}, nil)
	s := &MCPServer{server: server, backend: b, logger: logger.With("component", "server")}
	s.setupToolHandlers()
	return s
}

func schemaFor[T any](name string) *jsonschema.Schema {
	schema, err := jsonschema.For[T]()
	if err != nil {
		panic(fmt.Sprintf("failed to create schema for %s: %v", name, err))
	}
	return schema
}

// setupToolHandlers registers all MCP tools. Results that carry timestamps
// are returned as structured content without an output schema.
func (s *MCPServer) setupToolHandlers() {
	mcp.AddTool(s.server, &mcp.Tool{
		Annotations: &mcp.ToolAnnotations{Title: "Consolidate Entities"},
		Name:        "consolidate_entities",
		Title:       "Consolidate Entities",
		Description: "Merge one interview's extracted entities into the consolidated store, discovering relationships and emitting sync events.",
		InputSchema: schemaFor[apptype.ConsolidateEntitiesArgs]("ConsolidateEntitiesArgs"),
	}, s.handleConsolidateEntities)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations:  &mcp.ToolAnnotations{Title: "Sync Events"},
		Name:         "sync_events",
		Title:        "Sync Events",
		Description:  "Replicate pending consolidation events to the shadow stores (incremental, full, rollback or dry-run).",
		InputSchema:  schemaFor[apptype.SyncEventsArgs]("SyncEventsArgs"),
		OutputSchema: schemaFor[apptype.SyncResult]("SyncResult"),
	}, s.handleSyncEvents)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations: &mcp.ToolAnnotations{Title: "Backlog Metrics"},
		Name:        "backlog_metrics",
		Title:       "Backlog Metrics",
		Description: "Count unconsolidated entities per table and report the oldest one.",
		InputSchema: schemaFor[apptype.BacklogArgs]("BacklogArgs"),
	}, s.handleBacklog)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations: &mcp.ToolAnnotations{Title: "Identify Patterns"},
		Name:        "identify_patterns",
		Title:       "Identify Patterns",
		Description: "Detect recurring pain points and problematic systems across all interviews.",
		InputSchema: schemaFor[apptype.PatternsArgs]("PatternsArgs"),
	}, s.handleIdentifyPatterns)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations:  &mcp.ToolAnnotations{Title: "Embedding Stats"},
		Name:         "embedding_stats",
		Title:        "Embedding Stats",
		Description:  "Embedding cache and circuit breaker counters; optionally close the breaker.",
		InputSchema:  schemaFor[apptype.EmbeddingStatsArgs]("EmbeddingStatsArgs"),
		OutputSchema: schemaFor[apptype.EmbeddingStats]("EmbeddingStats"),
	}, s.handleEmbeddingStats)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations: &mcp.ToolAnnotations{Title: "Entity Neighbors"},
		Name:        "entity_neighbors",
		Title:       "Entity Neighbors",
		Description: "Walk discovered relationships outward from seed entity ids.",
		InputSchema: schemaFor[apptype.WalkArgs]("WalkArgs"),
	}, s.handleWalk)

	mcp.AddTool(s.server, &mcp.Tool{
		Annotations:  &mcp.ToolAnnotations{Title: "Health Check"},
		Name:         "health",
		Title:        "Health Check",
		Description:  "Build information and configured providers.",
		InputSchema:  schemaFor[apptype.HealthArgs]("HealthArgs"),
		OutputSchema: schemaFor[apptype.HealthResult]("HealthResult"),
	}, s.handleHealth)
}

func (s *MCPServer) handleConsolidateEntities(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ConsolidateEntitiesArgs],
) (*mcp.CallToolResultFor[apptype.ConsolidateEntitiesResult], error) {
	done := metrics.TimeTool("consolidate_entities")
	var success bool
	defer func() { done(success) }()
	args := params.Arguments
	res, err := s.backend.Consolidate(ctx, args.InterviewID, args.Entities)
	if err != nil {
		return nil, fmt.Errorf("failed to consolidate interview %s: %w", args.InterviewID, err)
	}
	total := 0
	for _, list := range res.Entities {
		total += len(list)
	}
	success = true
	return &mcp.CallToolResultFor[apptype.ConsolidateEntitiesResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Consolidated %d entities from interview %s", total, args.InterviewID)}},
		StructuredContent: res,
	}, nil
}

func (s *MCPServer) handleSyncEvents(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.SyncEventsArgs],
) (*mcp.CallToolResultFor[apptype.SyncResult], error) {
	done := metrics.TimeTool("sync_events")
	var success bool
	defer func() { done(success) }()
	res, err := s.backend.Sync(ctx, params.Arguments.Mode, params.Arguments.Limit)
	if err != nil {
		return nil, fmt.Errorf("sync failed: %w", err)
	}
	success = true
	text := fmt.Sprintf("%s sync: %d processed, %d failed", res.Mode, res.Processed, res.Failed)
	if res.DryRun != nil {
		text = fmt.Sprintf("dry-run: %d pending events", res.DryRun.PendingEvents)
	}
	return &mcp.CallToolResultFor[apptype.SyncResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: text}},
		StructuredContent: res,
	}, nil
}

func (s *MCPServer) handleBacklog(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.BacklogArgs],
) (*mcp.CallToolResultFor[apptype.BacklogMetrics], error) {
	done := metrics.TimeTool("backlog_metrics")
	var success bool
	defer func() { done(success) }()
	m, err := s.backend.Backlog(ctx, params.Arguments.Persist)
	if err != nil {
		return nil, fmt.Errorf("backlog metrics failed: %w", err)
	}
	success = true
	return &mcp.CallToolResultFor[apptype.BacklogMetrics]{
		Content:           []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d unconsolidated entities", m.TotalUnconsolidated)}},
		StructuredContent: m,
	}, nil
}

func (s *MCPServer) handleIdentifyPatterns(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.PatternsArgs],
) (*mcp.CallToolResultFor[apptype.PatternsResult], error) {
	done := metrics.TimeTool("identify_patterns")
	var success bool
	defer func() { done(success) }()
	found, err := s.backend.IdentifyPatterns(ctx, params.Arguments.Persist)
	if err != nil {
		return nil, fmt.Errorf("pattern recognition failed: %w", err)
	}
	if found == nil {
		found = []apptype.Pattern{}
	}
	success = true
	return &mcp.CallToolResultFor[apptype.PatternsResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Detected %d patterns", len(found))}},
		StructuredContent: apptype.PatternsResult{Patterns: found},
	}, nil
}

func (s *MCPServer) handleEmbeddingStats(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.EmbeddingStatsArgs],
) (*mcp.CallToolResultFor[apptype.EmbeddingStats], error) {
	done := metrics.TimeTool("embedding_stats")
	defer func() { done(true) }()
	st := s.backend.EmbeddingStats(params.Arguments.ResetCircuit)
	state := "closed"
	if st.CircuitOpen {
		state = "open"
	}
	return &mcp.CallToolResultFor[apptype.EmbeddingStats]{
		Content:           []mcp.Content{&mcp.TextContent{Text: "circuit " + state}},
		StructuredContent: st,
	}, nil
}

func (s *MCPServer) handleWalk(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.WalkArgs],
) (*mcp.CallToolResultFor[apptype.WalkResult], error) {
	done := metrics.TimeTool("entity_neighbors")
	var success bool
	defer func() { done(success) }()
	res, err := s.backend.Walk(ctx, params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("walk failed: %w", err)
	}
	success = true
	return &mcp.CallToolResultFor[apptype.WalkResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: "Walk complete"}},
		StructuredContent: res,
	}, nil
}

// handleHealth returns basic server health information
func (s *MCPServer) handleHealth(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.HealthArgs],
) (*mcp.CallToolResultFor[apptype.HealthResult], error) {
	done := metrics.TimeTool("health")
	defer func() { done(true) }()
	return &mcp.CallToolResultFor[apptype.HealthResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: "ok"}},
		StructuredContent: s.backend.Health(),
	}, nil
}

// reportPool refreshes pool gauges until ctx ends.
func (s *MCPServer) reportPool(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.backend.Health()
			}
		}
	}()
}

// Run starts the MCP server with stdio transport
func (s *MCPServer) Run(ctx context.Context) error {
	s.reportPool(ctx)
	return s.server.Run(ctx, mcp.NewStdioTransport())
}

// Handler returns the SSE handler serving this server.
func (s *MCPServer) Handler() http.Handler {
	return mcp.NewSSEHandler(func(r *http.Request) *mcp.Server { return s.server })
}

// RunSSE starts the MCP server over SSE at the given address and endpoint
func (s *MCPServer) RunSSE(ctx context.Context, addr string, endpoint string) error {
	s.reportPool(ctx)
	mux := http.NewServeMux()
	mux.Handle(endpoint, s.Handler())
	s.logger.Info("SSE MCP server listening", "addr", addr, "endpoint", endpoint)
	return serve(ctx, &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
}

// serve runs srv until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
