package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

type StepResult struct {
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

type Report struct {
	SSEURL     string       `json:"sse_url"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMs int64        `json:"duration_ms"`
	Steps      []StepResult `json:"steps"`
	Passed     bool         `json:"passed"`
}

var expectedTools = []string{
	"consolidate_entities", "sync_events", "backlog_metrics", "identify_patterns",
	"embedding_stats", "entity_neighbors", "health",
}

func main() {
	sseURL := flag.String("sse-url", "http://localhost:8080/sse", "SSE endpoint URL")
	interview := flag.String("interview", "it-"+time.Now().UTC().Format("20060102150405"), "Interview id prefix to consolidate under")
	skipSync := flag.Bool("skip-sync", false, "Skip sync steps when no shadow is configured")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "integration-tester", Version: "dev"}, nil)
	transport := mcp.NewSSEClientTransport(*sseURL, nil)

	start := time.Now()
	report := Report{SSEURL: *sseURL, StartedAt: start}

	var session *mcp.ClientSession
	connRes := step("connect", func() error {
		var err error
		session, err = client.Connect(ctx, transport)
		return err
	})
	report.Steps = append(report.Steps, connRes)
	if !connRes.Success {
		finish(&report, start)
		os.Exit(1)
	}
	defer session.Close()

	var systemID string
	report.Steps = append(report.Steps,
		step("list_tools", func() error { return runListTools(ctx, session) }),
		step("health", func() error { return call(ctx, session, "health", apptype.HealthArgs{}, nil) }),
		step("consolidate_first", func() error {
			return runConsolidate(ctx, session, *interview+"-1", "Excel", nil)
		}),
		step("consolidate_duplicate", func() error {
			return runConsolidate(ctx, session, *interview+"-2", "excel", &systemID)
		}),
		step("backlog_metrics", func() error {
			return call(ctx, session, "backlog_metrics", apptype.BacklogArgs{}, nil)
		}),
		step("identify_patterns", func() error {
			return call(ctx, session, "identify_patterns", apptype.PatternsArgs{}, nil)
		}),
		step("entity_neighbors", func() error {
			if systemID == "" {
				return errors.New("no consolidated system id to walk from")
			}
			return call(ctx, session, "entity_neighbors", apptype.WalkArgs{EntityIDs: []string{systemID}}, nil)
		}),
		step("embedding_stats", func() error {
			return call(ctx, session, "embedding_stats", apptype.EmbeddingStatsArgs{}, nil)
		}),
	)
	if !*skipSync {
		report.Steps = append(report.Steps,
			step("sync_dry_run", func() error {
				return call(ctx, session, "sync_events", apptype.SyncEventsArgs{Mode: "dry-run"}, nil)
			}),
			step("sync_incremental", func() error { return runSync(ctx, session) }),
		)
	}

	if !finish(&report, start) {
		os.Exit(1)
	}
}

// finish prints the report and reports whether every step passed.
func finish(report *Report, start time.Time) bool {
	report.DurationMs = elapsedMsSince(start)
	report.Passed = true
	for _, s := range report.Steps {
		if !s.Success {
			report.Passed = false
			break
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	return report.Passed
}

func step(name string, fn func() error) StepResult {
	t0 := time.Now()
	res := StepResult{Name: name, Success: true}
	if err := fn(); err != nil {
		res.Success = false
		res.Error = err.Error()
	}
	res.ElapsedMs = elapsedMsSince(t0)
	return res
}

// call invokes a tool and decodes its structured content into out when set.
func call(ctx context.Context, session *mcp.ClientSession, name string, args any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: json.RawMessage(raw)})
	if err != nil {
		return err
	}
	if res.IsError {
		msg := "tool returned an error"
		if len(res.Content) > 0 {
			if tc, ok := res.Content[0].(*mcp.TextContent); ok {
				msg = tc.Text
			}
		}
		return fmt.Errorf("%s: %s", name, msg)
	}
	if out == nil || res.StructuredContent == nil {
		return nil
	}
	data, err := json.Marshal(res.StructuredContent)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func runListTools(ctx context.Context, session *mcp.ClientSession) error {
	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(res.Tools))
	for _, t := range res.Tools {
		have[t.Name] = true
	}
	for _, name := range expectedTools {
		if !have[name] {
			return fmt.Errorf("missing tool %s", name)
		}
	}
	return nil
}

// runConsolidate submits one system entity; when id is set it also checks
// the system merged into an existing one and records its id.
func runConsolidate(ctx context.Context, session *mcp.ClientSession, interviewID, name string, id *string) error {
	args := apptype.ConsolidateEntitiesArgs{
		InterviewID: interviewID,
		Entities: map[string][]apptype.IncomingEntity{
			apptype.TypeSystem: {{Attributes: map[string]any{"name": name, "description": "Spreadsheet tool used for reporting."}}},
		},
	}
	var out apptype.ConsolidateEntitiesResult
	if err := call(ctx, session, "consolidate_entities", args, &out); err != nil {
		return err
	}
	systems := out.Entities[apptype.TypeSystem]
	if len(systems) != 1 {
		return fmt.Errorf("expected 1 system, got %d", len(systems))
	}
	if id == nil {
		return nil
	}
	if systems[0].SourceCount < 2 {
		return fmt.Errorf("expected %q to merge, source count %d", name, systems[0].SourceCount)
	}
	*id = systems[0].ID
	return nil
}

func runSync(ctx context.Context, session *mcp.ClientSession) error {
	var out apptype.SyncResult
	if err := call(ctx, session, "sync_events", apptype.SyncEventsArgs{Mode: "incremental"}, &out); err != nil {
		return err
	}
	if out.Failed > 0 {
		return fmt.Errorf("%d events failed to sync", out.Failed)
	}
	return nil
}

func elapsedMsSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}
