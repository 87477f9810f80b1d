// Package consolidator is the library-first entry point: it wires the
// similarity engine, merger, scorer, agent, sync layer and backlog monitor
// from one configuration, without any MCP transport.
package consolidator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/backlog"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/buildinfo"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/cdc"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/config"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/consensus"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/consolidation"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/database"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/embeddings"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/merge"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/patterns"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/relationships"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/similarity"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/worker"
)

// ErrNoShadow is returned by sync operations when no shadow store is
// configured.
var ErrNoShadow = cdc.ErrNoShadow

// Service owns every component for one primary database.
type Service struct {
	cfg       *config.Config
	dm        *database.DBManager
	engine    *similarity.Engine
	resilient *embeddings.Resilient
	agent     *consolidation.Agent
	syncer    *cdc.Syncer
	monitor   *backlog.Monitor
	influx    *backlog.InfluxSink
	logger    *slog.Logger
}

type options struct {
	logger   *slog.Logger
	shadow   cdc.Shadow
	provider embeddings.Provider
	noEmbed  bool
	idGen    func() string
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithShadow replaces the shadows built from configuration.
func WithShadow(s cdc.Shadow) Option { return func(o *options) { o.shadow = s } }

// WithEmbeddingProvider replaces the configured provider. A nil provider
// forces lexical-only matching.
func WithEmbeddingProvider(p embeddings.Provider) Option {
	return func(o *options) {
		o.provider = p
		o.noEmbed = p == nil
	}
}

// WithIDGenerator overrides how new entity ids are minted.
func WithIDGenerator(gen func() string) Option { return func(o *options) { o.idGen = gen } }

// New opens the primary store and any configured shadows.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	dm, err := database.NewDBManager(databaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open primary store: %w", err)
	}
	s := &Service{cfg: cfg, dm: dm, logger: o.logger}
	if err := s.wire(ctx, o); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) wire(ctx context.Context, o options) error {
	cfg := s.cfg
	vocab := similarity.DefaultVocabulary()
	if cfg.Similarity.VocabularyFile != "" {
		v, err := similarity.LoadVocabulary(cfg.Similarity.VocabularyFile)
		if err != nil {
			return err
		}
		vocab = v
	}

	base := o.provider
	if base == nil && !o.noEmbed {
		base = embeddings.New(embeddingsConfig(cfg))
	}
	var provider embeddings.Provider
	if base != nil {
		s.resilient = embeddings.NewResilient(base, resilientConfig(cfg), embeddings.WithLogger(s.logger))
		provider = s.resilient
		s.logger.Info("embedding provider enabled", "provider", base.Name(), "dims", base.Dimensions())
	} else {
		s.logger.Info("no embedding provider configured, using lexical matching only")
	}
	s.engine = similarity.New(similarityConfig(cfg), provider,
		similarity.WithVocabulary(vocab), similarity.WithStore(s.dm.Store()), similarity.WithLogger(s.logger))

	agentOpts := []consolidation.Option{consolidation.WithLogger(s.logger)}
	if o.idGen != nil {
		agentOpts = append(agentOpts, consolidation.WithIDGenerator(o.idGen))
	}
	s.agent = consolidation.NewAgent(s.dm, s.engine,
		merge.New(mergeConfig(cfg), vocab),
		consensus.New(consensusConfig(cfg), vocab),
		relationships.New(s.engine),
		patterns.New(patternsConfig(cfg), s.engine),
		agentConfig(cfg), agentOpts...)

	shadow := o.shadow
	if shadow == nil {
		var err error
		if shadow, err = s.openShadows(ctx); err != nil {
			return err
		}
	}
	if shadow != nil {
		if err := shadow.EnsureSchema(ctx); err != nil {
			_ = shadow.Close()
			return fmt.Errorf("failed to prepare shadow schema: %w", err)
		}
		s.syncer = cdc.NewSyncer(s.dm, shadow, syncConfig(cfg), s.logger)
	}

	sinks := []backlog.Sink{}
	if cfg.Backlog.ReportFile != "" {
		sinks = append(sinks, backlog.FileSink{Path: cfg.Backlog.ReportFile})
	}
	if cfg.Backlog.PersistTable {
		sinks = append(sinks, backlog.TableSink{DM: s.dm})
	}
	if in := cfg.Backlog.Influx; in.URL != "" {
		s.influx = backlog.NewInfluxSink(in.URL, in.Token, in.Org, in.Bucket)
		sinks = append(sinks, s.influx)
	}
	s.monitor = backlog.NewMonitor(s.dm, backlogConfig(cfg), backlog.WithSinks(sinks...), backlog.WithLogger(s.logger))
	return nil
}

// openShadows connects the configured SQL and graph shadows. It returns nil
// when neither is configured.
func (s *Service) openShadows(ctx context.Context) (cdc.Shadow, error) {
	var out cdc.MultiShadow
	if sc := s.cfg.Shadow.SQL; sc.DSN != "" {
		sh, err := cdc.OpenSQLShadow(ctx, sc.Driver, sc.DSN)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	if gc := s.cfg.Shadow.Graph; gc.URI != "" {
		drv, err := cdc.NewNeo4jDriver(ctx, gc.URI, gc.User, gc.Password, gc.Database)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out = append(out, cdc.NewGraphShadow(drv))
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

// Close releases the shadows, the Influx client and the primary store.
func (s *Service) Close() error {
	var errs []error
	if s.syncer != nil {
		if err := s.syncer.Shadow().Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.influx != nil {
		s.influx.Close()
	}
	if s.dm != nil {
		if err := s.dm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DB exposes the primary store manager.
func (s *Service) DB() *database.DBManager { return s.dm }

// Consolidate converts extractor output and runs one consolidation batch.
func (s *Service) Consolidate(ctx context.Context, interviewID string, in map[string][]apptype.IncomingEntity) (apptype.ConsolidateEntitiesResult, error) {
	batch := make(map[string][]apptype.Entity, len(in))
	for entityType, list := range in {
		for _, ie := range list {
			batch[entityType] = append(batch[entityType], apptype.Entity{
				ID:         ie.ID,
				EntityType: entityType,
				Attributes: ie.Attributes,
			})
		}
	}
	out, err := s.agent.ConsolidateEntities(ctx, batch, interviewID)
	if err != nil {
		return apptype.ConsolidateEntitiesResult{}, err
	}
	return apptype.ConsolidateEntitiesResult{InterviewID: interviewID, Entities: out, Stats: s.agent.Stats()}, nil
}

// ConsolidateEntities runs one batch of already-typed entities.
func (s *Service) ConsolidateEntities(ctx context.Context, batch map[string][]apptype.Entity, interviewID string) (map[string][]apptype.Entity, error) {
	return s.agent.ConsolidateEntities(ctx, batch, interviewID)
}

func (s *Service) AgentStats() apptype.AgentStats { return s.agent.Stats() }

// CountEntities returns row counts per entity type.
func (s *Service) CountEntities(ctx context.Context) (map[string]int, error) {
	return s.dm.Store().CountAllEntities(ctx)
}

// RunReport builds the consolidation run report against before.
func (s *Service) RunReport(ctx context.Context, before map[string]int) (consolidation.RunReport, error) {
	return s.agent.RunReport(ctx, before)
}

// IdentifyPatterns evaluates pattern rules over the committed store.
func (s *Service) IdentifyPatterns(ctx context.Context, persist bool) ([]apptype.Pattern, error) {
	return s.agent.IdentifyPatterns(ctx, persist)
}

// Sync runs one sync mode.
func (s *Service) Sync(ctx context.Context, mode string, limit int) (apptype.SyncResult, error) {
	if s.syncer == nil {
		return apptype.SyncResult{Mode: mode}, ErrNoShadow
	}
	return s.syncer.Run(ctx, mode, limit)
}

// Syncer returns the sync layer, or nil when no shadow is configured.
func (s *Service) Syncer() *cdc.Syncer { return s.syncer }

// Backlog collects a snapshot, logs an alert when it crosses a threshold
// and optionally persists it.
func (s *Service) Backlog(ctx context.Context, persist bool) (apptype.BacklogMetrics, error) {
	m, err := s.monitor.CollectMetrics(ctx)
	if err != nil {
		return m, err
	}
	s.monitor.Alert(m)
	if persist {
		if err := s.monitor.Persist(ctx, m); err != nil {
			return m, err
		}
	}
	return m, nil
}

// EmbeddingStats reports cache and breaker state, optionally closing the
// breaker first.
func (s *Service) EmbeddingStats(resetCircuit bool) apptype.EmbeddingStats {
	if resetCircuit {
		s.engine.ResetCircuit()
	}
	return s.engine.Stats()
}

// Walk expands the relationship graph from seed entity ids.
func (s *Service) Walk(ctx context.Context, args apptype.WalkArgs) (apptype.WalkResult, error) {
	ids, rels, err := s.dm.Store().Walk(ctx, args.EntityIDs, args.MaxDepth, args.Direction, args.Limit)
	if err != nil {
		return apptype.WalkResult{}, err
	}
	return apptype.WalkResult{EntityIDs: ids, Relationships: rels}, nil
}

// Health describes the running build and its wiring.
func (s *Service) Health() apptype.HealthResult {
	inUse, idle := s.dm.PoolStats()
	metrics.Default().ObservePoolStats(inUse, idle)
	res := apptype.HealthResult{
		Name:              "consolidator-libsql-go",
		Version:           buildinfo.Version,
		Revision:          buildinfo.Revision,
		BuildDate:         buildinfo.BuildDate,
		EngineVersion:     s.dm.EngineVersion(),
		EmbeddingProvider: s.engine.ProviderName(),
		EmbeddingDims:     s.engine.ProviderDims(),
		Shadows:           []string{},
	}
	if s.syncer != nil {
		res.Shadows = cdc.Names(s.syncer.Shadow())
	}
	return res
}

// NewWorker builds an ingestion worker from the [worker] section, with
// overrides applied by the caller.
func (s *Service) NewWorker(wc worker.Config, interval, jitter time.Duration) (*worker.Worker, error) {
	var drainer worker.Drainer
	if s.syncer != nil {
		drainer = s.syncer
	}
	if wc.Mode != worker.ModeMonitor && drainer == nil && !wc.DryRun {
		return nil, fmt.Errorf("worker mode %s: %w", wc.Mode, ErrNoShadow)
	}
	return worker.New(wc, s.monitor, drainer, worker.NewScheduler(interval, jitter), worker.WithLogger(s.logger))
}

// WorkerConfig returns the [worker] section as a worker.Config.
func (s *Service) WorkerConfig() worker.Config { return workerConfig(s.cfg) }
