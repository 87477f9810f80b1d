package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DefaultPath is used when no --config flag is given.
const DefaultPath = "consolidator.toml"

// Duration decodes TOML strings such as "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type DatabaseConfig struct {
	URL             string   `toml:"url"`
	AuthToken       string   `toml:"auth_token"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxIdle     Duration `toml:"conn_max_idle"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

type EntityTypeConfig struct {
	Name  string `toml:"name"`
	Table string `toml:"table"`
}

type EmbeddingsConfig struct {
	Provider                string   `toml:"provider"`
	Model                   string   `toml:"model"`
	BaseURL                 string   `toml:"base_url"`
	APIKey                  string   `toml:"api_key"`
	Host                    string   `toml:"host"`
	Dims                    int      `toml:"dims"`
	AdaptMode               string   `toml:"adapt_mode"`
	HTTPTimeout             Duration `toml:"http_timeout"`
	MaxRetries              int      `toml:"max_retries"`
	InitialBackoff          Duration `toml:"initial_backoff"`
	MaxBackoff              Duration `toml:"max_backoff"`
	RequestTimeout          Duration `toml:"request_timeout"`
	CircuitBreakerThreshold int      `toml:"circuit_breaker_threshold"`
	RatePerSecond           float64  `toml:"rate_per_second"`
	Burst                   int      `toml:"burst"`
}

type SimilarityConfig struct {
	DefaultThreshold      float64            `toml:"default_threshold"`
	Thresholds            map[string]float64 `toml:"thresholds"`
	WeightName            float64            `toml:"weight_name"`
	WeightSemantic        float64            `toml:"weight_semantic"`
	SkipSemanticThreshold float64            `toml:"skip_semantic_threshold"`
	StageOneFactor        float64            `toml:"stage_one_factor"`
	MaxCandidates         int                `toml:"max_candidates"`
	CacheSize             int                `toml:"cache_size"`
	VocabularyFile        string             `toml:"vocabulary_file"`
}

type MergeConfig struct {
	ContradictionThreshold float64            `toml:"contradiction_threshold"`
	TypeThresholds         map[string]float64 `toml:"type_thresholds"`
}

type ConsensusConfig struct {
	Divisor              int     `toml:"divisor"`
	PerAttributeBonus    float64 `toml:"per_attribute_bonus"`
	MaxBonus             float64 `toml:"max_bonus"`
	ContradictionPenalty float64 `toml:"contradiction_penalty"`
	SingleSourcePenalty  float64 `toml:"single_source_penalty"`
	ReviewThreshold      float64 `toml:"review_threshold"`
}

type PatternsConfig struct {
	RecurringPainThreshold     int     `toml:"recurring_pain_threshold"`
	ProblematicSystemThreshold int     `toml:"problematic_system_threshold"`
	HighPriorityFrequency      float64 `toml:"high_priority_frequency"`
}

type AgentConfig struct {
	MaxParallelTypes int  `toml:"max_parallel_types"`
	PatternsInline   bool `toml:"patterns_inline"`
}

type SQLShadowConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type GraphShadowConfig struct {
	URI      string `toml:"uri"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
}

type ShadowConfig struct {
	SQL   SQLShadowConfig   `toml:"sql"`
	Graph GraphShadowConfig `toml:"graph"`
}

type SyncConfig struct {
	BatchSize     int `toml:"batch_size"`
	RollbackCount int `toml:"rollback_count"`
}

type InfluxConfig struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	Org    string `toml:"org"`
	Bucket string `toml:"bucket"`
}

type BacklogConfig struct {
	MaxEntities      int          `toml:"max_entities"`
	MaxAgeDays       int          `toml:"max_age_days"`
	SecondsPerEntity float64      `toml:"seconds_per_entity"`
	ReportFile       string       `toml:"report_file"`
	PersistTable     bool         `toml:"persist_table"`
	Influx           InfluxConfig `toml:"influx"`
}

type WorkerConfig struct {
	Mode       string   `toml:"mode"`
	Interval   Duration `toml:"interval"`
	Jitter     Duration `toml:"jitter"`
	BatchSize  int      `toml:"batch_size"`
	DryRun     bool     `toml:"dry_run"`
	StatusFile string   `toml:"status_file"`
	MaxCycles  int      `toml:"max_cycles"`
}

type MetricsConfig struct {
	Prometheus bool   `toml:"prometheus"`
	Addr       string `toml:"addr"`
	Trace      bool   `toml:"trace"`
}

type ServerConfig struct {
	Transport string `toml:"transport"`
	Addr      string `toml:"addr"`
	Endpoint  string `toml:"endpoint"`
	OpsAddr   string `toml:"ops_addr"`
}

// Config is the full file layout of consolidator.toml.
type Config struct {
	Database    DatabaseConfig     `toml:"database"`
	EntityTypes []EntityTypeConfig `toml:"entity_types"`
	Embeddings  EmbeddingsConfig   `toml:"embeddings"`
	Similarity  SimilarityConfig   `toml:"similarity"`
	Merge       MergeConfig        `toml:"merge"`
	Consensus   ConsensusConfig    `toml:"consensus"`
	Patterns    PatternsConfig     `toml:"patterns"`
	Agent       AgentConfig        `toml:"agent"`
	Shadow      ShadowConfig       `toml:"shadow"`
	Sync        SyncConfig         `toml:"sync"`
	Backlog     BacklogConfig      `toml:"backlog"`
	Worker      WorkerConfig       `toml:"worker"`
	Metrics     MetricsConfig      `toml:"metrics"`
	Server      ServerConfig       `toml:"server"`
}

// DefaultEntityTypes is the entity registry used when the file declares none.
func DefaultEntityTypes() []EntityTypeConfig {
	return []EntityTypeConfig{
		{Name: "system", Table: "systems"},
		{Name: "pain_point", Table: "pain_points"},
		{Name: "process", Table: "processes"},
		{Name: "kpi", Table: "kpis"},
		{Name: "automation_candidate", Table: "automation_candidates"},
		{Name: "inefficiency", Table: "inefficiencies"},
		{Name: "communication_channel", Table: "communication_channels"},
		{Name: "decision_point", Table: "decision_points"},
		{Name: "data_flow", Table: "data_flows"},
		{Name: "failure_mode", Table: "failure_modes"},
		{Name: "team_structure", Table: "team_structures"},
		{Name: "knowledge_gap", Table: "knowledge_gaps"},
		{Name: "success_pattern", Table: "success_patterns"},
		{Name: "budget_constraint", Table: "budget_constraints"},
		{Name: "external_dependency", Table: "external_dependencies"},
	}
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:          "file:./consolidator.db",
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
		EntityTypes: DefaultEntityTypes(),
		Embeddings: EmbeddingsConfig{
			AdaptMode:               "pad_or_truncate",
			HTTPTimeout:             Duration{60 * time.Second},
			MaxRetries:              3,
			InitialBackoff:          Duration{time.Second},
			MaxBackoff:              Duration{8 * time.Second},
			RequestTimeout:          Duration{10 * time.Second},
			CircuitBreakerThreshold: 5,
			Burst:                   1,
		},
		Similarity: SimilarityConfig{
			DefaultThreshold: 0.85,
			Thresholds: map[string]float64{
				"system":               0.85,
				"pain_point":           0.80,
				"process":              0.85,
				"kpi":                  0.90,
				"automation_candidate": 0.85,
			},
			WeightName:            0.3,
			WeightSemantic:        0.7,
			SkipSemanticThreshold: 0.95,
			StageOneFactor:        0.7,
			MaxCandidates:         5,
			CacheSize:             10000,
		},
		Merge: MergeConfig{ContradictionThreshold: 0.7},
		Consensus: ConsensusConfig{
			Divisor:              20,
			PerAttributeBonus:    0.05,
			MaxBonus:             0.20,
			ContradictionPenalty: 0.10,
			SingleSourcePenalty:  0.30,
			ReviewThreshold:      0.6,
		},
		Patterns: PatternsConfig{
			RecurringPainThreshold:     3,
			ProblematicSystemThreshold: 5,
			HighPriorityFrequency:      0.30,
		},
		Agent: AgentConfig{MaxParallelTypes: 4, PatternsInline: true},
		Shadow: ShadowConfig{
			Graph: GraphShadowConfig{Database: "neo4j"},
		},
		Sync: SyncConfig{BatchSize: 100, RollbackCount: 10},
		Backlog: BacklogConfig{
			MaxEntities:      1000,
			MaxAgeDays:       7,
			SecondsPerEntity: 2,
			ReportFile:       "backlog_report.json",
			PersistTable:     true,
		},
		Worker: WorkerConfig{
			Mode:       "consolidation",
			Interval:   Duration{60 * time.Second},
			BatchSize:  100,
			StatusFile: "worker_status.json",
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Server: ServerConfig{
			Transport: "stdio",
			Addr:      ":8080",
			Endpoint:  "/sse",
			OpsAddr:   ":8081",
		},
	}
}

// Load reads .env (if present), the TOML file at path (if present), then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg.EntityTypes = nil
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = DefaultEntityTypes()
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML bytes over the defaults without touching the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.EntityTypes = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = DefaultEntityTypes()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Database.URL, "LIBSQL_URL")
	setString(&c.Database.AuthToken, "LIBSQL_AUTH_TOKEN")
	setString(&c.Embeddings.Provider, "EMBEDDINGS_PROVIDER")
	setInt(&c.Embeddings.Dims, "EMBEDDING_DIMS")
	setString(&c.Embeddings.AdaptMode, "EMBEDDINGS_ADAPT_MODE")
	switch strings.ToLower(c.Embeddings.Provider) {
	case "openai", "localai":
		setString(&c.Embeddings.APIKey, "OPENAI_API_KEY")
		setString(&c.Embeddings.BaseURL, "OPENAI_BASE_URL")
		setString(&c.Embeddings.Model, "OPENAI_EMBEDDINGS_MODEL")
	case "ollama":
		setString(&c.Embeddings.Host, "OLLAMA_HOST")
		setString(&c.Embeddings.Model, "OLLAMA_EMBEDDINGS_MODEL")
	}
	setString(&c.Shadow.SQL.Driver, "SHADOW_SQL_DRIVER")
	setString(&c.Shadow.SQL.DSN, "SHADOW_SQL_DSN")
	setString(&c.Shadow.Graph.URI, "NEO4J_URI")
	setString(&c.Shadow.Graph.User, "NEO4J_USER")
	setString(&c.Shadow.Graph.Password, "NEO4J_PASSWORD")
	setString(&c.Backlog.Influx.URL, "INFLUXDB_URL")
	setString(&c.Backlog.Influx.Token, "INFLUXDB_TOKEN")
	setString(&c.Backlog.Influx.Org, "INFLUXDB_ORG")
	setString(&c.Backlog.Influx.Bucket, "INFLUXDB_BUCKET")
	if v := os.Getenv("METRICS_PROMETHEUS"); v != "" {
		c.Metrics.Prometheus = v == "1" || strings.EqualFold(v, "true")
	}
	setString(&c.Metrics.Addr, "METRICS_ADDR")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks ranges and identifiers.
func (c *Config) Validate() error {
	unit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be within [0,1], got %v", ErrInvalid, name, v)
		}
		return nil
	}
	checks := []error{
		unit("similarity.default_threshold", c.Similarity.DefaultThreshold),
		unit("similarity.weight_name", c.Similarity.WeightName),
		unit("similarity.weight_semantic", c.Similarity.WeightSemantic),
		unit("similarity.skip_semantic_threshold", c.Similarity.SkipSemanticThreshold),
		unit("similarity.stage_one_factor", c.Similarity.StageOneFactor),
		unit("merge.contradiction_threshold", c.Merge.ContradictionThreshold),
		unit("patterns.high_priority_frequency", c.Patterns.HighPriorityFrequency),
	}
	for name, v := range c.Similarity.Thresholds {
		checks = append(checks, unit("similarity.thresholds."+name, v))
	}
	for name, v := range c.Merge.TypeThresholds {
		checks = append(checks, unit("merge.type_thresholds."+name, v))
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.Similarity.MaxCandidates <= 0 {
		return fmt.Errorf("%w: similarity.max_candidates must be positive", ErrInvalid)
	}
	if c.Consensus.Divisor <= 0 {
		return fmt.Errorf("%w: consensus.divisor must be positive", ErrInvalid)
	}
	if c.Embeddings.Dims < 0 || c.Embeddings.Dims > 65536 {
		return fmt.Errorf("%w: embeddings.dims must be between 0 and 65536", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.EntityTypes))
	for _, et := range c.EntityTypes {
		if !identRe.MatchString(et.Name) || !identRe.MatchString(et.Table) {
			return fmt.Errorf("%w: entity type %q -> table %q is not a valid identifier", ErrInvalid, et.Name, et.Table)
		}
		if seen[et.Name] {
			return fmt.Errorf("%w: entity type %q declared twice", ErrInvalid, et.Name)
		}
		seen[et.Name] = true
	}
	switch c.Worker.Mode {
	case "monitor", "consolidation", "full":
	default:
		return fmt.Errorf("%w: worker.mode must be monitor|consolidation|full, got %q", ErrInvalid, c.Worker.Mode)
	}
	switch c.Server.Transport {
	case "stdio", "sse":
	default:
		return fmt.Errorf("%w: server.transport must be stdio|sse, got %q", ErrInvalid, c.Server.Transport)
	}
	return nil
}
