package database

import (
	"os"
	"time"
)

// EntityType maps an entity type to the table its rows live in.
type EntityType struct {
	Name  string
	Table string
}

// Config holds the database configuration
type Config struct {
	URL             string
	AuthToken       string
	EntityTypes     []EntityType
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdle     time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultEntityTypes is the built-in entity registry.
func DefaultEntityTypes() []EntityType {
	return []EntityType{
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

// NewConfig creates a new Config from environment variables
func NewConfig() *Config {
	url := os.Getenv("LIBSQL_URL")
	if url == "" {
		url = "file:./consolidator.db"
	}

	authToken := os.Getenv("LIBSQL_AUTH_TOKEN")

	return &Config{
		URL:         url,
		AuthToken:   authToken,
		EntityTypes: DefaultEntityTypes(),
	}
}
