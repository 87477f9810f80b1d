package consolidator

import (
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/backlog"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/cdc"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/config"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/consensus"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/consolidation"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/database"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/embeddings"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/merge"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/patterns"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/similarity"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/worker"
)

// The helpers below map the file configuration onto each package's own
// Config so the internal packages never import internal/config.

func databaseConfig(c *config.Config) *database.Config {
	types := make([]database.EntityType, 0, len(c.EntityTypes))
	for _, et := range c.EntityTypes {
		types = append(types, database.EntityType{Name: et.Name, Table: et.Table})
	}
	return &database.Config{
		URL:             c.Database.URL,
		AuthToken:       c.Database.AuthToken,
		EntityTypes:     types,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxIdle:     c.Database.ConnMaxIdle.Duration,
		ConnMaxLifetime: c.Database.ConnMaxLifetime.Duration,
	}
}

func embeddingsConfig(c *config.Config) embeddings.Config {
	e := c.Embeddings
	return embeddings.Config{
		Provider:    e.Provider,
		Model:       e.Model,
		BaseURL:     e.BaseURL,
		APIKey:      e.APIKey,
		Host:        e.Host,
		Dims:        e.Dims,
		AdaptMode:   e.AdaptMode,
		HTTPTimeout: e.HTTPTimeout.Duration,
	}
}

func resilientConfig(c *config.Config) embeddings.ResilientConfig {
	e := c.Embeddings
	return embeddings.ResilientConfig{
		MaxRetries:              e.MaxRetries,
		InitialBackoff:          e.InitialBackoff.Duration,
		MaxBackoff:              e.MaxBackoff.Duration,
		RequestTimeout:          e.RequestTimeout.Duration,
		CircuitBreakerThreshold: e.CircuitBreakerThreshold,
		RatePerSecond:           e.RatePerSecond,
		Burst:                   e.Burst,
	}
}

func similarityConfig(c *config.Config) similarity.Config {
	s := c.Similarity
	return similarity.Config{
		DefaultThreshold:      s.DefaultThreshold,
		Thresholds:            s.Thresholds,
		WeightName:            s.WeightName,
		WeightSemantic:        s.WeightSemantic,
		SkipSemanticThreshold: s.SkipSemanticThreshold,
		StageOneFactor:        s.StageOneFactor,
		MaxCandidates:         s.MaxCandidates,
		CacheSize:             s.CacheSize,
	}
}

func mergeConfig(c *config.Config) merge.Config {
	return merge.Config{
		ContradictionThreshold: c.Merge.ContradictionThreshold,
		TypeThresholds:         c.Merge.TypeThresholds,
	}
}

func consensusConfig(c *config.Config) consensus.Config {
	k := c.Consensus
	return consensus.Config{
		Divisor:              float64(k.Divisor),
		PerAttributeBonus:    k.PerAttributeBonus,
		MaxBonus:             k.MaxBonus,
		ContradictionPenalty: k.ContradictionPenalty,
		SingleSourcePenalty:  k.SingleSourcePenalty,
		ReviewThreshold:      k.ReviewThreshold,
	}
}

func patternsConfig(c *config.Config) patterns.Config {
	return patterns.Config{
		RecurringPainThreshold:     c.Patterns.RecurringPainThreshold,
		ProblematicSystemThreshold: c.Patterns.ProblematicSystemThreshold,
		HighPriorityFrequency:      c.Patterns.HighPriorityFrequency,
	}
}

func agentConfig(c *config.Config) consolidation.Config {
	return consolidation.Config{
		MaxParallelTypes: c.Agent.MaxParallelTypes,
		PatternsInline:   c.Agent.PatternsInline,
	}
}

func syncConfig(c *config.Config) cdc.Config {
	return cdc.Config{BatchSize: c.Sync.BatchSize, RollbackCount: c.Sync.RollbackCount}
}

func backlogConfig(c *config.Config) backlog.Config {
	return backlog.Config{
		MaxEntities:      c.Backlog.MaxEntities,
		MaxAgeDays:       c.Backlog.MaxAgeDays,
		SecondsPerEntity: c.Backlog.SecondsPerEntity,
	}
}

func workerConfig(c *config.Config) worker.Config {
	return worker.Config{
		Mode:       c.Worker.Mode,
		BatchSize:  c.Worker.BatchSize,
		DryRun:     c.Worker.DryRun,
		StatusFile: c.Worker.StatusFile,
		MaxCycles:  c.Worker.MaxCycles,
	}
}
