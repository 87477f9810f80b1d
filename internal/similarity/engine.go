// Package similarity finds existing entities that describe the same thing
// as a newly extracted one, combining cheap lexical scoring with semantic
// embeddings when a provider is available.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/embeddings"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// Config tunes candidate search.
type Config struct {
	DefaultThreshold      float64
	Thresholds            map[string]float64
	WeightName            float64
	WeightSemantic        float64
	SkipSemanticThreshold float64
	StageOneFactor        float64
	MaxCandidates         int
	CacheSize             int
}

// DefaultConfig returns the stock weights and per-type thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultThreshold: 0.85,
		Thresholds: map[string]float64{
			apptype.TypeSystem:              0.85,
			apptype.TypePainPoint:           0.80,
			apptype.TypeProcess:             0.85,
			apptype.TypeKPI:                 0.90,
			apptype.TypeAutomationCandidate: 0.85,
		},
		WeightName:            0.3,
		WeightSemantic:        0.7,
		SkipSemanticThreshold: 0.95,
		StageOneFactor:        0.7,
		MaxCandidates:         5,
		CacheSize:             10000,
	}
}

// EmbeddingStore persists vectors keyed by entity.
type EmbeddingStore interface {
	LoadEmbedding(ctx context.Context, entityType, entityID string) ([]float32, error)
	SaveEmbedding(ctx context.Context, entityType, entityID, model string, vector []float32) error
}

// Candidate is an existing entity scored against a new one.
type Candidate struct {
	Entity apptype.Entity
	Score  float64
}

type breaker interface {
	IsOpen() bool
	Reset()
}

// state is shared by every view of one Engine.
type state struct {
	mu    sync.Mutex
	cache map[string][]float32
	order []string

	storeMu sync.Mutex

	hits             atomic.Int64
	misses           atomic.Int64
	persistentHits   atomic.Int64
	providerCalls    atomic.Int64
	providerFailures atomic.Int64
	degraded         atomic.Int64
}

// Engine scores entity pairs. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	vocab    *Vocabulary
	provider embeddings.Provider
	store    EmbeddingStore
	logger   *slog.Logger
	st       *state
}

// Option customizes an Engine.
type Option func(*Engine)

// WithVocabulary replaces the built-in vocabulary.
func WithVocabulary(v *Vocabulary) Option {
	return func(e *Engine) {
		if v != nil {
			e.vocab = v
		}
	}
}

// WithStore sets the persistent embedding store.
func WithStore(s EmbeddingStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an Engine. A nil provider means lexical-only matching.
func New(cfg Config, provider embeddings.Provider, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = def.DefaultThreshold
	}
	if cfg.WeightName == 0 && cfg.WeightSemantic == 0 {
		cfg.WeightName, cfg.WeightSemantic = def.WeightName, def.WeightSemantic
	}
	if cfg.SkipSemanticThreshold <= 0 {
		cfg.SkipSemanticThreshold = def.SkipSemanticThreshold
	}
	if cfg.StageOneFactor <= 0 {
		cfg.StageOneFactor = def.StageOneFactor
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	e := &Engine{
		cfg:      cfg,
		vocab:    DefaultVocabulary(),
		provider: provider,
		logger:   slog.Default(),
		st:       &state{cache: make(map[string][]float32)},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "similarity")
	return e
}

// Using returns a view of e that reads and writes persistent embeddings
// through store while sharing the cache, breaker and counters.
func (e *Engine) Using(store EmbeddingStore) *Engine {
	view := *e
	view.store = store
	return &view
}

// Vocabulary returns the tables the engine normalizes with.
func (e *Engine) Vocabulary() *Vocabulary { return e.vocab }

// Threshold returns the acceptance threshold for entityType.
func (e *Engine) Threshold(entityType string) float64 {
	if t, ok := e.cfg.Thresholds[entityType]; ok && t > 0 {
		return t
	}
	return e.cfg.DefaultThreshold
}

// NormalizeName lowercases name, strips punctuation and removes the filler
// words registered for entityType. If every token is filler the tokens are
// kept so that a non-empty name never normalizes to "".
func (e *Engine) NormalizeName(name, entityType string) string {
	tokens := tokenize(name)
	kept := tokens[:0:0]
	for _, t := range tokens {
		if !e.vocab.IsFiller(entityType, t) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		kept = tokens
	}
	return strings.Join(kept, " ")
}

// LexicalScore is the token-set similarity of two normalized names.
func (e *Engine) LexicalScore(a, b, entityType string) float64 {
	return TokenSetRatio(e.NormalizeName(a, entityType), e.NormalizeName(b, entityType))
}

// FindCandidates returns the existing entities that plausibly describe
// newEntity, best first. Lexical scoring prunes the field before any
// embedding is requested.
func (e *Engine) FindCandidates(ctx context.Context, newEntity apptype.Entity, entityType string, existing []apptype.Entity) []Candidate {
	name := newEntity.Name()
	if strings.TrimSpace(name) == "" {
		return nil
	}
	threshold := e.Threshold(entityType)
	floor := e.cfg.StageOneFactor * threshold
	norm := e.NormalizeName(name, entityType)

	stage1 := make([]Candidate, 0, len(existing))
	for _, ex := range existing {
		if ex.ID != "" && ex.ID == newEntity.ID {
			continue
		}
		exName := ex.Name()
		if strings.TrimSpace(exName) == "" {
			continue
		}
		score := TokenSetRatio(norm, e.NormalizeName(exName, entityType))
		if score >= floor {
			stage1 = append(stage1, Candidate{Entity: ex, Score: score})
		}
	}
	sort.SliceStable(stage1, func(i, j int) bool { return stage1[i].Score > stage1[j].Score })
	if limit := 2 * e.cfg.MaxCandidates; len(stage1) > limit {
		stage1 = stage1[:limit]
	}

	var newVec []float32
	newVecTried := false
	out := make([]Candidate, 0, len(stage1))
	for _, c := range stage1 {
		lexical := c.Score
		if lexical >= e.cfg.SkipSemanticThreshold {
			out = append(out, c)
			continue
		}
		if !newVecTried {
			newVecTried = true
			newVec = e.embeddingOrNil(ctx, name, entityType, newEntity.ID)
		}
		score := lexical
		if sem, ok := e.semantic(ctx, newVec, c.Entity, entityType); ok {
			score = e.cfg.WeightName*lexical + e.cfg.WeightSemantic*sem
		} else {
			e.st.degraded.Add(1)
		}
		if score >= threshold {
			out = append(out, Candidate{Entity: c.Entity, Score: clamp01(score)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > e.cfg.MaxCandidates {
		out = out[:e.cfg.MaxCandidates]
	}
	return out
}

// Similarity scores two entities of the same type in [0,1]. Without a
// usable embedding the lexical score is returned alone.
func (e *Engine) Similarity(ctx context.Context, a, b apptype.Entity) float64 {
	entityType := a.EntityType
	if entityType == "" {
		entityType = b.EntityType
	}
	lexical := e.LexicalScore(a.Name(), b.Name(), entityType)
	if lexical >= e.cfg.SkipSemanticThreshold {
		return lexical
	}
	vec := e.embeddingOrNil(ctx, a.Name(), entityType, a.ID)
	if sem, ok := e.semantic(ctx, vec, b, entityType); ok {
		return clamp01(e.cfg.WeightName*lexical + e.cfg.WeightSemantic*sem)
	}
	e.st.degraded.Add(1)
	return lexical
}

func (e *Engine) semantic(ctx context.Context, vec []float32, other apptype.Entity, entityType string) (float64, bool) {
	if vec == nil {
		return 0, false
	}
	otherVec := e.embeddingOrNil(ctx, other.Name(), entityType, other.ID)
	if otherVec == nil {
		return 0, false
	}
	return Cosine(vec, otherVec)
}

func (e *Engine) embeddingOrNil(ctx context.Context, text, entityType, entityID string) []float32 {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	vec, err := e.GetEmbedding(ctx, text, entityType, entityID)
	if err != nil {
		if !errors.Is(err, embeddings.ErrCircuitOpen) && !errors.Is(err, embeddings.ErrProviderUnavailable) {
			e.logger.Debug("embedding unavailable, using lexical score", "entity_type", entityType, "error", err)
		}
		return nil
	}
	return vec
}

// GetEmbedding returns the vector for text, checking the in-process cache,
// then the persistent store when entityID is known, then the provider.
// Results are written through to both caches.
func (e *Engine) GetEmbedding(ctx context.Context, text, entityType, entityID string) ([]float32, error) {
	key := entityType + "|" + text
	if vec, ok := e.cacheGet(key); ok {
		e.st.hits.Add(1)
		metrics.Default().IncEmbeddingCache("hit")
		return vec, nil
	}
	e.st.misses.Add(1)
	metrics.Default().IncEmbeddingCache("miss")

	if entityID != "" && e.store != nil {
		e.st.storeMu.Lock()
		vec, err := e.store.LoadEmbedding(ctx, entityType, entityID)
		e.st.storeMu.Unlock()
		if err != nil {
			e.logger.Warn("failed to load persisted embedding", "entity_type", entityType, "entity_id", entityID, "error", err)
		} else if len(vec) > 0 {
			e.st.persistentHits.Add(1)
			metrics.Default().IncEmbeddingCache("persistent")
			e.cachePut(key, vec)
			return vec, nil
		}
	}

	if e.provider == nil {
		return nil, embeddings.ErrProviderUnavailable
	}
	if b, ok := e.provider.(breaker); ok && b.IsOpen() {
		return nil, embeddings.ErrCircuitOpen
	}
	e.st.providerCalls.Add(1)
	vecs, err := e.provider.Embed(ctx, []string{text})
	if err != nil {
		e.st.providerFailures.Add(1)
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		e.st.providerFailures.Add(1)
		return nil, fmt.Errorf("provider %s returned no embedding", e.provider.Name())
	}
	vec := vecs[0]
	e.cachePut(key, vec)
	if entityID != "" && e.store != nil {
		e.st.storeMu.Lock()
		err := e.store.SaveEmbedding(ctx, entityType, entityID, e.provider.Name(), vec)
		e.st.storeMu.Unlock()
		if err != nil {
			e.logger.Warn("failed to persist embedding", "entity_type", entityType, "entity_id", entityID, "error", err)
		}
	}
	return vec, nil
}

func (e *Engine) cacheGet(key string) ([]float32, bool) {
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	v, ok := e.st.cache[key]
	return v, ok
}

// cachePut inserts key, evicting the oldest entries past CacheSize.
func (e *Engine) cachePut(key string, vec []float32) {
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	if _, ok := e.st.cache[key]; !ok {
		e.st.order = append(e.st.order, key)
	}
	e.st.cache[key] = vec
	for len(e.st.order) > e.cfg.CacheSize {
		delete(e.st.cache, e.st.order[0])
		e.st.order = e.st.order[1:]
	}
}

// CircuitOpen reports whether the provider's breaker is open.
func (e *Engine) CircuitOpen() bool {
	if b, ok := e.provider.(breaker); ok {
		return b.IsOpen()
	}
	return false
}

// ResetCircuit closes the provider's breaker, if it has one.
func (e *Engine) ResetCircuit() {
	if b, ok := e.provider.(breaker); ok {
		b.Reset()
	}
}

// ProviderName returns the embedding provider name, or "none".
func (e *Engine) ProviderName() string {
	if e.provider == nil {
		return "none"
	}
	return e.provider.Name()
}

// ProviderDims returns the provider's dimensionality, or 0.
func (e *Engine) ProviderDims() int {
	if e.provider == nil {
		return 0
	}
	return e.provider.Dimensions()
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() apptype.EmbeddingStats {
	e.st.mu.Lock()
	size := len(e.st.cache)
	e.st.mu.Unlock()
	return apptype.EmbeddingStats{
		CacheHits:           e.st.hits.Load(),
		CacheMisses:         e.st.misses.Load(),
		PersistentHits:      e.st.persistentHits.Load(),
		ProviderCalls:       e.st.providerCalls.Load(),
		ProviderFailures:    e.st.providerFailures.Load(),
		DegradedComparisons: e.st.degraded.Load(),
		CacheSize:           size,
		CircuitOpen:         e.CircuitOpen(),
	}
}

// Cosine returns (cos+1)/2 for two vectors of equal, non-zero length.
// The second result is false when the vectors cannot be compared.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return clamp01((cos + 1) / 2), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
