package similarity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/embeddings"
)

type stubProvider struct {
	calls atomic.Int64
	fail  atomic.Bool
	vec   []float32
}

func (p *stubProvider) Name() string    { return "stub" }
func (p *stubProvider) Dimensions() int { return len(p.vec) }

func (p *stubProvider) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	p.calls.Add(1)
	if p.fail.Load() {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = append([]float32(nil), p.vec...)
	}
	return out, nil
}

type memStore struct {
	mu   sync.Mutex
	vecs map[string][]float32
}

func (m *memStore) LoadEmbedding(_ context.Context, entityType, entityID string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vecs[entityType+"/"+entityID], nil
}

func (m *memStore) SaveEmbedding(_ context.Context, entityType, entityID, _ string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vecs == nil {
		m.vecs = map[string][]float32{}
	}
	m.vecs[entityType+"/"+entityID] = vector
	return nil
}

func entity(id, entityType, name string) apptype.Entity {
	return apptype.Entity{ID: id, EntityType: entityType, Attributes: map[string]any{"name": name}}
}

func TestNormalizeName(t *testing.T) {
	e := New(DefaultConfig(), nil)
	assert.Equal(t, "sap", e.NormalizeName("Sistema SAP", apptype.TypeSystem))
	assert.Equal(t, "sap", e.NormalizeName("  SAP   software!! ", apptype.TypeSystem))
	assert.Equal(t, "invoice approval", e.NormalizeName("Invoice-approval process", apptype.TypeProcess))
	// all filler: keep the tokens instead of returning ""
	assert.Equal(t, "system", e.NormalizeName("System", apptype.TypeSystem))
	// filler words are per type
	assert.Equal(t, "process tool", e.NormalizeName("Process Tool", apptype.TypeKPI))
	assert.Equal(t, "", e.NormalizeName("", apptype.TypeSystem))
}

func TestTokenSetRatio(t *testing.T) {
	assert.Equal(t, 1.0, TokenSetRatio("excel", "excel"))
	assert.Equal(t, 1.0, TokenSetRatio("approval invoice", "invoice approval"))
	assert.InDelta(t, 0.75, TokenSetRatio("salesforce crm", "salesforce cloud"), 1e-9)
	assert.Equal(t, 0.0, TokenSetRatio("excel", ""))
	assert.Less(t, TokenSetRatio("jira", "excel"), 0.5)
}

func TestFindCandidatesLexicalSkipsProvider(t *testing.T) {
	p := &stubProvider{vec: []float32{1, 0, 0}}
	e := New(DefaultConfig(), p)

	existing := []apptype.Entity{
		entity("s1", apptype.TypeSystem, "Jira"),
		entity("s2", apptype.TypeSystem, "Excel"),
	}
	got := e.FindCandidates(context.Background(), entity("", apptype.TypeSystem, "excel"), apptype.TypeSystem, existing)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].Entity.ID)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Zero(t, p.calls.Load())
}

func TestFindCandidatesCombinesSemanticScore(t *testing.T) {
	p := &stubProvider{vec: []float32{1, 0, 0}}
	e := New(DefaultConfig(), p)
	existing := []apptype.Entity{entity("s1", apptype.TypeSystem, "Salesforce Cloud")}

	got := e.FindCandidates(context.Background(), entity("n1", apptype.TypeSystem, "Salesforce CRM"), apptype.TypeSystem, existing)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.3*0.75+0.7*1.0, got[0].Score, 1e-9)
	assert.Equal(t, int64(2), p.calls.Load())
}

func TestFindCandidatesOrderingAndCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidates = 2
	e := New(cfg, nil)
	existing := []apptype.Entity{
		entity("a", apptype.TypeSystem, "Excel"),
		entity("b", apptype.TypeSystem, "excel"),
		entity("c", apptype.TypeSystem, "EXCEL software"),
		entity("d", apptype.TypeSystem, "Word"),
	}
	got := e.FindCandidates(context.Background(), entity("", apptype.TypeSystem, "Excel"), apptype.TypeSystem, existing)
	require.Len(t, got, 2)
	// equal scores keep input order
	assert.Equal(t, "a", got[0].Entity.ID)
	assert.Equal(t, "b", got[1].Entity.ID)
}

func TestFindCandidatesDegradesWithoutProvider(t *testing.T) {
	e := New(DefaultConfig(), nil)
	existing := []apptype.Entity{entity("s1", apptype.TypeSystem, "Salesforce Cloud")}
	got := e.FindCandidates(context.Background(), entity("", apptype.TypeSystem, "Salesforce CRM"), apptype.TypeSystem, existing)
	assert.Empty(t, got, "0.75 lexical is below the 0.85 threshold")
	assert.Equal(t, int64(1), e.Stats().DegradedComparisons)
}

func TestBreakerOpensAndSimilarityFallsBackToLexical(t *testing.T) {
	p := &stubProvider{vec: []float32{1, 0, 0}}
	p.fail.Store(true)
	r := embeddings.NewResilient(p, embeddings.ResilientConfig{MaxRetries: 1, CircuitBreakerThreshold: 2})
	e := New(DefaultConfig(), r)
	ctx := context.Background()
	a := entity("", apptype.TypeSystem, "Salesforce CRM")
	b := entity("", apptype.TypeSystem, "Salesforce Cloud")

	for i := 0; i < 2; i++ {
		assert.InDelta(t, 0.75, e.Similarity(ctx, a, b), 1e-9)
	}
	require.True(t, e.CircuitOpen())
	calls := p.calls.Load()

	for i := 0; i < 3; i++ {
		assert.InDelta(t, 0.75, e.Similarity(ctx, a, b), 1e-9)
	}
	assert.Equal(t, calls, p.calls.Load(), "no provider calls while open")
	assert.True(t, e.Stats().CircuitOpen)

	p.fail.Store(false)
	e.ResetCircuit()
	assert.False(t, e.CircuitOpen())
	assert.InDelta(t, 0.925, e.Similarity(ctx, a, b), 1e-9)
}

func TestGetEmbeddingLookupOrder(t *testing.T) {
	store := &memStore{}
	p := &stubProvider{vec: []float32{0, 1}}
	e := New(DefaultConfig(), p, WithStore(store))
	ctx := context.Background()

	v, err := e.GetEmbedding(ctx, "Excel", apptype.TypeSystem, "s1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, v)
	assert.Equal(t, []float32{0, 1}, store.vecs["system/s1"])

	_, err = e.GetEmbedding(ctx, "Excel", apptype.TypeSystem, "s1")
	require.NoError(t, err)
	st := e.Stats()
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, int64(1), st.ProviderCalls)

	// a fresh engine finds the vector in the persistent store
	fresh := New(DefaultConfig(), nil, WithStore(store))
	v, err = fresh.GetEmbedding(ctx, "Excel", apptype.TypeSystem, "s1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, v)
	assert.Equal(t, int64(1), fresh.Stats().PersistentHits)

	_, err = fresh.GetEmbedding(ctx, "Jira", apptype.TypeSystem, "")
	assert.ErrorIs(t, err, embeddings.ErrProviderUnavailable)
}

func TestUsingSharesCacheAndCounters(t *testing.T) {
	p := &stubProvider{vec: []float32{1, 1}}
	e := New(DefaultConfig(), p)
	view := e.Using(&memStore{})
	_, err := view.GetEmbedding(context.Background(), "Excel", apptype.TypeSystem, "s1")
	require.NoError(t, err)
	_, err = e.GetEmbedding(context.Background(), "Excel", apptype.TypeSystem, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Stats().CacheHits)
	assert.Equal(t, int64(1), p.calls.Load())
}

func TestCacheEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheSize = 2
	e := New(cfg, &stubProvider{vec: []float32{1}})
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		_, err := e.GetEmbedding(ctx, s, apptype.TypeSystem, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, e.Stats().CacheSize)
	_, ok := e.cacheGet("system|a")
	assert.False(t, ok)
}

func TestCosine(t *testing.T) {
	s, ok := Cosine([]float32{1, 0}, []float32{1, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, s, 1e-9)
	s, ok = Cosine([]float32{1, 0}, []float32{-1, 0})
	require.True(t, ok)
	assert.InDelta(t, 0.0, s, 1e-9)
	s, _ = Cosine([]float32{1, 0}, []float32{0, 1})
	assert.InDelta(t, 0.5, s, 1e-9)
	_, ok = Cosine([]float32{1}, []float32{1, 0})
	assert.False(t, ok)
	_, ok = Cosine([]float32{0, 0}, []float32{1, 0})
	assert.False(t, ok)
}

func TestVocabulary(t *testing.T) {
	v := DefaultVocabulary()
	assert.True(t, v.Synonymous("Alta", "high"))
	assert.True(t, v.Synonymous("diario", "Daily"))
	assert.False(t, v.Synonymous("daily", "weekly"))
	assert.True(t, v.IsMetadata("interview_id"))
	assert.False(t, v.IsMetadata("frequency"))

	custom, err := ParseVocabulary([]byte("filler_words:\n  widget: [gizmo]\nsynonyms:\n  - [big, large]\n"))
	require.NoError(t, err)
	assert.True(t, custom.IsFiller("widget", "gizmo"))
	assert.Equal(t, "big", custom.Canonical(" LARGE "))
}
