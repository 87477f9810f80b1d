package database

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// SaveEmbedding persists the vector for an entity, replacing any previous one.
func (s *Store) SaveEmbedding(ctx context.Context, entityType, entityID, model string, vector []float32) error {
	done := metrics.TimeOp("db_save_embedding")
	success := false
	defer func() { done(success) }()
	if entityID == "" || len(vector) == 0 {
		return fmt.Errorf("embedding requires an entity id and a non-empty vector")
	}
	blob := encodeVector(vector)
	res, err := s.exec(ctx, `UPDATE entity_embeddings SET model = ?, dims = ?, vector = ?, updated_at = ?
        WHERE entity_type = ? AND entity_id = ?`, model, len(vector), blob, s.dm.timestamp(), entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.exec(ctx, `INSERT INTO entity_embeddings (entity_type, entity_id, model, dims, vector, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`, entityType, entityID, model, len(vector), blob, s.dm.timestamp()); err != nil {
			return fmt.Errorf("failed to insert embedding: %w", err)
		}
	}
	success = true
	return nil
}

// LoadEmbedding returns the stored vector for an entity, or nil when none
// is stored or the stored blob is unreadable.
func (s *Store) LoadEmbedding(ctx context.Context, entityType, entityID string) ([]float32, error) {
	var (
		dims int
		blob []byte
	)
	err := s.queryRow(ctx, "SELECT dims, vector FROM entity_embeddings WHERE entity_type = ? AND entity_id = ?",
		entityType, entityID).Scan(&dims, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding: %w", err)
	}
	vec, err := ExtractVector(blob, dims)
	if err != nil {
		slog.Warn("discarding unreadable embedding", "component", "database", "entity_id", entityID, "error", err)
		return nil, nil
	}
	return vec, nil
}

// CountEmbeddings returns how many vectors are persisted.
func (s *Store) CountEmbeddings(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM entity_embeddings").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// encodeVector packs float32 values little-endian, replacing NaN and Inf with 0.
func encodeVector(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, n := range v {
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			n = 0
		}
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(n))
	}
	return out
}

// ExtractVector extracts vector from binary format (F32_BLOB)
func ExtractVector(embedding []byte, dims int) ([]float32, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if dims <= 0 {
		dims = len(embedding) / 4
	}
	expectedBytes := dims * 4
	if len(embedding) != expectedBytes {
		return nil, fmt.Errorf("invalid embedding size: expected %d bytes for %d-dimensional vector, got %d", expectedBytes, dims, len(embedding))
	}

	vector := make([]float32, dims)
	for i := 0; i < dims; i++ {
		bits := binary.LittleEndian.Uint32(embedding[i*4 : (i+1)*4])
		vector[i] = math.Float32frombits(bits)
	}

	return vector, nil
}
