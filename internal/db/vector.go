package db

import (
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/calder-dev/mnemo/pkg/errdefs"
)

// VectorMatch is one KNN hit from the vec0 table.
type VectorMatch struct {
	EventID  string
	Distance float64
}

// SaveEmbedding stores an embedding for an event, both in the embeddings
// cache (keyed by model, survives restarts without re-embedding) and in the
// vec0 table used for KNN. Re-saving the same event id replaces its vector.
func (db *DB) SaveEmbedding(eventID string, embedding []float32, model string) error {
	embBytes := float32ToBytes(embedding)
	_, err := db.conn.Exec(`
		INSERT INTO embeddings (event_id, embedding, model, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			embedding = excluded.embedding,
			model = excluded.model,
			created_at = excluded.created_at
	`, eventID, embBytes, model, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	// vec0 virtual tables don't support ON CONFLICT, so delete first
	db.conn.Exec(`DELETE FROM vec_events WHERE event_id = ?`, eventID)
	_, err = db.conn.Exec(`
		INSERT INTO vec_events (event_id, embedding)
		VALUES (?, ?)
	`, eventID, serializeVector(embedding))

	return err
}

// GetEmbedding retrieves the stored embedding for an event; nil when absent.
func (db *DB) GetEmbedding(eventID string) ([]float32, error) {
	var embBytes []byte
	err := db.conn.QueryRow("SELECT embedding FROM embeddings WHERE event_id = ?", eventID).Scan(&embBytes)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return bytesToFloat32(embBytes), nil
}

// VectorSearch performs KNN search over the vec0 table.
func (db *DB) VectorSearch(queryEmb []float32, limit int) ([]VectorMatch, error) {
	// sqlite-vec requires the k=? constraint for KNN queries
	rows, err := db.conn.Query(`
		SELECT event_id, distance
		FROM vec_events
		WHERE embedding MATCH ? AND k = ?
	`, serializeVector(queryEmb), limit)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIndexUnavailable, "vector search: %v", err)
	}
	defer rows.Close()

	var results []VectorMatch
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.EventID, &m.Distance); err != nil {
			return nil, err
		}
		results = append(results, m)
	}

	return results, rows.Err()
}

// IndexSize returns the number of vectors currently searchable.
func (db *DB) IndexSize() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM embeddings").Scan(&count)
	return count, err
}

// EmbeddingModels returns the distinct models found in the embeddings
// cache. More than one, or one that differs from the configured provider,
// means the index needs a rebuild.
func (db *DB) EmbeddingModels() ([]string, error) {
	rows, err := db.conn.Query("SELECT DISTINCT model FROM embeddings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// ClearIndex drops all vectors and marks every event pending, forcing a
// full re-embed on the next indexer pass. The vec0 table itself is dropped
// and recreated at the current dimension, so reindexing recovers even when
// the embedding provider changed to a different vector width.
func (db *DB) ClearIndex() error {
	for _, q := range []string{
		"DROP TABLE IF EXISTS vec_events",
		"DELETE FROM embeddings",
		"UPDATE events SET indexed_at = NULL",
	} {
		if _, err := db.conn.Exec(q); err != nil {
			return err
		}
	}
	return db.createVecTable()
}

// Helper functions for embedding serialization
func float32ToBytes(floats []float32) []byte {
	bytes := make([]byte, len(floats)*4)
	for i, f := range floats {
		bits := math.Float32bits(f)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}

func bytesToFloat32(bytes []byte) []float32 {
	floats := make([]float32, len(bytes)/4)
	for i := range floats {
		bits := uint32(bytes[i*4]) | uint32(bytes[i*4+1])<<8 | uint32(bytes[i*4+2])<<16 | uint32(bytes[i*4+3])<<24
		floats[i] = math.Float32frombits(bits)
	}
	return floats
}

func serializeVector(v []float32) string {
	// sqlite-vec accepts JSON array format
	b, _ := json.Marshal(v)
	return string(b)
}
