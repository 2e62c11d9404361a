package embeddings

import (
	"context"
	"hash/fnv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

const localDimensions = 256

// Local is a deterministic, offline embedding provider. It hashes word
// n-grams into a fixed-dimension bag-of-features vector, so similar texts
// land near each other and identical texts embed identically. Used by the
// seed command and by tests; not a substitute for a real model.
type Local struct {
	dimensions int
}

// NewLocal creates a deterministic local embedding provider
func NewLocal() *Local {
	return &Local{dimensions: localDimensions}
}

// Embed generates a deterministic embedding for a single text
func (l *Local) Embed(_ context.Context, text string) ([]float32, error) {
	vec64 := make([]float64, l.dimensions)
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		l.bump(vec64, w, 1.0)
		if i+1 < len(words) {
			l.bump(vec64, w+" "+words[i+1], 0.5)
		}
	}

	if norm := floats.Norm(vec64, 2); norm > 0 {
		floats.Scale(1/norm, vec64)
	}

	vec := make([]float32, l.dimensions)
	for i, v := range vec64 {
		vec[i] = float32(v)
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Model returns the model name
func (l *Local) Model() string {
	return "local-ngram-v1"
}

// Dimensions returns the embedding dimensions
func (l *Local) Dimensions() int {
	return l.dimensions
}

func (l *Local) bump(vec []float64, token string, weight float64) {
	h := fnv.New32a()
	h.Write([]byte(token))
	idx := int(h.Sum32()) % len(vec)
	if idx < 0 {
		idx += len(vec)
	}
	vec[idx] += weight
}
