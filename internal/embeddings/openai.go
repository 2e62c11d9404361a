package embeddings

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/calder-dev/mnemo/pkg/errdefs"
)

const (
	defaultModel      = "text-embedding-3-small"
	defaultDimensions = 1536
)

// OpenAI embeds event text through the OpenAI embeddings API. Stored
// vectors are keyed by model name, so swapping models means a reindex.
type OpenAI struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAI returns a provider on the default embedding model.
func NewOpenAI(apiKey string) *OpenAI {
	return NewOpenAIWithModel(apiKey, defaultModel, defaultDimensions)
}

// NewOpenAIWithModel pins the provider to a specific model. dimensions must
// match what the model emits; the vec0 table is sized from it.
func NewOpenAIWithModel(apiKey, model string, dimensions int) *OpenAI {
	return &OpenAI{
		client:     openai.NewClient(apiKey),
		model:      model,
		dimensions: dimensions,
	}
}

// Embed returns the vector for one text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return nil, errdefs.New("openai returned no embedding")
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in a single request.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, errdefs.Wrap(err, "openai embeddings request")
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Model identifies the producing model.
func (o *OpenAI) Model() string {
	return o.model
}

// Dimensions is the width of the vectors this provider emits.
func (o *OpenAI) Dimensions() int {
	return o.dimensions
}
