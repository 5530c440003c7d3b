package embedding

import (
	"context"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// openaiAdapter calls the OpenAI embeddings endpoint, grounded on the
// teacher's clientEmbedder construction idiom (option-based client, a
// configured model name, classified errors instead of raw HTTP status
// branching upward).
type openaiAdapter struct {
	client openai.Client
	model  string
	dim    int
}

// OpenAIConfig configures the OpenAI-backed Adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIAdapter builds an Adapter backed by the OpenAI embeddings API.
func NewOpenAIAdapter(cfg OpenAIConfig) Adapter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &openaiAdapter{
		client: openai.NewClient(opts...),
		model:  model,
		dim:    Dimensions,
	}
}

func (a *openaiAdapter) Name() string   { return a.model }
func (a *openaiAdapter) Dimension() int { return a.dim }

func (a *openaiAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := a.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          a.model,
		Dimensions:     openai.Int(int64(a.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, docerr.New(docerr.TransientUpstream, "embedding.openai.EmbedBatch", err)
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[idx] = vec
	}
	return out, nil
}
