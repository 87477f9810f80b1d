package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// openAIProvider talks to the OpenAI embeddings API or any server that
// implements it (LocalAI, llama.cpp) when BaseURL is set.
type openAIProvider struct {
	client *openai.Client
	model  string
	dims   int
	name   string
}

func newOpenAI(cfg Config) Provider {
	apiKey := strings.TrimSpace(cfg.APIKey)
	local := cfg.BaseURL != "" && !strings.Contains(cfg.BaseURL, "api.openai.com")
	if apiKey == "" && !local {
		return nil
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	dims := 1536
	if strings.Contains(model, "large") {
		dims = 3072
	}
	if cfg.Dims > 0 {
		dims = cfg.Dims
	}
	config := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	config.HTTPClient = &http.Client{Timeout: timeout}
	name := "openai"
	if local {
		name = "localai"
	}
	return &openAIProvider{client: openai.NewClientWithConfig(config), model: model, dims: dims, name: name}
}

func (p *openAIProvider) Name() string    { return p.name }
func (p *openAIProvider) Dimensions() int { return p.dims }

func (p *openAIProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("%s embeddings error: %w", p.name, err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", p.name, len(resp.Data), len(inputs))
	}
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%s returned out-of-range embedding index %d", p.name, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func f64to32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = float32(v[i])
	}
	return out
}
