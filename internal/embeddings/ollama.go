package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"
)

type ollamaProvider struct {
	host  string
	model string
	dims  int
	http  *http.Client
}

func newOllama(cfg Config) Provider {
	if cfg.Host == "" {
		return nil
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	dims := 768
	if cfg.Dims > 0 {
		dims = cfg.Dims
	}
	// default to 60s to tolerate cold model loads
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ollamaProvider{host: cfg.Host, model: model, dims: dims, http: &http.Client{Timeout: timeout}}
}

func (p *ollamaProvider) Name() string    { return "ollama" }
func (p *ollamaProvider) Dimensions() int { return p.dims }

func (p *ollamaProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	base, err := url.Parse(p.host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}
	// Prefer /api/embed (v0.2.6+); fall back to the legacy per-prompt endpoint
	embedURL := *base
	embedURL.Path = path.Join(embedURL.Path, "/api/embed")
	body, _ := json.Marshal(map[string]any{"model": p.model, "input": inputs})

	resp, err := p.post(ctx, embedURL.String(), body)
	if err != nil && isTimeout(err) && ctx.Err() == nil {
		// one retry for cold model start
		resp, err = p.post(ctx, embedURL.String(), body)
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		return p.embedLegacy(ctx, base, inputs)
	}
	defer resp.Body.Close()
	if err := ollamaStatusError(resp); err != nil {
		return nil, err
	}
	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if len(out.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(out.Embeddings), len(inputs))
	}
	return out.Embeddings, nil
}

func (p *ollamaProvider) embedLegacy(ctx context.Context, base *url.URL, inputs []string) ([][]float32, error) {
	legacyURL := *base
	legacyURL.Path = path.Join(legacyURL.Path, "/api/embeddings")
	results := make([][]float32, 0, len(inputs))
	for _, in := range inputs {
		body, _ := json.Marshal(map[string]any{"model": p.model, "prompt": in})
		resp, err := p.post(ctx, legacyURL.String(), body)
		if err != nil {
			return nil, err
		}
		if err := ollamaStatusError(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		var single struct {
			Embedding []float64 `json:"embedding"`
		}
		err = json.NewDecoder(resp.Body).Decode(&single)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode ollama response: %w", err)
		}
		if len(single.Embedding) == 0 {
			return nil, fmt.Errorf("ollama returned no embedding")
		}
		results = append(results, f64to32(single.Embedding))
	}
	return results, nil
}

func (p *ollamaProvider) post(ctx context.Context, target string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.http.Do(req)
}

func ollamaStatusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var b struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&b)
	if b.Error != "" {
		return fmt.Errorf("ollama error: %s", b.Error)
	}
	return fmt.Errorf("ollama http status: %s", resp.Status)
}

// isTimeout returns true if the error represents a timeout
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
