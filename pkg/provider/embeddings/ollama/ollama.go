// Package ollama embeds journal summaries with a local Ollama server, so
// reflections can be recalled without sending entries to a hosted API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lumi-journal/lumi/pkg/provider/embeddings"
)

// DefaultBaseURL is where a locally running Ollama listens.
const DefaultBaseURL = "http://localhost:11434"

// DefaultModel is used when New is given an empty model.
const DefaultModel = "nomic-embed-text"

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider against Ollama's /api/embed.
// Unknown models have their dimension measured once on first use.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client

	dimOnce sync.Once
	dims    int
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithDimensions skips measuring the dimension.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dims = n }
}

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New constructs a Provider. An empty baseURL uses [DefaultBaseURL].
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if p.dims == 0 {
		p.dims = knownDimensions(model)
	}
	return p, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("ollama embeddings: text must not be empty")
	}
	vec, err := p.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vec, nil
}

// Dimensions implements embeddings.Provider. It returns 0 when the sample
// request to the server fails.
func (p *Provider) Dimensions() int {
	p.dimOnce.Do(func() {
		if p.dims != 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if vec, err := p.embed(ctx, "dimension check"); err == nil {
			p.dims = len(vec)
		}
	})
	return p.dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *Provider) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: []string{text}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, errors.New("empty embedding in response")
	}
	return out.Embeddings[0], nil
}

func knownDimensions(model string) int {
	switch name, _, _ := strings.Cut(strings.ToLower(model), ":"); name {
	case "nomic-embed-text":
		return 768
	case "mxbai-embed-large":
		return 1024
	case "all-minilm":
		return 384
	}
	return 0
}
