// Package clipserver provides a clip provider backed by a remote
// CLIP-as-service HTTP gateway.
//
// CLIP-as-service (https://github.com/jina-ai/clip-as-service) exposes a
// POST /post endpoint that accepts a batch of documents, each carrying either
// a "text" field or an image "uri" (data URIs are accepted), and returns the
// same documents with an "embedding" field filled in.
//
// Example usage:
//
//	p, err := clipserver.New("http://clip.internal:51000", "ViT-B-32::openai")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vecs, err := p.EncodeText(ctx, []string{"Pothole on road"})
//
// Only standard library packages are used for the transport.
package clipserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/civicsight/pkg/preprocess"
	"github.com/MrWong99/civicsight/pkg/provider/clip"
)

// DefaultBaseURL is the default address of a locally running CLIP server.
const DefaultBaseURL = "http://localhost:51000"

// DefaultModel is reported by ModelID when no model name is configured.
const DefaultModel = "ViT-B-32::openai"

// maxErrorBody caps how much of a non-200 response body is quoted in errors.
const maxErrorBody = 512

// Ensure Provider implements the clip interfaces at compile time.
var (
	_ clip.Provider   = (*Provider)(nil)
	_ clip.CacheKeyer = (*Provider)(nil)
)

// Provider implements clip.Provider using a remote CLIP-as-service gateway.
//
// Dimension resolution happens in this order:
//  1. Value supplied via WithDimensions.
//  2. Look-up in the built-in knownDimensions table.
//  3. Auto-detection from the first text embedding returned by the server.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	apiKey     string
	imageSize  int
	httpClient *http.Client

	mu         sync.Mutex
	dimensions int
}

type config struct {
	timeout    time.Duration
	dimensions int
	apiKey     string
	imageSize  int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDimensions pre-sets the embedding dimension.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// WithAPIKey sends key in the Authorization header of every request.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithImageSize sets the square resolution images are fitted to before
// upload. Default: [preprocess.DefaultImageSize].
func WithImageSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.imageSize = size
		}
	}
}

// New constructs a Provider. An empty baseURL selects DefaultBaseURL and an
// empty model selects DefaultModel. No request is issued.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("clipserver: base URL %q must start with http:// or https://", baseURL)
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{imageSize: preprocess.DefaultImageSize}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	p := &Provider{
		baseURL:    baseURL,
		model:      model,
		apiKey:     cfg.apiKey,
		imageSize:  cfg.imageSize,
		httpClient: httpClient,
		dimensions: cfg.dimensions,
	}
	if p.dimensions == 0 {
		p.dimensions = knownDimensions(model)
	}
	return p, nil
}

// document is one entry of the request and response "data" arrays.
type document struct {
	Text      string    `json:"text,omitempty"`
	URI       string    `json:"uri,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

type postRequest struct {
	Data         []document `json:"data"`
	ExecEndpoint string     `json:"execEndpoint"`
}

type postResponse struct {
	Data []document `json:"data"`
}

// EncodeImage implements clip.Provider. The image is fitted to the model's
// input resolution locally and uploaded as a PNG data URI.
func (p *Provider) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	if img == nil {
		return nil, fmt.Errorf("clipserver: encode image: nil image")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, preprocess.Fit(img, p.imageSize)); err != nil {
		return nil, fmt.Errorf("clipserver: encode image: png: %w", err)
	}
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	vecs, err := p.post(ctx, []document{{URI: uri}})
	if err != nil {
		return nil, fmt.Errorf("clipserver: encode image: %w", err)
	}
	return vecs[0], nil
}

// EncodeText implements clip.Provider.
func (p *Provider) EncodeText(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	docs := make([]document, len(texts))
	for i, t := range texts {
		docs[i] = document{Text: t}
	}
	vecs, err := p.post(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("clipserver: encode text: %w", err)
	}

	p.mu.Lock()
	if p.dimensions == 0 {
		p.dimensions = len(vecs[0])
	}
	p.mu.Unlock()
	return vecs, nil
}

// Dimensions implements clip.Provider. Returns 0 for an unknown model until
// the first successful EncodeText call.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dimensions
}

// ModelID implements clip.Provider.
func (p *Provider) ModelID() string { return p.model }

// CacheKey implements clip.CacheKeyer. Two gateways serving the same model
// name may run different weights, so the base URL is part of the key.
func (p *Provider) CacheKey() string { return p.model + "@" + p.baseURL }

// Ping issues a cheap text embedding to verify the server is reachable.
// [resilience.CLIPBreaker] calls it from its readiness check.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.post(ctx, []document{{Text: "ping"}})
	return err
}

// post sends docs to /post and returns one embedding per document, in order.
func (p *Provider) post(ctx context.Context, docs []document) ([][]float32, error) {
	body, err := json.Marshal(postRequest{Data: docs, ExecEndpoint: "/"})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/post", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result postResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Data) != len(docs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(docs), len(result.Data))
	}

	vecs := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("document %d has no embedding", i)
		}
		if i > 0 && len(d.Embedding) != len(vecs[0]) {
			return nil, fmt.Errorf("document %d has dimension %d, want %d", i, len(d.Embedding), len(vecs[0]))
		}
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// knownDimensions returns the embedding size of well-known CLIP checkpoints,
// or 0 when the model name is not recognised.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "vit-l-14"), strings.Contains(lower, "vit-l/14"):
		return 768
	case strings.Contains(lower, "vit-b-32"), strings.Contains(lower, "vit-b/32"),
		strings.Contains(lower, "vit-b-16"), strings.Contains(lower, "vit-b/16"):
		return 512
	case strings.Contains(lower, "rn50x4"):
		return 640
	case strings.Contains(lower, "rn50"), strings.Contains(lower, "rn101"):
		return 1024
	default:
		return 0
	}
}
