// Package mock provides a test double for the clip.Provider interface.
//
// Use Provider to return pre-canned vectors without a live model and to
// verify which images and texts were submitted for encoding.
//
// Example:
//
//	p := &mock.Provider{
//	    ImageResult:     []float32{1, 0},
//	    TextResult:      [][]float32{{1, 0}, {0, 1}},
//	    DimensionsValue: 2,
//	    ModelIDValue:    "test-clip",
//	}
//	vec, _ := p.EncodeImage(ctx, img)
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/MrWong99/civicsight/pkg/provider/clip"
)

// EncodeImageCall records a single invocation of EncodeImage.
type EncodeImageCall struct {
	// Ctx is the context passed to EncodeImage.
	Ctx context.Context
	// Image is the image passed to EncodeImage.
	Image image.Image
}

// EncodeTextCall records a single invocation of EncodeText.
type EncodeTextCall struct {
	// Ctx is the context passed to EncodeText.
	Ctx context.Context
	// Texts is a copy of the string slice passed to EncodeText.
	Texts []string
}

// Provider is a mock implementation of clip.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ImageResult is returned by EncodeImage.
	ImageResult []float32

	// ImageFunc, if non-nil, takes precedence over ImageResult and lets a
	// test derive the vector from the image content.
	ImageFunc func(img image.Image) ([]float32, error)

	// ImageErr, if non-nil, is returned as the error from EncodeImage.
	ImageErr error

	// TextResult is returned by EncodeText. If nil, a slice of nil vectors
	// matching the length of texts is returned.
	TextResult [][]float32

	// TextErr, if non-nil, is returned as the error from EncodeText.
	TextErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// CacheKeyValue is returned by CacheKey. Empty falls back to ModelIDValue.
	CacheKeyValue string

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	// ImageCalls records every call to EncodeImage in order.
	ImageCalls []EncodeImageCall

	// TextCalls records every call to EncodeText in order.
	TextCalls []EncodeTextCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// EncodeImage records the call and returns ImageFunc(img), or ImageResult and
// ImageErr.
func (p *Provider) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	p.mu.Lock()
	p.ImageCalls = append(p.ImageCalls, EncodeImageCall{Ctx: ctx, Image: img})
	fn, res, err := p.ImageFunc, p.ImageResult, p.ImageErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(img)
	}
	return res, nil
}

// EncodeText records the call and returns TextResult, TextErr.
func (p *Provider) EncodeText(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.TextCalls = append(p.TextCalls, EncodeTextCall{Ctx: ctx, Texts: cp})
	if p.TextErr != nil {
		return nil, p.TextErr
	}
	if p.TextResult != nil {
		return p.TextResult, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// CacheKey returns CacheKeyValue, or ModelIDValue when it is empty.
func (p *Provider) CacheKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CacheKeyValue != "" {
		return p.CacheKeyValue
	}
	return p.ModelIDValue
}

// Close records the call and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return p.CloseErr
}

// ImageCallCount returns the number of recorded EncodeImage calls. Thread-safe.
func (p *Provider) ImageCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ImageCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ImageCalls = nil
	p.TextCalls = nil
	p.CloseCallCount = 0
}

// Ensure Provider implements clip.Provider at compile time.
var (
	_ clip.Provider   = (*Provider)(nil)
	_ clip.Closer     = (*Provider)(nil)
	_ clip.CacheKeyer = (*Provider)(nil)
)
