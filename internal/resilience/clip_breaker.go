package resilience

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/MrWong99/civicsight/pkg/provider/clip"
)

// CLIPBreaker implements [clip.Provider] by forwarding to an inner provider
// through a [CircuitBreaker]. While the breaker is open every encode call
// fails immediately with an error wrapping [ErrCircuitOpen].
type CLIPBreaker struct {
	inner clip.Provider
	cb    *CircuitBreaker
}

var (
	_ clip.Provider   = (*CLIPBreaker)(nil)
	_ clip.Closer     = (*CLIPBreaker)(nil)
	_ clip.CacheKeyer = (*CLIPBreaker)(nil)
)

// pinger is implemented by remote providers that can probe their backend.
type pinger interface {
	Ping(ctx context.Context) error
}

// NewCLIPBreaker wraps inner with a breaker built from cfg. An empty cfg.Name
// defaults to "clip".
func NewCLIPBreaker(inner clip.Provider, cfg CircuitBreakerConfig) *CLIPBreaker {
	if cfg.Name == "" {
		cfg.Name = "clip"
	}
	return &CLIPBreaker{inner: inner, cb: NewCircuitBreaker(cfg)}
}

// EncodeImage implements [clip.Provider].
func (b *CLIPBreaker) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	vec, err := Call(b.cb, func() ([]float32, error) {
		return b.inner.EncodeImage(ctx, img)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%s: %w", b.cb.Name(), err)
	}
	return vec, err
}

// EncodeText implements [clip.Provider].
func (b *CLIPBreaker) EncodeText(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := Call(b.cb, func() ([][]float32, error) {
		return b.inner.EncodeText(ctx, texts)
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%s: %w", b.cb.Name(), err)
	}
	return vecs, err
}

// Dimensions implements [clip.Provider].
func (b *CLIPBreaker) Dimensions() int { return b.inner.Dimensions() }

// ModelID implements [clip.Provider].
func (b *CLIPBreaker) ModelID() string { return b.inner.ModelID() }

// CacheKey implements [clip.CacheKeyer] by delegating to the inner provider.
func (b *CLIPBreaker) CacheKey() string { return clip.CacheKey(b.inner) }

// State reports the breaker state.
func (b *CLIPBreaker) State() State { return b.cb.State() }

// Check is a readiness probe. It fails while the breaker is open and,
// otherwise, when the inner provider has a Ping method that fails. Probe
// failures do not count against the breaker.
func (b *CLIPBreaker) Check(ctx context.Context) error {
	if s := b.cb.State(); s == StateOpen {
		return fmt.Errorf("%s: %w", b.cb.Name(), ErrCircuitOpen)
	}
	if p, ok := b.inner.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s: ping: %w", b.cb.Name(), err)
		}
	}
	return nil
}

// Close closes the inner provider if it holds resources.
func (b *CLIPBreaker) Close() error {
	if c, ok := b.inner.(clip.Closer); ok {
		return c.Close()
	}
	return nil
}
