// Package detect implements zero-shot scenario classification: an uploaded
// photo is embedded with a CLIP provider and compared against the cached
// embeddings of a fixed label catalog. The label with the highest softmax
// probability wins.
//
// A [Classifier] is built once at startup by [New], which embeds the catalog
// (or loads it from a [vectorcache.Store]). After construction it is
// immutable and safe for concurrent use by any number of request handlers.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/civicsight/internal/observe"
	"github.com/MrWong99/civicsight/pkg/preprocess"
	"github.com/MrWong99/civicsight/pkg/provider/clip"
	"github.com/MrWong99/civicsight/pkg/vectorcache"
)

// Result is the outcome of a single classification.
type Result struct {
	// Scenario is the winning catalog label.
	Scenario string

	// Index is the position of Scenario in the catalog.
	Index int

	// Scores holds the softmax probability of every catalog label, aligned
	// with [Classifier.Labels]. The values sum to 1.
	Scores []float64
}

// Classifier scores images against a fixed label catalog.
type Classifier struct {
	provider     clip.Provider
	providerName string
	labels       []string
	textVecs     [][]float32
	dims         int
	normalize    bool
	logitScale   float64
	metrics      *observe.Metrics
}

type options struct {
	cache        vectorcache.Store
	normalize    bool
	logitScale   float64
	metrics      *observe.Metrics
	providerName string
}

// Option configures a [Classifier].
type Option func(*options)

// WithVectorCache loads label embeddings from store when present and writes
// them back after encoding. Cache failures are logged and never fatal.
func WithVectorCache(store vectorcache.Store) Option {
	return func(o *options) { o.cache = store }
}

// WithNormalize L2-normalises image and label embeddings before the inner
// product, turning scores into cosine similarities.
func WithNormalize(enabled bool) Option {
	return func(o *options) { o.normalize = enabled }
}

// WithLogitScale multiplies every inner product by scale before the softmax.
// Non-positive values are ignored. Default: 1.
func WithLogitScale(scale float64) Option {
	return func(o *options) {
		if scale > 0 {
			o.logitScale = scale
		}
	}
}

// WithMetrics records classification metrics to m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithProviderName sets the provider attribute on provider metrics. Default:
// the provider's model ID.
func WithProviderName(name string) Option {
	return func(o *options) { o.providerName = name }
}

// New embeds labels with p and returns a ready Classifier. Labels are
// normalised with [NormalizeCatalog]. New fails if the catalog is invalid or
// the provider returns the wrong number of vectors or inconsistent
// dimensions.
func New(ctx context.Context, p clip.Provider, labels []string, opts ...Option) (*Classifier, error) {
	if p == nil {
		return nil, errors.New("detect: provider is nil")
	}
	o := options{logitScale: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.providerName == "" {
		o.providerName = p.ModelID()
	}

	norm, err := NormalizeCatalog(labels)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		provider:     p,
		providerName: o.providerName,
		labels:       norm,
		normalize:    o.normalize,
		logitScale:   o.logitScale,
		metrics:      o.metrics,
	}

	vecs, err := c.loadLabelVectors(ctx, o.cache)
	if err != nil {
		return nil, err
	}
	c.dims = len(vecs[0])
	c.textVecs = vecs
	if c.normalize {
		c.textVecs = make([][]float32, len(vecs))
		for i, v := range vecs {
			c.textVecs[i] = l2Normalize(v)
		}
	}
	return c, nil
}

// loadLabelVectors returns one validated vector per label, from the cache if
// it holds a usable entry and from the provider otherwise.
func (c *Classifier) loadLabelVectors(ctx context.Context, cache vectorcache.Store) ([][]float32, error) {
	model := clip.CacheKey(c.provider)

	if cache != nil {
		vecs, ok, err := cache.Get(ctx, model, c.labels)
		switch {
		case err != nil:
			slog.Warn("detect: label cache read failed, encoding labels", "model", model, "err", err)
		case ok:
			verr := c.validateLabelVectors(vecs)
			if verr == nil {
				slog.Info("detect: label embeddings loaded from cache", "model", model, "labels", len(vecs))
				return vecs, nil
			}
			slog.Warn("detect: cached label embeddings unusable, re-encoding", "model", model, "err", verr)
		}
	}

	ctx, span := observe.StartSpan(ctx, "detect.encode_labels",
		trace.WithAttributes(attribute.Int("labels", len(c.labels))))
	start := time.Now()
	vecs, err := c.provider.EncodeText(ctx, c.labels)
	c.metrics.TextEncodeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.recordProvider(ctx, "text", err)
		observe.EndSpan(span, err)
		return nil, fmt.Errorf("detect: encode labels: %w", err)
	}
	c.recordProvider(ctx, "text", nil)
	if err := c.validateLabelVectors(vecs); err != nil {
		observe.EndSpan(span, err)
		return nil, err
	}
	observe.EndSpan(span, nil)

	if cache != nil {
		if err := cache.Put(ctx, model, c.labels, vecs); err != nil {
			slog.Warn("detect: label cache write failed", "model", model, "err", err)
		}
	}
	return vecs, nil
}

// validateLabelVectors checks count and dimensionality of label vectors.
func (c *Classifier) validateLabelVectors(vecs [][]float32) error {
	if len(vecs) != len(c.labels) {
		return fmt.Errorf("detect: provider returned %d label vectors for %d labels", len(vecs), len(c.labels))
	}
	want := c.provider.Dimensions()
	if want == 0 {
		want = len(vecs[0])
	}
	if want == 0 {
		return errors.New("detect: provider returned empty label vectors")
	}
	for i, v := range vecs {
		if len(v) != want {
			return fmt.Errorf("detect: label %q has dimension %d, want %d", c.labels[i], len(v), want)
		}
	}
	return nil
}

// Classify decodes data, embeds the image and returns the most probable
// catalog label. Errors match [ErrDecode] or [ErrModel].
func (c *Classifier) Classify(ctx context.Context, data []byte) (Result, error) {
	img, err := preprocess.Decode(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return c.ClassifyImage(ctx, img)
}

// ClassifyImage is like [Classifier.Classify] for an already decoded image.
func (c *Classifier) ClassifyImage(ctx context.Context, img image.Image) (res Result, err error) {
	if img == nil {
		return Result{}, fmt.Errorf("%w: nil image", ErrDecode)
	}

	ctx, span := observe.StartSpan(ctx, "detect.classify")
	start := time.Now()
	defer func() {
		c.metrics.ClassifyDuration.Record(ctx, time.Since(start).Seconds())
		if err == nil {
			span.SetAttributes(attribute.String("scenario", res.Scenario))
		}
		observe.EndSpan(span, err)
	}()

	encStart := time.Now()
	vec, err := c.provider.EncodeImage(ctx, img)
	c.metrics.ImageEncodeDuration.Record(ctx, time.Since(encStart).Seconds(),
		metric.WithAttributes(attribute.String("provider", c.providerName)))
	c.recordProvider(ctx, "image", err)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode image: %w", ErrModel, err)
	}

	scores, err := c.score(vec)
	if err != nil {
		return Result{}, err
	}
	idx := argmax(scores)
	res = Result{Scenario: c.labels[idx], Index: idx, Scores: scores}

	c.metrics.RecordDetection(ctx, res.Scenario)
	observe.Logger(ctx).Debug("detect: classified image",
		"scenario", res.Scenario, "probability", scores[idx], "duration", time.Since(start))
	return res, nil
}

// score turns an image vector into a probability for every label.
func (c *Classifier) score(vec []float32) ([]float64, error) {
	if len(vec) != c.dims {
		return nil, fmt.Errorf("%w: image vector has dimension %d, labels have %d", ErrModel, len(vec), c.dims)
	}
	if c.normalize {
		vec = l2Normalize(vec)
	}
	logits := make([]float64, len(c.textVecs))
	for i, tv := range c.textVecs {
		logits[i] = c.logitScale * dot(vec, tv)
	}
	if !finite(logits) {
		return nil, fmt.Errorf("%w: non-finite similarity", ErrModel)
	}
	return softmax(logits), nil
}

func (c *Classifier) recordProvider(ctx context.Context, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, c.providerName, kind)
	}
	c.metrics.RecordProviderRequest(ctx, c.providerName, kind, status)
}

// Labels returns a copy of the normalised catalog in scoring order.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// ModelID returns the identifier of the underlying checkpoint.
func (c *Classifier) ModelID() string {
	return c.provider.ModelID()
}

// Dimensions returns the embedding dimensionality shared by labels and images.
func (c *Classifier) Dimensions() int {
	return c.dims
}
