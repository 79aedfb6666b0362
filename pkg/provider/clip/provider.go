// Package clip defines the Provider interface for joint image/text embedding
// backends such as OpenAI CLIP.
//
// A clip provider maps images and text strings into the same vector space, so
// that the inner product between an image vector and a text vector measures
// how well the text describes the image. The detection service uses this to
// score an uploaded photo against a fixed catalog of scenario labels.
//
// Implementations must be safe for concurrent use.
package clip

import (
	"context"
	"image"
)

// Provider is the abstraction over any multimodal embedding backend.
//
// Image and text vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different Provider
// instances must not be compared unless both use the same checkpoint.
//
// Implementations must be deterministic for a fixed checkpoint and must run
// in inference mode only.
type Provider interface {
	// EncodeImage computes the embedding vector of a decoded image. The
	// provider applies its own resize/crop/normalise preprocessing. Returns a
	// float32 slice of length Dimensions() or an error if inference fails or
	// ctx is cancelled.
	EncodeImage(ctx context.Context, img image.Image) ([]float32, error)

	// EncodeText computes embedding vectors for a batch of text strings. The
	// returned slice has the same length as texts and the i-th element
	// corresponds to texts[i]. Partial results are never returned.
	EncodeText(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the checkpoint identifier (e.g., "ViT-B/32") for logs
	// and health output. Label-embedding caches key on [CacheKey] instead.
	ModelID() string
}

// Closer is implemented by providers that hold native resources (ONNX
// sessions, connection pools) which must be released on shutdown.
type Closer interface {
	Close() error
}

// CacheKeyer is implemented by providers that can fingerprint the exact
// weights and tokenizer they serve. Two providers with equal cache keys must
// produce identical text embeddings.
type CacheKeyer interface {
	CacheKey() string
}

// CacheKey returns p's fingerprint for label-embedding caches: CacheKey()
// when p implements [CacheKeyer], ModelID() otherwise.
func CacheKey(p Provider) string {
	if k, ok := p.(CacheKeyer); ok {
		if key := k.CacheKey(); key != "" {
			return key
		}
	}
	return p.ModelID()
}
