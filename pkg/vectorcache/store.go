// Package vectorcache defines the Store interface used to persist label text
// embeddings between restarts.
//
// Encoding the scenario catalog is the only text inference the detection
// service performs. Caching the resulting vectors keyed by model checkpoint
// and normalised label lets a restarted instance skip that step entirely. A
// cache never stores anything derived from uploaded images.
package vectorcache

import "context"

// Store is a read-through cache of label embeddings.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the cached vectors for labels under model, in the same order
	// as labels. ok is false if any label is missing; partial hits are never
	// returned.
	Get(ctx context.Context, model string, labels []string) (vecs [][]float32, ok bool, err error)

	// Put stores vecs[i] as the embedding of labels[i] under model, replacing
	// any existing entries. len(vecs) must equal len(labels).
	Put(ctx context.Context, model string, labels []string, vecs [][]float32) error
}
