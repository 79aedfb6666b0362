package preprocess

import (
	"errors"
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// DefaultContextLength is the CLIP text encoder's fixed sequence length.
const DefaultContextLength = 77

// TokenBatch is a padded batch of token sequences ready to be fed to a text
// encoder. Both slices are laid out row-major as [Rows, ContextLength].
type TokenBatch struct {
	Rows          int
	ContextLength int
	InputIDs      []int64
	AttentionMask []int64
}

// Shape returns the [Rows, ContextLength] tensor shape of the batch.
func (b TokenBatch) Shape() []int64 {
	return []int64{int64(b.Rows), int64(b.ContextLength)}
}

// Tokenizer converts label strings into CLIP token ids using a HuggingFace
// tokenizer.json definition. It is safe for concurrent use.
type Tokenizer struct {
	tk            *tokenizer.Tokenizer
	contextLength int
}

// LoadTokenizer reads the tokenizer definition at path. contextLength <= 0
// selects [DefaultContextLength].
func LoadTokenizer(path string, contextLength int) (*Tokenizer, error) {
	if path == "" {
		return nil, errors.New("preprocess: tokenizer path must not be empty")
	}
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("preprocess: load tokenizer %q: %w", path, err)
	}
	if contextLength <= 0 {
		contextLength = DefaultContextLength
	}
	return &Tokenizer{tk: tk, contextLength: contextLength}, nil
}

// ContextLength returns the fixed sequence length of every encoded row.
func (t *Tokenizer) ContextLength() int { return t.contextLength }

// Encode tokenises texts (with start/end-of-text markers) into a padded
// batch. Sequences longer than the context length are truncated with their
// final (end-of-text) token preserved.
func (t *Tokenizer) Encode(texts []string) (TokenBatch, error) {
	if len(texts) == 0 {
		return TokenBatch{}, errors.New("preprocess: no texts to encode")
	}
	seqs := make([][]int, len(texts))
	for i, text := range texts {
		enc, err := t.tk.EncodeSingle(text, true)
		if err != nil {
			return TokenBatch{}, fmt.Errorf("preprocess: tokenize %q: %w", text, err)
		}
		ids := enc.GetIds()
		if len(ids) == 0 {
			return TokenBatch{}, fmt.Errorf("preprocess: tokenize %q: no tokens", text)
		}
		seqs[i] = ids
	}
	return packBatch(seqs, t.contextLength), nil
}

// packBatch lays out seqs as a zero-padded [len(seqs), contextLength] batch.
func packBatch(seqs [][]int, contextLength int) TokenBatch {
	b := TokenBatch{
		Rows:          len(seqs),
		ContextLength: contextLength,
		InputIDs:      make([]int64, len(seqs)*contextLength),
		AttentionMask: make([]int64, len(seqs)*contextLength),
	}
	for r, ids := range seqs {
		n := len(ids)
		if n > contextLength {
			last := ids[n-1]
			ids = append(ids[:contextLength-1:contextLength-1], last)
			n = contextLength
		}
		row := r * contextLength
		for i := 0; i < n; i++ {
			b.InputIDs[row+i] = int64(ids[i])
			b.AttentionMask[row+i] = 1
		}
	}
	return b
}
