// Package onnx provides a clip provider that runs a CLIP checkpoint locally
// through ONNX Runtime.
//
// The checkpoint is expected as a split export: one graph for the visual
// tower (pixel_values → image_embeds) and one for the text tower
// (input_ids [+ attention_mask] → text_embeds), plus the HuggingFace
// tokenizer.json of the same checkpoint. This is the layout produced by
// `optimum-cli export onnx --task feature-extraction` for CLIP models and by
// most "clip-onnx" conversion scripts.
//
// Example usage:
//
//	p, err := onnx.New(onnx.Paths{
//	    Visual:    "models/clip/visual.onnx",
//	    Text:      "models/clip/textual.onnx",
//	    Tokenizer: "models/clip/tokenizer.json",
//	}, onnx.WithLibraryPath("/usr/lib/libonnxruntime.so"))
package onnx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/civicsight/pkg/preprocess"
	"github.com/MrWong99/civicsight/pkg/provider/clip"
)

// DefaultModelID names the checkpoint when none is configured.
const DefaultModelID = "ViT-B/32"

// Default tensor names of the HuggingFace CLIP ONNX export.
const (
	DefaultImageInput     = "pixel_values"
	DefaultImageOutput    = "image_embeds"
	DefaultTextInput      = "input_ids"
	DefaultTextMaskInput  = "attention_mask"
	DefaultTextOutput     = "text_embeds"
	defaultDimensionsHint = 512
)

// Ensure Provider implements the clip interfaces at compile time.
var (
	_ clip.Provider   = (*Provider)(nil)
	_ clip.Closer     = (*Provider)(nil)
	_ clip.CacheKeyer = (*Provider)(nil)
)

// envMu guards the process-wide ONNX Runtime environment, which may only be
// initialised once and is shared by every Provider.
var (
	envMu    sync.Mutex
	envUsers int
)

// Paths locates the files that make up a split CLIP export.
type Paths struct {
	Visual    string
	Text      string
	Tokenizer string
}

// Provider implements clip.Provider on top of two ONNX Runtime sessions.
//
// Sessions are created once in [New] and are reentrant; concurrent inference
// is bounded by a weighted semaphore (see [WithMaxConcurrency]).
type Provider struct {
	cfg       config
	visual    *ort.DynamicAdvancedSession
	text      *ort.DynamicAdvancedSession
	tokenizer *preprocess.Tokenizer
	sem       *semaphore.Weighted
	dims      int
	cacheKey  string

	closeOnce sync.Once
}

type config struct {
	libraryPath    string
	modelID        string
	imageInput     string
	imageOutput    string
	textInput      string
	textMaskInput  string
	textOutput     string
	useMask        bool
	imageConfig    preprocess.ImageConfig
	contextLength  int
	maxConcurrency int64
	intraOpThreads int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithLibraryPath sets the path of the onnxruntime shared library. When empty
// the platform default name is used.
func WithLibraryPath(path string) Option {
	return func(c *config) { c.libraryPath = path }
}

// WithModelID overrides the reported checkpoint identifier.
func WithModelID(id string) Option {
	return func(c *config) {
		if id != "" {
			c.modelID = id
		}
	}
}

// WithImageTensorNames overrides the visual graph's input and output names.
func WithImageTensorNames(input, output string) Option {
	return func(c *config) {
		if input != "" {
			c.imageInput = input
		}
		if output != "" {
			c.imageOutput = output
		}
	}
}

// WithTextTensorNames overrides the text graph's token input and output
// names. An empty mask name disables the attention_mask input, which is what
// OpenAI-style exports (single "text" input) need.
func WithTextTensorNames(input, mask, output string) Option {
	return func(c *config) {
		if input != "" {
			c.textInput = input
		}
		c.textMaskInput = mask
		c.useMask = mask != ""
		if output != "" {
			c.textOutput = output
		}
	}
}

// WithImageConfig overrides the visual preprocessing (input size, mean, std).
func WithImageConfig(ic preprocess.ImageConfig) Option {
	return func(c *config) { c.imageConfig = ic }
}

// WithContextLength sets the text encoder's sequence length. Default 77.
func WithContextLength(n int) Option {
	return func(c *config) { c.contextLength = n }
}

// WithMaxConcurrency bounds the number of concurrent inference calls.
// Default: runtime.NumCPU().
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxConcurrency = int64(n)
		}
	}
}

// WithIntraOpThreads sets the ONNX Runtime intra-op thread count for both
// sessions. Zero leaves the runtime default.
func WithIntraOpThreads(n int) Option {
	return func(c *config) { c.intraOpThreads = n }
}

// New loads the tokenizer and both ONNX graphs. Loading takes seconds for a
// ViT-B/32 checkpoint; any failure is returned and nothing is leaked.
func New(paths Paths, opts ...Option) (*Provider, error) {
	if paths.Visual == "" || paths.Text == "" || paths.Tokenizer == "" {
		return nil, errors.New("onnx clip: visual, text and tokenizer paths are required")
	}

	cfg := config{
		modelID:        DefaultModelID,
		imageInput:     DefaultImageInput,
		imageOutput:    DefaultImageOutput,
		textInput:      DefaultTextInput,
		textMaskInput:  DefaultTextMaskInput,
		textOutput:     DefaultTextOutput,
		useMask:        true,
		imageConfig:    preprocess.DefaultImageConfig(),
		maxConcurrency: int64(runtime.NumCPU()),
	}
	for _, o := range opts {
		o(&cfg)
	}

	tok, err := preprocess.LoadTokenizer(paths.Tokenizer, cfg.contextLength)
	if err != nil {
		return nil, fmt.Errorf("onnx clip: %w", err)
	}

	key, err := fingerprint(paths, cfg)
	if err != nil {
		return nil, fmt.Errorf("onnx clip: %w", err)
	}

	if err := acquireEnv(cfg.libraryPath); err != nil {
		return nil, err
	}

	p := &Provider{
		cfg:       cfg,
		tokenizer: tok,
		sem:       semaphore.NewWeighted(cfg.maxConcurrency),
		cacheKey:  key,
	}

	sessOpts, err := newSessionOptions(cfg.intraOpThreads)
	if err != nil {
		releaseEnv()
		return nil, err
	}
	if sessOpts != nil {
		defer sessOpts.Destroy()
	}

	p.visual, err = ort.NewDynamicAdvancedSession(paths.Visual,
		[]string{cfg.imageInput}, []string{cfg.imageOutput}, sessOpts)
	if err != nil {
		releaseEnv()
		return nil, fmt.Errorf("onnx clip: load visual graph %q: %w", paths.Visual, err)
	}

	textInputs := []string{cfg.textInput}
	if cfg.useMask {
		textInputs = append(textInputs, cfg.textMaskInput)
	}
	p.text, err = ort.NewDynamicAdvancedSession(paths.Text,
		textInputs, []string{cfg.textOutput}, sessOpts)
	if err != nil {
		p.visual.Destroy()
		releaseEnv()
		return nil, fmt.Errorf("onnx clip: load text graph %q: %w", paths.Text, err)
	}

	p.dims = outputDimensions(paths.Text, cfg.textOutput)
	return p, nil
}

// EncodeImage implements clip.Provider.
func (p *Provider) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	t, err := preprocess.ImageTensor(img, p.cfg.imageConfig)
	if err != nil {
		return nil, fmt.Errorf("onnx clip: encode image: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
	if err != nil {
		return nil, fmt.Errorf("onnx clip: encode image: input tensor: %w", err)
	}
	defer input.Destroy()

	rows, err := p.run(ctx, p.visual, []ort.Value{input})
	if err != nil {
		return nil, fmt.Errorf("onnx clip: encode image: %w", err)
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("onnx clip: encode image: expected 1 embedding, got %d", len(rows))
	}
	return rows[0], nil
}

// EncodeText implements clip.Provider. All texts are encoded in one batch.
func (p *Provider) EncodeText(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batch, err := p.tokenizer.Encode(texts)
	if err != nil {
		return nil, fmt.Errorf("onnx clip: encode text: %w", err)
	}

	shape := ort.NewShape(batch.Shape()...)
	ids, err := ort.NewTensor(shape, batch.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("onnx clip: encode text: ids tensor: %w", err)
	}
	defer ids.Destroy()
	inputs := []ort.Value{ids}

	if p.cfg.useMask {
		mask, err := ort.NewTensor(shape, batch.AttentionMask)
		if err != nil {
			return nil, fmt.Errorf("onnx clip: encode text: mask tensor: %w", err)
		}
		defer mask.Destroy()
		inputs = append(inputs, mask)
	}

	rows, err := p.run(ctx, p.text, inputs)
	if err != nil {
		return nil, fmt.Errorf("onnx clip: encode text: %w", err)
	}
	if len(rows) != len(texts) {
		return nil, fmt.Errorf("onnx clip: encode text: expected %d embeddings, got %d", len(texts), len(rows))
	}
	return rows, nil
}

// Dimensions implements clip.Provider. The value is read from the text
// graph's output metadata at load time; 512 is assumed when the graph leaves
// it symbolic.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements clip.Provider.
func (p *Provider) ModelID() string { return p.cfg.modelID }

// CacheKey implements clip.CacheKeyer. It combines the model ID with a
// digest of the text graph, the tokenizer file, the context length and the
// text tensor names, so swapping any of them invalidates cached labels.
func (p *Provider) CacheKey() string { return p.cacheKey }

// Close destroys both sessions and releases this provider's hold on the
// ONNX Runtime environment. It is safe to call more than once.
func (p *Provider) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		if p.visual != nil {
			errs = append(errs, p.visual.Destroy())
		}
		if p.text != nil {
			errs = append(errs, p.text.Destroy())
		}
		errs = append(errs, releaseEnv())
	})
	return errors.Join(errs...)
}

// run executes session with inputs under the concurrency semaphore and
// returns the single float32 output split into rows.
func (p *Provider) run(ctx context.Context, session *ort.DynamicAdvancedSession, inputs []ort.Value) ([][]float32, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	outputs := []ort.Value{nil}
	if err := session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	return splitRows(tensor.GetShape(), tensor.GetData())
}

// fingerprint hashes everything that determines the text embeddings.
func fingerprint(paths Paths, cfg config) (string, error) {
	h := sha256.New()
	for _, path := range []string{paths.Text, paths.Tokenizer} {
		if err := hashFile(h, path); err != nil {
			return "", err
		}
	}
	ctxLen := cfg.contextLength
	if ctxLen <= 0 {
		ctxLen = preprocess.DefaultContextLength
	}
	mask := ""
	if cfg.useMask {
		mask = cfg.textMaskInput
	}
	for _, s := range []string{strconv.Itoa(ctxLen), cfg.textInput, mask, cfg.textOutput} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return cfg.modelID + "@" + hex.EncodeToString(h.Sum(nil))[:16], nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fingerprint %q: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("fingerprint %q: %w", path, err)
	}
	return nil
}

// splitRows copies a [rows, dim] tensor into independent slices. A 1-D
// output is treated as a single row.
func splitRows(shape ort.Shape, data []float32) ([][]float32, error) {
	var rows, dim int
	switch len(shape) {
	case 1:
		rows, dim = 1, int(shape[0])
	case 2:
		rows, dim = int(shape[0]), int(shape[1])
	default:
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	if rows*dim != len(data) || dim == 0 {
		return nil, fmt.Errorf("output shape %v does not match %d values", shape, len(data))
	}
	out := make([][]float32, rows)
	for r := range out {
		row := make([]float32, dim)
		copy(row, data[r*dim:(r+1)*dim])
		out[r] = row
	}
	return out, nil
}

// outputDimensions inspects the named output of the graph at path and
// returns its last dimension.
func outputDimensions(path, output string) int {
	_, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return defaultDimensionsHint
	}
	for _, o := range outputs {
		if o.Name != output || len(o.Dimensions) == 0 {
			continue
		}
		if d := o.Dimensions[len(o.Dimensions)-1]; d > 0 {
			return int(d)
		}
	}
	return defaultDimensionsHint
}

func newSessionOptions(intraOpThreads int) (*ort.SessionOptions, error) {
	if intraOpThreads <= 0 {
		return nil, nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx clip: session options: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraOpThreads); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("onnx clip: set intra-op threads: %w", err)
	}
	return opts, nil
}

// acquireEnv initialises the ONNX Runtime environment on first use.
func acquireEnv(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 && !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx clip: initialise onnxruntime: %w", err)
		}
	}
	envUsers++
	return nil
}

// releaseEnv tears the environment down when the last provider is closed.
func releaseEnv() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 {
		return nil
	}
	envUsers--
	if envUsers == 0 && ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			return fmt.Errorf("onnx clip: destroy onnxruntime: %w", err)
		}
	}
	return nil
}
