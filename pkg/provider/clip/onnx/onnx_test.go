package onnx

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	ort "github.com/yalue/onnxruntime_go"
)

func TestNew_RequiresPaths(t *testing.T) {
	tests := []Paths{
		{},
		{Visual: "v.onnx", Text: "t.onnx"},
		{Visual: "v.onnx", Tokenizer: "tokenizer.json"},
		{Text: "t.onnx", Tokenizer: "tokenizer.json"},
	}
	for _, paths := range tests {
		if _, err := New(paths); err == nil {
			t.Errorf("New(%+v) returned nil error", paths)
		}
	}
}

func TestNew_MissingTokenizerFile(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Paths{
		Visual:    filepath.Join(dir, "visual.onnx"),
		Text:      filepath.Join(dir, "textual.onnx"),
		Tokenizer: filepath.Join(dir, "missing.json"),
	})
	if err == nil {
		t.Fatal("expected error for missing tokenizer file")
	}
}

func TestSplitRows(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}

	rows, err := splitRows(ort.NewShape(2, 3), data)
	if err != nil {
		t.Fatalf("splitRows: %v", err)
	}
	if len(rows) != 2 || len(rows[0]) != 3 {
		t.Fatalf("rows = %v, want 2x3", rows)
	}
	if rows[1][0] != 4 {
		t.Errorf("rows[1][0] = %v, want 4", rows[1][0])
	}

	// Rows must not alias the runtime-owned buffer.
	data[0] = 42
	if rows[0][0] != 1 {
		t.Error("row aliases the source buffer")
	}

	single, err := splitRows(ort.NewShape(3), []float32{7, 8, 9})
	if err != nil {
		t.Fatalf("splitRows 1-D: %v", err)
	}
	if len(single) != 1 || single[0][2] != 9 {
		t.Errorf("single = %v", single)
	}
}

func TestSplitRows_ShapeMismatch(t *testing.T) {
	tests := []struct {
		name  string
		shape ort.Shape
		n     int
	}{
		{"too few values", ort.NewShape(2, 4), 6},
		{"3-D output", ort.NewShape(1, 2, 3), 6},
		{"zero dim", ort.NewShape(1, 0), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := splitRows(tc.shape, make([]float32, tc.n)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// TestProvider_Integration runs a real checkpoint. It needs the onnxruntime
// shared library and an exported CLIP model directory containing
// visual.onnx, textual.onnx and tokenizer.json.
func TestProvider_Integration(t *testing.T) {
	lib := os.Getenv("CIVICSIGHT_TEST_ORT_LIB")
	modelDir := os.Getenv("CIVICSIGHT_TEST_CLIP_DIR")
	if lib == "" || modelDir == "" {
		t.Skip("CIVICSIGHT_TEST_ORT_LIB / CIVICSIGHT_TEST_CLIP_DIR not set — skipping ONNX integration test")
	}

	p, err := New(Paths{
		Visual:    filepath.Join(modelDir, "visual.onnx"),
		Text:      filepath.Join(modelDir, "textual.onnx"),
		Tokenizer: filepath.Join(modelDir, "tokenizer.json"),
	}, WithLibraryPath(lib), WithMaxConcurrency(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	ctx := context.Background()
	texts, err := p.EncodeText(ctx, []string{"Pothole on road", "Clean road"})
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	if len(texts) != 2 || len(texts[0]) != p.Dimensions() {
		t.Fatalf("text vectors: got %d x %d, want 2 x %d", len(texts), len(texts[0]), p.Dimensions())
	}

	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{R: 90, G: 90, B: 90, A: 255})
		}
	}
	a, err := p.EncodeImage(ctx, img)
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	b, err := p.EncodeImage(ctx, img)
	if err != nil {
		t.Fatalf("EncodeImage (2nd): %v", err)
	}
	if len(a) != p.Dimensions() {
		t.Fatalf("image vector length = %d, want %d", len(a), p.Dimensions())
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("inference is not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}
	paths := Paths{
		Visual:    write("visual.onnx", "visual-v1"),
		Text:      write("textual.onnx", "text-v1"),
		Tokenizer: write("tokenizer.json", `{"model":"bpe"}`),
	}
	cfg := config{
		modelID:       DefaultModelID,
		textInput:     DefaultTextInput,
		textMaskInput: DefaultTextMaskInput,
		textOutput:    DefaultTextOutput,
		useMask:       true,
	}

	base, err := fingerprint(paths, cfg)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if again, _ := fingerprint(paths, cfg); again != base {
		t.Errorf("fingerprint not stable: %q vs %q", base, again)
	}

	// The explicit default context length is the same checkpoint.
	cfg77 := cfg
	cfg77.contextLength = 77
	if got, _ := fingerprint(paths, cfg77); got != base {
		t.Errorf("context_length 77 changed key: %q vs %q", got, base)
	}

	// Only the text side determines label embeddings.
	write("visual.onnx", "visual-v2")
	if got, _ := fingerprint(paths, cfg); got != base {
		t.Errorf("visual graph change altered key: %q vs %q", got, base)
	}

	changes := map[string]func() (string, error){
		"text graph": func() (string, error) {
			p := paths
			p.Text = write("textual-ft.onnx", "text-finetuned")
			return fingerprint(p, cfg)
		},
		"tokenizer": func() (string, error) {
			p := paths
			p.Tokenizer = write("tokenizer-2.json", `{"model":"bpe","v":2}`)
			return fingerprint(p, cfg)
		},
		"context length": func() (string, error) {
			c := cfg
			c.contextLength = 64
			return fingerprint(paths, c)
		},
		"mask input": func() (string, error) {
			c := cfg
			c.useMask = false
			return fingerprint(paths, c)
		},
	}
	for name, fn := range changes {
		got, err := fn()
		if err != nil {
			t.Fatalf("%s: fingerprint: %v", name, err)
		}
		if got == base {
			t.Errorf("%s change did not alter key %q", name, got)
		}
	}
}

func TestFingerprint_MissingFile(t *testing.T) {
	_, err := fingerprint(Paths{Text: filepath.Join(t.TempDir(), "missing.onnx")}, config{})
	if err == nil {
		t.Fatal("expected error for missing text graph")
	}
}
