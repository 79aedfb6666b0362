// Package preprocess converts raw request payloads into the input layout a
// CLIP-style model expects.
//
// The image branch decodes uploaded bytes into an RGB pixel grid, fits it to
// the model's square input resolution (resize shortest side, centre crop) and
// normalises it into a CHW float32 tensor with a batch dimension of one. The
// text branch tokenises label strings into fixed-length token id batches.
//
// All functions are safe for concurrent use. A [Tokenizer] is immutable after
// construction.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned (wrapped) by [Decode] when the payload cannot be
// interpreted as a supported raster image.
var ErrDecode = errors.New("preprocess: cannot decode image")

// CLIP normalisation constants (OpenAI CLIP / HuggingFace CLIPImageProcessor).
var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// DefaultImageSize is the square input resolution of ViT-B/32.
const DefaultImageSize = 224

// ImageConfig describes the pixel layout expected by the visual encoder.
type ImageConfig struct {
	// Size is the side length of the square model input.
	Size int

	// Mean and Std are the per-channel (R, G, B) normalisation constants
	// applied after rescaling pixel values to [0, 1].
	Mean [3]float32
	Std  [3]float32
}

// DefaultImageConfig returns the ViT-B/32 preprocessing configuration.
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		Size: DefaultImageSize,
		Mean: ClipMean,
		Std:  ClipStd,
	}
}

// withDefaults fills zero fields with [DefaultImageConfig] values.
func (c ImageConfig) withDefaults() ImageConfig {
	d := DefaultImageConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.Mean == ([3]float32{}) {
		c.Mean = d.Mean
	}
	if c.Std == ([3]float32{}) {
		c.Std = d.Std
	}
	return c
}

// Decode parses data as an image in any registered format (JPEG, PNG, GIF,
// WebP, BMP, TIFF) and applies the EXIF orientation tag when present.
//
// An empty payload, corrupt or truncated data, and unknown formats all yield
// an error wrapping [ErrDecode].
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, nil
}

// Fit scales img so that its shorter side equals size (bicubic resampling)
// and crops the centre size×size square. The result is always RGBA-backed
// with opaque semantics expected by [ImageTensor].
func Fit(img image.Image, size int) *image.NRGBA {
	return imaging.Fill(img, size, size, imaging.Center, imaging.CatmullRom)
}
