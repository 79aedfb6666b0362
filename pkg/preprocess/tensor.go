package preprocess

import (
	"fmt"
	"image"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	// Shape holds the dimensions, outermost first.
	Shape []int64

	// Data holds product(Shape) values.
	Data []float32
}

// Len returns the number of elements implied by Shape.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// ImageTensor converts img into a normalised [1, 3, Size, Size] CHW tensor.
//
// The image is fitted with [Fit], converted to RGB by discarding the alpha
// channel, rescaled to [0, 1] and normalised per channel with cfg.Mean and
// cfg.Std. Zero-valued cfg fields fall back to [DefaultImageConfig].
func ImageTensor(img image.Image, cfg ImageConfig) (Tensor, error) {
	if img == nil {
		return Tensor{}, fmt.Errorf("%w: nil image", ErrDecode)
	}
	cfg = cfg.withDefaults()
	fitted := Fit(img, cfg.Size)

	size := cfg.Size
	plane := size * size
	data := make([]float32, 3*plane)

	for y := 0; y < size; y++ {
		row := fitted.Pix[y*fitted.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				data[c*plane+idx] = (v - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}

	return Tensor{
		Shape: []int64{1, 3, int64(size), int64(size)},
		Data:  data,
	}, nil
}
