package features

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Extractor maps an image to a feature stack. Implementations must be
// deterministic and produce maps matching Shapes().
type Extractor interface {
	Extract(ctx context.Context, img image.Image) (*Stack, error)

	// Shapes declares every level's shape, finest last.
	Shapes() []Shape

	// SkipChannels is the channel count of the low-level map, or 0 when
	// none is produced.
	SkipChannels() int
}

// pyramidChannels are r, g, b, luminance and the two luminance gradients.
const pyramidChannels = 6

// skipChannels are r, g, b and luminance at full input resolution.
const skipChannels = 4

// PyramidExtractor is a fixed, weight-free extractor producing an image
// pyramid of color and gradient channels. Levels go from coarse to fine.
type PyramidExtractor struct {
	// InputSize is the square size the image is resized to.
	InputSize int

	// NumLevels is the number of pyramid levels. Each level halves the
	// resolution of the next one.
	NumLevels int

	// WithSkip enables the full-resolution low-level map.
	WithSkip bool
}

// NewPyramidExtractor creates a pyramid extractor.
func NewPyramidExtractor(inputSize, numLevels int, withSkip bool) (*PyramidExtractor, error) {
	if numLevels < 1 {
		return nil, errors.Errorf("pyramid needs at least one level, got %d", numLevels)
	}
	if inputSize>>(numLevels-1) < 2 {
		return nil, errors.Errorf("input size %d too small for %d levels", inputSize, numLevels)
	}
	return &PyramidExtractor{InputSize: inputSize, NumLevels: numLevels, WithSkip: withSkip}, nil
}

// Shapes implements Extractor.
func (p *PyramidExtractor) Shapes() []Shape {
	shapes := make([]Shape, p.NumLevels)
	for l := range shapes {
		s := p.levelSize(l)
		shapes[l] = Shape{Channels: pyramidChannels, Height: s, Width: s}
	}
	return shapes
}

// SkipChannels implements Extractor.
func (p *PyramidExtractor) SkipChannels() int {
	if p.WithSkip {
		return skipChannels
	}
	return 0
}

func (p *PyramidExtractor) levelSize(l int) int {
	return p.InputSize >> (p.NumLevels - 1 - l)
}

// Extract implements Extractor.
func (p *PyramidExtractor) Extract(ctx context.Context, img image.Image) (*Stack, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	base := imaging.Resize(img, p.InputSize, p.InputSize, imaging.Linear)

	stack := &Stack{Levels: make([]*FeatureMap, p.NumLevels)}
	for l := 0; l < p.NumLevels; l++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := p.levelSize(l)
		lvl := base
		if s != p.InputSize {
			lvl = imaging.Resize(base, s, s, imaging.Box)
		}
		stack.Levels[l] = pyramidLevel(lvl)
	}
	if p.WithSkip {
		stack.Skip = colorMap(base, skipChannels)
	}
	return stack, nil
}

// colorMap reads r, g, b and luminance planes (the first n of them) from img.
func colorMap(img *image.NRGBA, n int) *FeatureMap {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	fm := NewFeatureMap(n, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*img.Stride + x*4
			r := float64(img.Pix[i]) / 255
			g := float64(img.Pix[i+1]) / 255
			bl := float64(img.Pix[i+2]) / 255
			vals := [4]float64{r, g, bl, 0.299*r + 0.587*g + 0.114*bl}
			for c := 0; c < n && c < len(vals); c++ {
				fm.Set(c, y, x, vals[c])
			}
		}
	}
	return fm
}

func pyramidLevel(img *image.NRGBA) *FeatureMap {
	col := colorMap(img, 4)
	fm := NewFeatureMap(pyramidChannels, col.Height, col.Width)
	copy(fm.Data, col.Data)

	lum := col.Plane(3)
	w, h := col.Width, col.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			xl, xr := max(x-1, 0), min(x+1, w-1)
			yu, yd := max(y-1, 0), min(y+1, h-1)
			fm.Set(4, y, x, (lum[y*w+xr]-lum[y*w+xl])/2)
			fm.Set(5, y, x, (lum[yd*w+x]-lum[yu*w+x])/2)
		}
	}
	return fm
}

// GlobalEncoder reduces an ROI feature map to a fixed-width descriptor.
type GlobalEncoder interface {
	Encode(roi *FeatureMap) ([]float64, error)
	Width() int
}

// PoolingEncoder concatenates per-channel mean and max.
type PoolingEncoder struct {
	Channels int
}

// Width implements GlobalEncoder.
func (e PoolingEncoder) Width() int { return 2 * e.Channels }

// Encode implements GlobalEncoder.
func (e PoolingEncoder) Encode(roi *FeatureMap) ([]float64, error) {
	if roi.Channels != e.Channels {
		return nil, errors.Wrapf(ErrShape, "global encoder expects %d channels, got %d", e.Channels, roi.Channels)
	}
	out := make([]float64, 2*e.Channels)
	n := float64(roi.Height * roi.Width)
	for c := 0; c < e.Channels; c++ {
		plane := roi.Plane(c)
		out[c] = floats.Sum(plane) / n
		out[e.Channels+c] = floats.Max(plane)
	}
	return out, nil
}

// MaskDecoder predicts a 1 x H x W silhouette from an ROI feature map.
type MaskDecoder interface {
	Decode(roi *FeatureMap) (*FeatureMap, error)
}

// LinearMaskDecoder applies a per-pixel linear map across channels
// followed by a sigmoid.
type LinearMaskDecoder struct {
	Weights []float64
	Bias    float64
}

// Decode implements MaskDecoder.
func (d LinearMaskDecoder) Decode(roi *FeatureMap) (*FeatureMap, error) {
	if roi.Channels != len(d.Weights) {
		return nil, errors.Wrapf(ErrShape, "mask decoder expects %d channels, got %d", len(d.Weights), roi.Channels)
	}
	out := NewFeatureMap(1, roi.Height, roi.Width)
	n := roi.Height * roi.Width
	for i := 0; i < n; i++ {
		s := d.Bias
		for c, w := range d.Weights {
			s += w * roi.Data[c*n+i]
		}
		out.Data[i] = Sigmoid(s)
	}
	return out, nil
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
