// Package features holds image feature maps and the samplers and
// encoders that turn them into per-point feature vectors.
package features

import (
	"math"

	"github.com/pkg/errors"
)

// ErrShape is returned when a feature map does not have the declared shape.
var ErrShape = errors.New("feature shape mismatch")

// Shape declares the channel count and spatial size of a feature map.
type Shape struct {
	Channels int `yaml:"channels"`
	Height   int `yaml:"height"`
	Width    int `yaml:"width"`
}

// FeatureMap is a dense C x H x W map stored channel-major:
// c*H*W + y*W + x.
type FeatureMap struct {
	Channels int
	Height   int
	Width    int
	Data     []float64
}

// NewFeatureMap allocates a zeroed map.
func NewFeatureMap(channels, height, width int) *FeatureMap {
	return &FeatureMap{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float64, channels*height*width),
	}
}

// Shape returns the map's shape.
func (f *FeatureMap) Shape() Shape {
	return Shape{Channels: f.Channels, Height: f.Height, Width: f.Width}
}

// At returns the value at channel c, row y, column x.
func (f *FeatureMap) At(c, y, x int) float64 {
	return f.Data[(c*f.Height+y)*f.Width+x]
}

// Set stores a value at channel c, row y, column x.
func (f *FeatureMap) Set(c, y, x int, v float64) {
	f.Data[(c*f.Height+y)*f.Width+x] = v
}

// Plane returns the H*W slice backing channel c.
func (f *FeatureMap) Plane(c int) []float64 {
	n := f.Height * f.Width
	return f.Data[c*n : (c+1)*n]
}

// Sample bilinearly interpolates every channel at normalized coordinate
// (x, y) and writes the result into dst, which must hold Channels values.
//
// -1 and 1 address the centers of the first and last pixel. Coordinates
// outside [-1, 1] are clamped to the border so out-of-image points still
// get defined values. A NaN coordinate yields NaN for every channel.
func (f *FeatureMap) Sample(x, y float64, dst []float64) {
	if math.IsNaN(x) || math.IsNaN(y) {
		for c := 0; c < f.Channels; c++ {
			dst[c] = math.NaN()
		}
		return
	}
	px := clamp((x+1)/2*float64(f.Width-1), 0, float64(f.Width-1))
	py := clamp((y+1)/2*float64(f.Height-1), 0, float64(f.Height-1))

	x0 := int(math.Floor(px))
	y0 := int(math.Floor(py))
	x1 := min(x0+1, f.Width-1)
	y1 := min(y0+1, f.Height-1)
	fx := px - float64(x0)
	fy := py - float64(y0)

	w00 := (1 - fx) * (1 - fy)
	w01 := fx * (1 - fy)
	w10 := (1 - fx) * fy
	w11 := fx * fy

	plane := f.Height * f.Width
	i00 := y0*f.Width + x0
	i01 := y0*f.Width + x1
	i10 := y1*f.Width + x0
	i11 := y1*f.Width + x1
	for c := 0; c < f.Channels; c++ {
		p := f.Data[c*plane : (c+1)*plane]
		dst[c] = w00*p[i00] + w01*p[i01] + w10*p[i10] + w11*p[i11]
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Stack is the ordered output of a feature extractor. The finest level is
// last.
type Stack struct {
	// Levels holds one map per stack level.
	Levels []*FeatureMap

	// Skip is an optional low-level map sampled directly at the projected
	// image coordinate.
	Skip *FeatureMap
}

// Last returns the final (finest) level.
func (s *Stack) Last() *FeatureMap {
	if len(s.Levels) == 0 {
		return nil
	}
	return s.Levels[len(s.Levels)-1]
}

// LastOnly returns a stack that keeps only the final level, used outside
// training where intermediate levels produce no output.
func (s *Stack) LastOnly() *Stack {
	if len(s.Levels) <= 1 {
		return s
	}
	return &Stack{Levels: []*FeatureMap{s.Last()}, Skip: s.Skip}
}

// Check verifies the stack against declared level shapes.
func (s *Stack) Check(shapes []Shape) error {
	if len(s.Levels) != len(shapes) {
		return errors.Wrapf(ErrShape, "expected %d levels, got %d", len(shapes), len(s.Levels))
	}
	for i, lvl := range s.Levels {
		if lvl.Shape() != shapes[i] {
			return errors.Wrapf(ErrShape, "level %d: expected %+v, got %+v", i, shapes[i], lvl.Shape())
		}
	}
	return nil
}
