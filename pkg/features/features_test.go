package features

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occmesh/internal/models"
)

// rampMap has value c*100 + y*10 + x at (c, y, x).
func rampMap(channels, height, width int) *FeatureMap {
	fm := NewFeatureMap(channels, height, width)
	for c := 0; c < channels; c++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				fm.Set(c, y, x, float64(c*100+y*10+x))
			}
		}
	}
	return fm
}

func TestSampleCornersAndCenter(t *testing.T) {
	fm := rampMap(2, 2, 2)
	dst := make([]float64, 2)

	fm.Sample(-1, -1, dst)
	assert.Equal(t, []float64{0, 100}, dst)

	fm.Sample(1, 1, dst)
	assert.Equal(t, []float64{11, 111}, dst)

	fm.Sample(0, 0, dst)
	assert.InDelta(t, 5.5, dst[0], 1e-12)
	assert.InDelta(t, 105.5, dst[1], 1e-12)
}

func TestSampleClampsToBorder(t *testing.T) {
	fm := rampMap(1, 3, 3)
	in := make([]float64, 1)
	out := make([]float64, 1)

	fm.Sample(1, 0, in)
	fm.Sample(7.5, 0, out)
	assert.Equal(t, in, out)

	fm.Sample(-1, -1, in)
	fm.Sample(-1e9, -3, out)
	assert.Equal(t, in, out)
}

func TestSampleNaNPropagates(t *testing.T) {
	fm := rampMap(3, 2, 2)
	dst := make([]float64, 3)
	fm.Sample(math.NaN(), 0, dst)
	for _, v := range dst {
		assert.True(t, math.IsNaN(v))
	}
}

func TestResampleFullGridIsIdentity(t *testing.T) {
	fm := rampMap(2, 4, 5)
	out, err := Resample(fm, FullGrid(4, 5))
	require.NoError(t, err)
	require.Equal(t, fm.Shape(), out.Shape())
	assert.InDeltaSlice(t, fm.Data, out.Data, 1e-9)

	_, err = Resample(fm, ROIGrid{})
	assert.True(t, errors.Is(err, ErrShape))
}

func TestGridFromCrop(t *testing.T) {
	g := GridFromCrop(models.CropBox{X0: 50, Y0: 100, X1: 150, Y1: 200}, 200, 200, 8, 8)
	assert.InDelta(t, -0.5, g.X0, 1e-12)
	assert.InDelta(t, 0, g.Y0, 1e-12)
	assert.InDelta(t, 0.5, g.X1, 1e-12)
	assert.InDelta(t, 1, g.Y1, 1e-12)

	x, y := g.Point(7, 0)
	assert.InDelta(t, -0.5, x, 1e-12)
	assert.InDelta(t, 1, y, 1e-12)
}

func TestResizeNearest(t *testing.T) {
	src := rampMap(1, 4, 4)
	out := ResizeNearest(src, 2, 2)
	assert.Equal(t, []float64{0, 2, 20, 22}, out.Data)

	up := ResizeNearest(rampMap(1, 1, 2), 2, 4)
	assert.Equal(t, []float64{0, 0, 1, 1, 0, 0, 1, 1}, up.Data)
}

func TestStackLastOnlyAndCheck(t *testing.T) {
	s := &Stack{Levels: []*FeatureMap{rampMap(2, 2, 2), rampMap(2, 4, 4)}}
	last := s.LastOnly()
	require.Len(t, last.Levels, 1)
	assert.Same(t, s.Levels[1], last.Levels[0])

	require.NoError(t, s.Check([]Shape{{2, 2, 2}, {2, 4, 4}}))
	assert.True(t, errors.Is(s.Check([]Shape{{2, 4, 4}}), ErrShape))
	assert.True(t, errors.Is(s.Check([]Shape{{2, 2, 2}, {3, 4, 4}}), ErrShape))
}

func TestFrequencyEncoder(t *testing.T) {
	e := NewFrequencyEncoder(2)
	require.Equal(t, 15, e.Width())
	dst := make([]float64, e.Width())
	e.Encode(0.5, -1, 2, dst)

	assert.Equal(t, []float64{0.5, -1, 2}, dst[:3])
	assert.InDelta(t, math.Sin(0.5), dst[3], 1e-12)
	assert.InDelta(t, math.Cos(2), dst[8], 1e-12)
	assert.InDelta(t, math.Sin(-2), dst[10], 1e-12)
	assert.InDelta(t, math.Cos(4), dst[14], 1e-12)

	assert.Equal(t, 3, IdentityEncoder{}.Width())
}

func uniformImage(w, h int, c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestPyramidExtractor(t *testing.T) {
	p, err := NewPyramidExtractor(32, 3, true)
	require.NoError(t, err)
	require.Equal(t, []Shape{{6, 8, 8}, {6, 16, 16}, {6, 32, 32}}, p.Shapes())
	require.Equal(t, 4, p.SkipChannels())

	stack, err := p.Extract(context.Background(), uniformImage(40, 30, color.NRGBA{R: 255, G: 0, B: 0, A: 255}))
	require.NoError(t, err)
	require.NoError(t, stack.Check(p.Shapes()))
	require.NotNil(t, stack.Skip)
	assert.Equal(t, Shape{4, 32, 32}, stack.Skip.Shape())

	last := stack.Last()
	dst := make([]float64, 6)
	last.Sample(0.3, -0.4, dst)
	assert.InDelta(t, 1, dst[0], 1e-9)
	assert.InDelta(t, 0, dst[1], 1e-9)
	assert.InDelta(t, 0.299, dst[3], 1e-9)
	assert.InDelta(t, 0, dst[4], 1e-9)
	assert.InDelta(t, 0, dst[5], 1e-9)

	_, err = NewPyramidExtractor(4, 4, false)
	assert.Error(t, err)
}

func TestPyramidExtractorHonorsContext(t *testing.T) {
	p, err := NewPyramidExtractor(16, 2, false)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Extract(ctx, uniformImage(4, 4, color.NRGBA{A: 255}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolingEncoder(t *testing.T) {
	e := PoolingEncoder{Channels: 2}
	got, err := e.Encode(rampMap(2, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float64{5.5, 105.5, 11, 111}, got)

	_, err = e.Encode(rampMap(3, 2, 2))
	assert.True(t, errors.Is(err, ErrShape))
}

func TestLinearMaskDecoder(t *testing.T) {
	d := LinearMaskDecoder{Weights: []float64{0, 0}}
	m, err := d.Decode(rampMap(2, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 3, 3}, m.Shape())
	for _, v := range m.Data {
		assert.Equal(t, 0.5, v)
	}
}
