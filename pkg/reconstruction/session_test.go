package reconstruction

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"occmesh/internal/models"
	"occmesh/pkg/config"
	"occmesh/pkg/features"
	"occmesh/pkg/query"
	"occmesh/pkg/surface"
)

// pointwise applies fn to every feature vector.
type pointwise struct {
	width int
	fn    func(row []float64) float64
}

func (p pointwise) InputWidth() int { return p.width }

func (p pointwise) Evaluate(_ context.Context, x *mat.Dense) ([]float64, error) {
	rows, _ := x.Dims()
	out := make([]float64, rows)
	for i := range out {
		out[i] = p.fn(x.RawRowView(i))
	}
	return out, nil
}

const ballRadius = 0.6

// ball predicts 0.9 inside a sphere around the origin and 0.1 outside,
// reading raw xyz from the position block.
func ball(layout query.Layout) pointwise {
	o := layout.LocalChannels
	return pointwise{width: layout.Width(), fn: func(row []float64) float64 {
		if (r3.Vector{X: row[o], Y: row[o+1], Z: row[o+2]}).Norm() < ballRadius {
			return 0.9
		}
		return 0.1
	}}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Model.InputSize = 16
	cfg.Model.FeatureLevels = 2
	cfg.Model.ROISize = 8
	cfg.Model.ClassDim = 2
	cfg.Model.HiddenDims = []int{8}
	cfg.Reconstruction.Resolution = 12
	cfg.Reconstruction.ChunkSize = 500
	cfg.Reconstruction.NumWorkers = 2
	return cfg
}

func testSample(fill uint8) Sample {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{R: fill, G: uint8(x * 8), B: fill, A: 255})
		}
	}
	return Sample{
		Image: img,
		Camera: models.CameraContext{
			Intrinsics:  mat.NewDense(3, 3, []float64{20, 0, 16, 0, 20, 16, 0, 0, 1}),
			Rotation:    mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}),
			HalfExtents: r3.Vector{X: 0.5, Y: 0.5, Z: 0.5},
			Center:      r3.Vector{Z: 3},
		},
		ClassCode: []float64{1, 0},
	}
}

// newSession builds a session with default components and occupancy
// replaced by the ball predictor.
func newSession(t *testing.T, cfg *config.Config, edit func(*Components, query.Layout)) *Session {
	t.Helper()
	comps, err := DefaultComponents(cfg)
	require.NoError(t, err)
	layout, err := PointLayout(cfg, comps.Extractor, comps.GlobalEncoder)
	require.NoError(t, err)
	comps.Occupancy = ball(layout)
	if edit != nil {
		edit(&comps, layout)
	}
	s, err := NewSession(cfg, comps, zap.NewNop().Sugar())
	require.NoError(t, err)
	return s
}

// labelled returns points along the x axis with ground truth from the ball.
func labelled() (*mat.Dense, []float64) {
	xs := []float64{-1, -0.7, -0.3, 0, 0.2, 0.5, 0.8, 1.1}
	pts := mat.NewDense(len(xs), 3, nil)
	labels := make([]float64, len(xs))
	for i, x := range xs {
		pts.Set(i, 0, x)
		if math.Abs(x) < ballRadius {
			labels[i] = 1
		}
	}
	return pts, labels
}

func TestDefaultComponentsBuildASession(t *testing.T) {
	cfg := testConfig()
	comps, err := DefaultComponents(cfg)
	require.NoError(t, err)
	s, err := NewSession(cfg, comps, nil)
	require.NoError(t, err)

	layout := s.Layout()
	assert.Equal(t, 6, layout.LocalChannels)
	assert.Equal(t, 12, layout.GlobalWidth)
	assert.Equal(t, 6+3+1+2+12, layout.Width())
	assert.True(t, s.Capabilities().Attention)

	res, err := s.Reconstruct(context.Background(), testSample(128))
	require.NoError(t, err)
	assert.False(t, res.Mesh.Empty())
	assert.Len(t, res.Volume.Data, 12*12*12)
}

func TestNewSessionRejectsWidthMismatch(t *testing.T) {
	cfg := testConfig()
	comps, err := DefaultComponents(cfg)
	require.NoError(t, err)

	comps.Occupancy = pointwise{width: 3, fn: func([]float64) float64 { return 0 }}
	_, err = NewSession(cfg, comps, nil)
	assert.True(t, errors.Is(err, ErrWidthMismatch))

	cfg.Model.SkipFeature = true
	comps, err = DefaultComponents(cfg)
	require.NoError(t, err)
	comps.Extractor, err = features.NewPyramidExtractor(16, 2, false)
	require.NoError(t, err)
	_, err = NewSession(cfg, comps, nil)
	assert.True(t, errors.Is(err, ErrWidthMismatch))
}

func TestNewSessionRequiresCollaborators(t *testing.T) {
	cfg := testConfig()
	comps, err := DefaultComponents(cfg)
	require.NoError(t, err)

	noAttention := comps
	noAttention.Attention = nil
	_, err = NewSession(cfg, noAttention, nil)
	assert.Error(t, err)

	noEncoder := comps
	noEncoder.GlobalEncoder = nil
	_, err = NewSession(cfg, noEncoder, nil)
	assert.Error(t, err)

	cfg.Model.GlobalRecon = true
	_, err = NewSession(cfg, comps, nil)
	assert.Error(t, err, "global branch without a predictor")

	cfg.Reconstruction.Resolution = 0
	_, err = NewSession(cfg, comps, nil)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestReconstructBall(t *testing.T) {
	s := newSession(t, testConfig(), nil)

	res, err := s.Reconstruct(context.Background(), testSample(128))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.NotEmpty(t, res.FrameID)
	assert.GreaterOrEqual(t, res.Components, 1)

	assert.Equal(t, 0.9, res.Volume.At(6, 6, 6))
	assert.Equal(t, 0.1, res.Volume.At(0, 0, 0))

	lo, hi := res.Mesh.Bounds()
	for _, v := range []float64{hi.X, hi.Y, hi.Z} {
		assert.Greater(t, v, 0.2)
		assert.Less(t, v, 0.9)
	}
	for _, v := range []float64{lo.X, lo.Y, lo.Z} {
		assert.Less(t, v, -0.2)
		assert.Greater(t, v, -0.9)
	}
}

func TestReconstructFallsBackWithoutSurface(t *testing.T) {
	s := newSession(t, testConfig(), func(c *Components, l query.Layout) {
		c.Occupancy = pointwise{width: l.Width(), fn: func([]float64) float64 { return 0.9 }}
	})

	res, err := s.Reconstruct(context.Background(), testSample(128))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Components)
	assert.Len(t, res.Mesh.Vertices, len(surface.Sphere(surface.DefaultFallbackRadius).Vertices))
}

func TestReconstructChunkingDoesNotChangeVolume(t *testing.T) {
	cfg := testConfig()
	cfg.Model.UseAttention = false
	cfg.Model.PixelAttention = false
	cfg.Model.ChannelAttention = false
	local := func(c *Components, l query.Layout) {
		c.Occupancy = pointwise{width: l.Width(), fn: func(row []float64) float64 {
			return features.Sigmoid(row[0] + row[1] - row[2] + row[l.LocalChannels])
		}}
	}
	a, err := newSession(t, cfg, local).Reconstruct(context.Background(), testSample(200))
	require.NoError(t, err)

	cfg.Reconstruction.ChunkSize = 7
	cfg.Reconstruction.NumWorkers = 1
	b, err := newSession(t, cfg, local).Reconstruct(context.Background(), testSample(200))
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(a.Volume.Data, b.Volume.Data))
}

func TestEvaluateReport(t *testing.T) {
	s := newSession(t, testConfig(), nil)

	sample := testSample(128)
	sample.Points, sample.Labels = labelled()
	sample.Mask = features.NewFeatureMap(1, 32, 32)

	report, err := s.Evaluate(context.Background(), sample)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, report.ReconLoss, 1e-12)
	assert.Equal(t, 1.0, report.Accuracy)
	assert.Greater(t, report.MaskLoss, 0.0)
	assert.InDelta(t, report.ReconLoss+report.MaskLoss, report.Loss, 1e-12)
	assert.True(t, report.HasAttention)
	assert.GreaterOrEqual(t, report.MaxAttention, report.MinAttention)

	// Without a mask label there is no mask loss.
	sample.Mask = nil
	report, err = s.Evaluate(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.MaskLoss)
	assert.InDelta(t, 0.1, report.Loss, 1e-12)
}

func TestEvaluateRequiresLabels(t *testing.T) {
	s := newSession(t, testConfig(), nil)
	_, err := s.Evaluate(context.Background(), testSample(0))
	assert.Error(t, err)

	sample := testSample(0)
	sample.Points, sample.Labels = labelled()
	sample.Labels = sample.Labels[1:]
	_, err = s.Evaluate(context.Background(), sample)
	assert.Error(t, err)
}

func TestGlobalBranchIsPrepended(t *testing.T) {
	cfg := testConfig()
	cfg.Model.GlobalRecon = true
	s := newSession(t, cfg, func(c *Components, l query.Layout) {
		width := l.GlobalBranchWidth(c.GlobalEncoder.Width())
		c.Global = pointwise{width: width, fn: func([]float64) float64 { return 0.5 }}
	})

	sample := testSample(128)
	sample.Points, sample.Labels = labelled()

	frame, err := s.Prepare(context.Background(), sample)
	require.NoError(t, err)
	preds, err := frame.Query(context.Background(), sample.Points)
	require.NoError(t, err)
	require.Len(t, preds.Levels, 2)
	assert.Equal(t, 0.5, preds.Levels[0][0])

	// Training keeps every level: global + 2 stack levels.
	report, err := s.Evaluate(context.Background(), sample)
	require.NoError(t, err)
	assert.InDelta(t, (0.5+0.1+0.1)/3, report.ReconLoss, 1e-12)
	assert.Equal(t, 1.0, report.Accuracy)
}

func TestPix3DStrategyIsSelected(t *testing.T) {
	cfg := testConfig()
	cfg.Data.Dataset = "pix3d_recon"
	cfg.Data.NearSurfaceSamples = 3
	s := newSession(t, cfg, nil)

	sample := testSample(128)
	sample.Points, sample.Labels = labelled()
	report, err := s.Evaluate(context.Background(), sample)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, report.NearLoss, 1e-12)
	assert.InDelta(t, 0.1, report.UniformLoss, 1e-12)
	assert.InDelta(t, (0.1*0.1+0.1)*10, report.Loss, 1e-12)
	assert.Equal(t, 1.0, report.NearAccuracy)
}

func TestFramesAreIndependent(t *testing.T) {
	cfg := testConfig()
	s := newSession(t, cfg, func(c *Components, l query.Layout) {
		c.Occupancy = pointwise{width: l.Width(), fn: func(row []float64) float64 {
			sum := 0.0
			for _, v := range row[:l.LocalChannels] {
				sum += v
			}
			return sum
		}}
	})
	pts, _ := labelled()
	ctx := context.Background()

	dark, err := s.Prepare(ctx, testSample(0))
	require.NoError(t, err)
	before, err := dark.Query(ctx, pts)
	require.NoError(t, err)

	bright, err := s.Prepare(ctx, testSample(255))
	require.NoError(t, err)
	other, err := bright.Query(ctx, pts)
	require.NoError(t, err)

	after, err := dark.Query(ctx, pts)
	require.NoError(t, err)

	assert.NotEqual(t, dark.ID, bright.ID)
	assert.Empty(t, cmp.Diff(before.Levels, after.Levels))
	assert.NotEqual(t, before.Last(), other.Last())
}

func TestPrepareHonorsCropToggle(t *testing.T) {
	sample := testSample(128)
	sample.Camera.Crop = &models.CropBox{X0: 8, Y0: 8, X1: 24, Y1: 24}

	frame, err := newSession(t, testConfig(), nil).Prepare(context.Background(), sample)
	require.NoError(t, err)
	assert.Nil(t, frame.Camera.Crop)
	assert.Equal(t, features.FullGrid(8, 8), frame.Grid)

	cfg := testConfig()
	cfg.Data.UseCrop = true
	frame, err = newSession(t, cfg, nil).Prepare(context.Background(), sample)
	require.NoError(t, err)
	require.NotNil(t, frame.Camera.Crop)
	assert.InDelta(t, -0.5, frame.Grid.X0, 1e-12)
	assert.InDelta(t, 0.5, frame.Grid.Y1, 1e-12)
}

func TestPrepareRejectsBadInputs(t *testing.T) {
	s := newSession(t, testConfig(), nil)

	sample := testSample(0)
	sample.ClassCode = []float64{1, 0, 0}
	_, err := s.Prepare(context.Background(), sample)
	assert.True(t, errors.Is(err, features.ErrShape))

	sample = testSample(0)
	sample.Camera.Rotation = mat.NewDense(3, 3, []float64{2, 0, 0, 0, 1, 0, 0, 0, 1})
	_, err = s.Prepare(context.Background(), sample)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Reconstruct(ctx, testSample(0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMaskFromImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 2))
	img.SetGray(3, 1, color.Gray{Y: 255})
	img.SetGray(0, 0, color.Gray{Y: 100})

	m := MaskFromImage(img)
	assert.Equal(t, features.Shape{Channels: 1, Height: 2, Width: 4}, m.Shape())
	assert.Equal(t, 1.0, m.At(0, 1, 3))
	assert.Equal(t, 0.0, m.At(0, 0, 0))
}

func TestLoadSample(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, imaging.Save(testSample(50).Image, filepath.Join(dir, "view.png")))
	require.NoError(t, imaging.Save(image.NewGray(image.Rect(0, 0, 8, 8)), filepath.Join(dir, "mask.png")))

	yml := "image: view.png\nmask: mask.png\n" +
		"intrinsics: [[20, 0, 16], [0, 20, 16], [0, 0, 1]]\n" +
		"rotation: [[1, 0, 0], [0, 1, 0], [0, 0, 1]]\n" +
		"bboxSize: [1, 1, 1]\ncenter: [0, 0, 3]\nclassCode: [1, 0]\n"
	path := filepath.Join(dir, "sample.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	sf, err := config.LoadSample(path)
	require.NoError(t, err)
	sample, err := LoadSample(sf)
	require.NoError(t, err)
	assert.Equal(t, 32, sample.Image.Bounds().Dx())
	require.NotNil(t, sample.Mask)
	assert.Equal(t, 8, sample.Mask.Width)
	assert.Nil(t, sample.Points)

	res, err := newSession(t, testConfig(), nil).Reconstruct(context.Background(), sample)
	require.NoError(t, err)
	assert.True(t, res.Success)
}
