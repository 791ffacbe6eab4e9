// Package query evaluates occupancy for batches of canonical-space points.
//
// Points are split into contiguous chunks; every chunk is projected into
// the image, sampled against each retained ROI feature level, assembled
// into per-point feature vectors and passed to the occupancy predictor.
// Results are written back into the chunk's own index range, so the output
// order never depends on chunk size or on how many chunks run at once.
package query

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"occmesh/internal/models"
	"occmesh/pkg/features"
	"occmesh/pkg/geometry"
)

// DefaultChunkSize is the number of points evaluated per predictor call.
const DefaultChunkSize = 200000

// ErrWidthMismatch is returned when a predictor's input width does not
// match the assembled feature vector width.
var ErrWidthMismatch = errors.New("feature vector width mismatch")

// Predictor maps an N x D matrix of per-point feature vectors to N
// occupancy values. It must be pointwise and deterministic.
type Predictor interface {
	InputWidth() int
	Evaluate(ctx context.Context, x *mat.Dense) ([]float64, error)
}

// Layout fixes the blocks of a per-point feature vector:
// [local, position, depth, class code, skip?, global?].
type Layout struct {
	LocalChannels int

	// Position encodes canonical xyz. Nil means raw coordinates.
	Position features.PointEncoder

	ClassDim int

	// SkipChannels is zero when no skip feature is appended.
	SkipChannels int

	// GlobalWidth is zero when no global descriptor is appended.
	GlobalWidth int
}

// Width is the width of a local-branch vector.
func (l Layout) Width() int {
	return l.LocalChannels + l.positionWidth() + 1 + l.ClassDim + l.SkipChannels + l.GlobalWidth
}

// GlobalBranchWidth is the width of a global-branch vector:
// [position, depth, class code, global].
func (l Layout) GlobalBranchWidth(globalWidth int) int {
	return l.positionWidth() + 1 + l.ClassDim + globalWidth
}

// positionWidth treats a nil encoder as raw xyz.
func (l Layout) positionWidth() int {
	if l.Position == nil {
		return 3
	}
	return l.Position.Width()
}

// Inputs are the per-call tensors vectors are assembled from.
type Inputs struct {
	// ROI holds one ROI feature map per retained stack level.
	ROI []*features.FeatureMap

	// Skip is sampled at the projected coordinate when the layout has a
	// skip block.
	Skip *features.FeatureMap

	// Global is the global descriptor for this sample.
	Global []float64

	// ClassCode is broadcast to every point.
	ClassCode []float64
}

// Predictions is the ordered output of an evaluation.
type Predictions struct {
	// Levels holds one N-length slice per prediction source: the global
	// branch first when enabled, then one per ROI level.
	Levels [][]float64

	// Valid reports, per point, whether the projection landed in the image.
	Valid []bool
}

// Last returns the final level's predictions.
func (p *Predictions) Last() []float64 {
	return p.Levels[len(p.Levels)-1]
}

// Options controls chunking.
type Options struct {
	// ChunkSize is the number of points per chunk. Non-positive selects
	// DefaultChunkSize.
	ChunkSize int

	// Workers bounds concurrent chunks. Values below 2 evaluate serially,
	// holding one chunk of feature vectors at a time; otherwise up to
	// Workers chunks are alive at once.
	Workers int
}

// Evaluator is a configured, immutable query pipeline.
type Evaluator struct {
	transformer *geometry.Transformer
	layout      Layout
	occupancy   Predictor
	global      Predictor
	globalWidth int
	opts        Options
	logger      *zap.SugaredLogger
}

// NewEvaluator checks predictor widths against the layout. global may be
// nil to disable the global branch; globalWidth is the descriptor width
// that branch consumes.
func NewEvaluator(
	transformer *geometry.Transformer,
	layout Layout,
	occupancy Predictor,
	global Predictor,
	globalWidth int,
	opts Options,
	logger *zap.SugaredLogger,
) (*Evaluator, error) {
	if occupancy == nil {
		return nil, errors.New("query evaluator needs an occupancy predictor")
	}
	if layout.Position == nil {
		layout.Position = features.IdentityEncoder{}
	}
	if got, want := occupancy.InputWidth(), layout.Width(); got != want {
		return nil, errors.Wrapf(ErrWidthMismatch, "occupancy predictor takes %d, vectors are %d wide", got, want)
	}
	if global != nil {
		if got, want := global.InputWidth(), layout.GlobalBranchWidth(globalWidth); got != want {
			return nil, errors.Wrapf(ErrWidthMismatch, "global predictor takes %d, vectors are %d wide", got, want)
		}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Evaluator{
		transformer: transformer,
		layout:      layout,
		occupancy:   occupancy,
		global:      global,
		globalWidth: globalWidth,
		opts:        opts,
		logger:      logger,
	}, nil
}

// Layout returns the vector layout.
func (e *Evaluator) Layout() Layout {
	return e.layout
}

func (e *Evaluator) checkInputs(in Inputs) error {
	l := e.layout
	if len(in.ROI) == 0 {
		return errors.Wrap(features.ErrShape, "no roi levels")
	}
	for i, roi := range in.ROI {
		if roi.Channels != l.LocalChannels {
			return errors.Wrapf(features.ErrShape, "roi level %d has %d channels, want %d", i, roi.Channels, l.LocalChannels)
		}
	}
	if len(in.ClassCode) != l.ClassDim {
		return errors.Wrapf(features.ErrShape, "class code has %d entries, want %d", len(in.ClassCode), l.ClassDim)
	}
	if l.SkipChannels > 0 && (in.Skip == nil || in.Skip.Channels != l.SkipChannels) {
		return errors.Wrapf(features.ErrShape, "skip feature must have %d channels", l.SkipChannels)
	}
	if l.GlobalWidth > 0 && len(in.Global) != l.GlobalWidth {
		return errors.Wrapf(features.ErrShape, "global descriptor has %d entries, want %d", len(in.Global), l.GlobalWidth)
	}
	if e.global != nil && len(in.Global) != e.globalWidth {
		return errors.Wrapf(features.ErrShape, "global branch needs a %d-wide descriptor, got %d", e.globalWidth, len(in.Global))
	}
	return nil
}

// Evaluate predicts occupancy for every row of points (N x 3, canonical
// space).
func (e *Evaluator) Evaluate(
	ctx context.Context,
	points *mat.Dense,
	cam models.CameraContext,
	in Inputs,
) (*Predictions, error) {
	if err := e.checkInputs(in); err != nil {
		return nil, err
	}
	n, c := points.Dims()
	if c != 3 {
		return nil, errors.Errorf("points must be N x 3, got N x %d", c)
	}

	levels := len(in.ROI)
	if e.global != nil {
		levels++
	}
	out := &Predictions{Levels: make([][]float64, levels), Valid: make([]bool, n)}
	for i := range out.Levels {
		out.Levels[i] = make([]float64, n)
	}

	size := e.opts.ChunkSize
	chunks := (n + size - 1) / size
	e.logger.Debugw("evaluating points", "points", n, "chunks", chunks, "levels", levels)

	if e.opts.Workers < 2 || chunks < 2 {
		for start := 0; start < n; start += size {
			if err := e.evalChunk(ctx, points, start, min(start+size, n), cam, in, out); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for start := 0; start < n; start += size {
		start, end := start, min(start+size, n)
		g.Go(func() error {
			return e.evalChunk(gctx, points, start, end, cam, in, out)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// evalChunk fills out[*][start:end]. Chunks never share output indices.
func (e *Evaluator) evalChunk(
	ctx context.Context,
	points *mat.Dense,
	start, end int,
	cam models.CameraContext,
	in Inputs,
	out *Predictions,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chunk := points.Slice(start, end, 0, 3)
	proj, err := e.transformer.Project(chunk, cam)
	if err != nil {
		return errors.Wrapf(err, "project chunk [%d, %d)", start, end)
	}
	copy(out.Valid[start:end], proj.Valid)

	m := end - start
	l := e.layout
	posW := l.Position.Width()
	x := mat.NewDense(m, l.Width(), nil)

	// Everything but the local block is shared by all levels.
	for r := 0; r < m; r++ {
		row := x.RawRowView(r)
		o := l.LocalChannels
		l.Position.Encode(chunk.At(r, 0), chunk.At(r, 1), chunk.At(r, 2), row[o:o+posW])
		o += posW
		row[o] = proj.Depth[r]
		o++
		o += copy(row[o:], in.ClassCode)
		if l.SkipChannels > 0 {
			in.Skip.Sample(proj.X[r], proj.Y[r], row[o:o+l.SkipChannels])
			o += l.SkipChannels
		}
		if l.GlobalWidth > 0 {
			copy(row[o:], in.Global)
		}
	}

	lvl := 0
	if e.global != nil {
		gx := mat.NewDense(m, l.GlobalBranchWidth(e.globalWidth), nil)
		for r := 0; r < m; r++ {
			src := x.RawRowView(r)[l.LocalChannels:]
			row := gx.RawRowView(r)
			o := copy(row, src[:posW+1+l.ClassDim])
			copy(row[o:], in.Global)
		}
		preds, err := e.global.Evaluate(ctx, gx)
		if err != nil {
			return errors.Wrap(err, "global occupancy")
		}
		if len(preds) != m {
			return errors.Errorf("global occupancy returned %d values for %d points", len(preds), m)
		}
		copy(out.Levels[lvl][start:end], preds)
		lvl++
	}

	for i, roi := range in.ROI {
		for r := 0; r < m; r++ {
			roi.Sample(proj.X[r], proj.Y[r], x.RawRowView(r)[:l.LocalChannels])
		}
		preds, err := e.occupancy.Evaluate(ctx, x)
		if err != nil {
			return errors.Wrapf(err, "occupancy level %d", i)
		}
		if len(preds) != m {
			return errors.Errorf("occupancy level %d returned %d values for %d points", i, len(preds), m)
		}
		copy(out.Levels[lvl][start:end], preds)
		lvl++
	}
	return nil
}
