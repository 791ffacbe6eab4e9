package reconstruction

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"occmesh/internal/models"
	"occmesh/pkg/features"
	"occmesh/pkg/geometry"
	"occmesh/pkg/query"
)

// Frame is the per-image state of one call. It is created by
// Session.Prepare and is only read after that.
type Frame struct {
	// ID tags every log line of the call.
	ID uuid.UUID

	// Camera is the sample's geometry with the crop cleared when crop
	// normalization is off.
	Camera models.CameraContext

	// Grid is the ROI sampling grid in normalized image coordinates.
	Grid features.ROIGrid

	// Inputs are the per-level ROI maps, skip map, global descriptor and
	// class code handed to the query evaluator.
	Inputs query.Inputs

	// Masks are the per-level decoded silhouettes, when a decoder is set.
	Masks []*features.FeatureMap

	// ChannelWeights are the last level's channel attention weights.
	ChannelWeights []float64

	session *Session
	logger  *zap.SugaredLogger
}

// Prepare runs the image side of the pipeline for inference: only the
// final stack level is kept.
func (s *Session) Prepare(ctx context.Context, sample Sample) (*Frame, error) {
	return s.prepare(ctx, sample, false)
}

func (s *Session) prepare(ctx context.Context, sample Sample, allLevels bool) (*Frame, error) {
	id := uuid.New()
	logger := s.logger.With("frame", id.String())

	cam := sample.Camera
	if !s.caps.UseCrop {
		cam.Crop = nil
	}
	if err := geometry.ValidateCamera(cam); err != nil {
		return nil, err
	}
	if len(sample.ClassCode) != s.classDim {
		return nil, errors.Wrapf(features.ErrShape, "class code has %d entries, want %d", len(sample.ClassCode), s.classDim)
	}

	stack, err := s.extractor.Extract(ctx, sample.Image)
	if err != nil {
		return nil, errors.Wrap(err, "extract features")
	}
	if err := stack.Check(s.extractor.Shapes()); err != nil {
		return nil, err
	}

	grid := features.FullGrid(s.roiSize, s.roiSize)
	if cam.Crop != nil {
		w, h := cam.Intrinsics.At(0, 2)*2, cam.Intrinsics.At(1, 2)*2
		grid = features.GridFromCrop(*cam.Crop, w, h, s.roiSize, s.roiSize)
	}

	f := &Frame{
		ID:      id,
		Camera:  cam,
		Grid:    grid,
		session: s,
		logger:  logger,
	}
	f.Inputs.ClassCode = append([]float64(nil), sample.ClassCode...)
	f.Inputs.Skip = stack.Skip

	if s.caps.NeedsGlobal() {
		aligned, err := features.Resample(stack.Last(), grid)
		if err != nil {
			return nil, errors.Wrap(err, "align global feature")
		}
		if f.Inputs.Global, err = s.globalEncoder.Encode(aligned); err != nil {
			return nil, errors.Wrap(err, "encode global feature")
		}
	}

	// Attention is conditioned on the descriptor and the class code.
	var cond []float64
	if s.caps.Attention {
		cond = make([]float64, 0, len(f.Inputs.Global)+len(f.Inputs.ClassCode))
		cond = append(append(cond, f.Inputs.Global...), f.Inputs.ClassCode...)
	}

	if !allLevels {
		stack = stack.LastOnly()
	}
	f.Inputs.ROI = make([]*features.FeatureMap, len(stack.Levels))
	for i, level := range stack.Levels {
		res, err := s.fusion.Apply(ctx, level, grid, cond)
		if err != nil {
			return nil, errors.Wrapf(err, "fuse level %d", i)
		}
		f.Inputs.ROI[i] = res.ROI
		if i == len(stack.Levels)-1 {
			f.ChannelWeights = res.ChannelWeights
		}
		if allLevels && s.maskDecoder != nil {
			mask, err := s.maskDecoder.Decode(res.ROI)
			if err != nil {
				return nil, errors.Wrapf(err, "decode mask level %d", i)
			}
			f.Masks = append(f.Masks, mask)
		}
	}

	logger.Debugw("frame prepared",
		"levels", len(f.Inputs.ROI),
		"crop", cam.Crop != nil,
		"globalWidth", len(f.Inputs.Global))
	return f, nil
}

// Query predicts occupancy for canonical points (N x 3). The result holds
// one slice per retained level, global branch first when enabled.
func (f *Frame) Query(ctx context.Context, points *mat.Dense) (*query.Predictions, error) {
	preds, err := f.session.evaluator.Evaluate(ctx, points, f.Camera, f.Inputs)
	if err != nil {
		return nil, errors.Wrap(err, "query occupancy")
	}
	return preds, nil
}
