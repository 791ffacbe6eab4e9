// Package attention turns a feature-stack level into the region-of-interest
// feature map consumed by the point sampler, optionally reweighting it per
// pixel and per channel with a global descriptor.
package attention

import (
	"context"

	"github.com/pkg/errors"

	"occmesh/pkg/features"
)

// Outputs selects which reweighting maps a predictor computes.
type Outputs struct {
	Pixel   bool
	Channel bool
}

// Result is the output of one fusion step.
type Result struct {
	// ROI is the region-of-interest feature map.
	ROI *features.FeatureMap

	// PixelWeights is a 1 x H x W map matching ROI's spatial size, or nil
	// when pixel attention is off.
	PixelWeights *features.FeatureMap

	// ChannelWeights has one weight per ROI channel, or nil when channel
	// attention is off.
	ChannelWeights []float64
}

// Predictor is the learned reweighting function. It must only compute the
// outputs requested in want.
type Predictor interface {
	Reweight(ctx context.Context, roi *features.FeatureMap, global []float64, want Outputs) (*Result, error)
}

// Options configures a Fusion. They are fixed for the fusion's lifetime.
type Options struct {
	// Enabled routes ROI maps through the Predictor.
	Enabled bool

	// Pixel and Channel select the reweighting maps. Ignored unless Enabled.
	Pixel   bool
	Channel bool

	// ROIAlign resamples the level onto the ROI grid before anything else.
	// Without it the level is used as-is.
	ROIAlign bool
}

// Fusion is the fixed per-level ROI pipeline selected at construction.
type Fusion struct {
	opts      Options
	predictor Predictor
}

// NewFusion resolves options into a fusion pipeline.
func NewFusion(opts Options, predictor Predictor) (*Fusion, error) {
	if opts.Enabled && predictor == nil {
		return nil, errors.New("attention enabled without a predictor")
	}
	if !opts.Enabled {
		opts.Pixel, opts.Channel = false, false
		predictor = nil
	}
	return &Fusion{opts: opts, predictor: predictor}, nil
}

// Options returns the resolved options.
func (f *Fusion) Options() Options {
	return f.opts
}

// Apply produces the ROI feature for one stack level.
func (f *Fusion) Apply(
	ctx context.Context,
	level *features.FeatureMap,
	grid features.ROIGrid,
	global []float64,
) (*Result, error) {
	roi := level
	if f.opts.ROIAlign {
		var err error
		if roi, err = features.Resample(level, grid); err != nil {
			return nil, errors.Wrap(err, "roi align")
		}
	}
	if !f.opts.Enabled {
		return &Result{ROI: roi}, nil
	}

	want := Outputs{Pixel: f.opts.Pixel, Channel: f.opts.Channel}
	res, err := f.predictor.Reweight(ctx, roi, global, want)
	if err != nil {
		return nil, errors.Wrap(err, "attention reweight")
	}
	if err := checkResult(res, roi, want); err != nil {
		return nil, err
	}
	return res, nil
}

func checkResult(res *Result, roi *features.FeatureMap, want Outputs) error {
	if res == nil || res.ROI == nil {
		return errors.Wrap(features.ErrShape, "attention returned no roi feature")
	}
	if res.ROI.Shape() != roi.Shape() {
		return errors.Wrapf(features.ErrShape, "attention roi %+v, want %+v", res.ROI.Shape(), roi.Shape())
	}
	if want.Pixel {
		pw := res.PixelWeights
		if pw == nil || pw.Channels != 1 || pw.Height != roi.Height || pw.Width != roi.Width {
			return errors.Wrap(features.ErrShape, "pixel weights must be 1 x H x W of the roi")
		}
	}
	if want.Channel && len(res.ChannelWeights) != roi.Channels {
		return errors.Wrapf(features.ErrShape, "channel weights have %d entries, want %d",
			len(res.ChannelWeights), roi.Channels)
	}
	return nil
}
