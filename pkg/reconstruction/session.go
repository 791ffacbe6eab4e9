// Package reconstruction wires the feature extractor, attention fusion,
// query evaluator, aggregation strategy, surface extractor and mesh
// cleaner into a single immutable Session.
//
// A Session is built once from a validated configuration. Each image is
// then handled by its own Frame, which holds everything derived from that
// image (feature stack, ROI maps, global descriptor). Frames never write
// to the Session, so one Session may serve any number of goroutines.
package reconstruction

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"occmesh/internal/models"
	"occmesh/pkg/aggregate"
	"occmesh/pkg/attention"
	"occmesh/pkg/config"
	"occmesh/pkg/features"
	"occmesh/pkg/geometry"
	"occmesh/pkg/meshclean"
	"occmesh/pkg/query"
	"occmesh/pkg/surface"
)

// ErrWidthMismatch is returned when a predictor's declared input width
// disagrees with the configured per-point vector layout.
var ErrWidthMismatch = query.ErrWidthMismatch

// Components are the learned or pluggable collaborators of a Session.
type Components struct {
	// Extractor produces the feature stack. Required.
	Extractor features.Extractor

	// Occupancy is the local-branch occupancy head. Required.
	Occupancy query.Predictor

	// Global is the global-branch occupancy head, required when the global
	// reconstruction branch is enabled.
	Global query.Predictor

	// Attention is required when attention is enabled.
	Attention attention.Predictor

	// GlobalEncoder is required whenever the global descriptor is used.
	GlobalEncoder features.GlobalEncoder

	// MaskDecoder is optional; without it no mask loss is computed.
	MaskDecoder features.MaskDecoder
}

// Result is the outcome of reconstructing one sample.
type Result struct {
	// Mesh is the dominant connected component of the extracted surface.
	Mesh *models.Mesh

	// Volume is the lattice of final-level probabilities.
	Volume *models.ProbabilityVolume

	// Success is false when the sentinel sphere replaced the surface.
	Success bool

	// Components is the number of connected components before cleanup.
	Components int

	// FrameID identifies the call in logs.
	FrameID string
}

// Session is a configured, immutable reconstruction pipeline.
type Session struct {
	caps config.Capabilities

	extractor     features.Extractor
	globalEncoder features.GlobalEncoder
	maskDecoder   features.MaskDecoder
	fusion        *attention.Fusion
	evaluator     *query.Evaluator
	strategy      aggregate.Strategy
	surface       *surface.Extractor

	roiSize    int
	classDim   int
	resolution int
	extent     float64

	logger *zap.SugaredLogger
}

// PointLayout derives the per-point vector layout the occupancy head must
// accept for a configuration and extractor.
func PointLayout(cfg *config.Config, extractor features.Extractor, encoder features.GlobalEncoder) (query.Layout, error) {
	caps, err := cfg.Capabilities()
	if err != nil {
		return query.Layout{}, err
	}
	return layoutFor(caps, cfg.Model.ClassDim, extractor, encoder)
}

func layoutFor(caps config.Capabilities, classDim int, extractor features.Extractor, encoder features.GlobalEncoder) (query.Layout, error) {
	if extractor == nil {
		return query.Layout{}, errors.New("session needs a feature extractor")
	}
	shapes := extractor.Shapes()
	if len(shapes) == 0 {
		return query.Layout{}, errors.New("feature extractor declares no levels")
	}
	channels := shapes[len(shapes)-1].Channels
	for i, s := range shapes {
		if s.Channels != channels {
			return query.Layout{}, errors.Wrapf(ErrWidthMismatch,
				"level %d has %d channels, last level has %d", i, s.Channels, channels)
		}
	}

	layout := query.Layout{
		LocalChannels: channels,
		Position:      features.IdentityEncoder{},
		ClassDim:      classDim,
	}
	if caps.Multires > 0 {
		layout.Position = features.NewFrequencyEncoder(caps.Multires)
	}
	if caps.SkipFeature {
		if layout.SkipChannels = extractor.SkipChannels(); layout.SkipChannels == 0 {
			return query.Layout{}, errors.Wrap(ErrWidthMismatch, "skip feature enabled but the extractor produces none")
		}
	}
	if caps.NeedsGlobal() && encoder == nil {
		return query.Layout{}, errors.New("global descriptor in use without a global encoder")
	}
	if caps.GlobalFeature {
		layout.GlobalWidth = encoder.Width()
	}
	return layout, nil
}

// NewSession validates the configuration, checks every collaborator's
// width against it and resolves the toggles into a fixed pipeline.
func NewSession(cfg *config.Config, comps Components, logger *zap.SugaredLogger) (*Session, error) {
	caps, err := cfg.Capabilities()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("reconstruction")

	layout, err := layoutFor(caps, cfg.Model.ClassDim, comps.Extractor, comps.GlobalEncoder)
	if err != nil {
		return nil, err
	}

	fusion, err := attention.NewFusion(attention.Options{
		Enabled:  caps.Attention,
		Pixel:    caps.PixelAttention,
		Channel:  caps.ChannelAttention,
		ROIAlign: caps.ROIAlign,
	}, comps.Attention)
	if err != nil {
		return nil, err
	}

	var global query.Predictor
	globalWidth := 0
	if caps.GlobalRecon {
		if comps.Global == nil {
			return nil, errors.New("global reconstruction enabled without a global predictor")
		}
		global, globalWidth = comps.Global, comps.GlobalEncoder.Width()
	}

	r := cfg.Reconstruction
	evaluator, err := query.NewEvaluator(
		geometry.NewTransformer(r.MinProjectionDepth),
		layout,
		comps.Occupancy,
		global,
		globalWidth,
		query.Options{ChunkSize: r.ChunkSize, Workers: r.NumWorkers},
		logger,
	)
	if err != nil {
		return nil, err
	}

	var masks features.MaskDecoder
	if caps.InstanceMask {
		masks = comps.MaskDecoder
	}

	s := &Session{
		caps:          caps,
		extractor:     comps.Extractor,
		globalEncoder: comps.GlobalEncoder,
		maskDecoder:   masks,
		fusion:        fusion,
		evaluator:     evaluator,
		strategy:      aggregate.NewStrategy(caps.Dataset, caps.NearSurfaceSamples),
		surface:       surface.NewExtractor(r.Threshold, r.FallbackRadius),
		roiSize:       cfg.Model.ROISize,
		classDim:      cfg.Model.ClassDim,
		resolution:    r.Resolution,
		extent:        r.Extent,
		logger:        logger,
	}
	logger.Debugw("session ready",
		"vectorWidth", layout.Width(),
		"attention", caps.Attention,
		"globalRecon", caps.GlobalRecon,
		"strategy", s.strategy.Name())
	return s, nil
}

// Capabilities returns the resolved toggles.
func (s *Session) Capabilities() config.Capabilities {
	return s.caps
}

// Layout returns the per-point vector layout.
func (s *Session) Layout() query.Layout {
	return s.evaluator.Layout()
}

// Reconstruct evaluates the occupancy field over the lattice for one
// sample, extracts the isosurface and keeps its dominant component.
func (s *Session) Reconstruct(ctx context.Context, sample Sample) (*Result, error) {
	start := time.Now()
	frame, err := s.prepare(ctx, sample, false)
	if err != nil {
		return nil, err
	}

	points := geometry.Lattice(s.resolution, s.extent)
	preds, err := frame.Query(ctx, points)
	if err != nil {
		return nil, err
	}

	vol := models.NewProbabilityVolume(s.resolution, s.extent)
	copy(vol.Data, preds.Last())

	mesh, ok := s.surface.Extract(vol)
	if !ok {
		frame.logger.Warnw("no surface crossed the threshold, using sentinel sphere",
			"threshold", s.surface.Level)
	}
	cleaned, n, err := meshclean.Clean(mesh)
	if err != nil {
		return nil, errors.Wrap(err, "clean mesh")
	}

	frame.logger.Infow("reconstructed",
		"success", ok,
		"vertices", len(cleaned.Vertices),
		"faces", len(cleaned.Faces),
		"components", n,
		"elapsed", time.Since(start))
	return &Result{
		Mesh:       cleaned,
		Volume:     vol,
		Success:    ok,
		Components: n,
		FrameID:    frame.ID.String(),
	}, nil
}

// Evaluate runs a training-mode forward pass: every stack level yields a
// prediction for the sample's labelled points, and the configured dataset
// strategy reduces them to a loss report.
func (s *Session) Evaluate(ctx context.Context, sample Sample) (*aggregate.Report, error) {
	if sample.Points == nil || len(sample.Labels) == 0 {
		return nil, errors.New("evaluation needs labelled points")
	}
	if n, _ := sample.Points.Dims(); n != len(sample.Labels) {
		return nil, errors.Errorf("sample has %d points but %d labels", n, len(sample.Labels))
	}
	frame, err := s.prepare(ctx, sample, true)
	if err != nil {
		return nil, err
	}
	preds, err := frame.Query(ctx, sample.Points)
	if err != nil {
		return nil, err
	}

	batch := aggregate.Batch{
		Predictions:      preds.Levels,
		Labels:           sample.Labels,
		ChannelAttention: frame.ChannelWeights,
	}
	if sample.Mask != nil {
		batch.Masks, batch.MaskLabel = frame.Masks, sample.Mask
	}
	report, err := aggregate.Evaluate(s.strategy, batch)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate predictions")
	}
	frame.logger.Infow("evaluated", "strategy", s.strategy.Name(), "loss", report.Loss, "levels", len(preds.Levels))
	return report, nil
}
