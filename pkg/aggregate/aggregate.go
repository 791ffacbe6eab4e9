// Package aggregate combines per-level occupancy predictions into the
// training loss and accuracy report. The dataset variant decides how the
// label vector is partitioned and is chosen once, as a Strategy.
package aggregate

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"occmesh/pkg/features"
)

// VariantPix3D is the dataset tag whose labels start with a block of
// near-surface samples followed by uniform samples.
const VariantPix3D = "pix3d_recon"

// DefaultNearSurfaceSamples is the size of the near-surface block.
const DefaultNearSurfaceSamples = 2048

const (
	nearWeight    = 0.1
	uniformWeight = 1.0
	pix3dScale    = 10.0
)

// Threshold is the occupancy decision boundary. Values strictly greater
// than Threshold are occupied; exactly Threshold is empty.
const Threshold = 0.5

// Batch is everything one forward pass produced for a sample.
type Batch struct {
	// Predictions holds one N-length slice per level; the last is the
	// final prediction.
	Predictions [][]float64

	// Labels are the N ground-truth occupancies.
	Labels []float64

	// Masks are the per-level predicted masks. Empty disables mask loss.
	Masks []*features.FeatureMap

	// MaskLabel is the ground-truth silhouette.
	MaskLabel *features.FeatureMap

	// ChannelAttention is the last level's channel weights, if any.
	ChannelAttention []float64
}

// Report is the scalar summary of a forward pass.
type Report struct {
	Loss     float64 `yaml:"loss"`
	MaskLoss float64 `yaml:"mask_loss"`

	ReconLoss float64 `yaml:"recon_loss,omitempty"`
	Accuracy  float64 `yaml:"pred_acc,omitempty"`

	NearLoss        float64 `yaml:"nss_recon_loss,omitempty"`
	UniformLoss     float64 `yaml:"uni_recon_loss,omitempty"`
	NearAccuracy    float64 `yaml:"nss_pred_acc,omitempty"`
	UniformAccuracy float64 `yaml:"uni_pred_acc,omitempty"`

	HasAttention bool    `yaml:"-"`
	MaxAttention float64 `yaml:"max_atten,omitempty"`
	MinAttention float64 `yaml:"min_atten,omitempty"`
}

// Strategy is a dataset variant's loss and accuracy contract.
type Strategy interface {
	Name() string
	ComputeLoss(b Batch) (*Report, error)
	ComputeAccuracy(preds, labels []float64, r *Report) error
}

// NewStrategy selects the variant for a dataset tag. Any tag other than
// VariantPix3D gets the default variant.
func NewStrategy(tag string, nearSurface int) Strategy {
	if tag == VariantPix3D {
		if nearSurface <= 0 {
			nearSurface = DefaultNearSurfaceSamples
		}
		return pix3d{split: nearSurface}
	}
	return plain{}
}

// Evaluate runs the loss then the accuracy on the last level, and fills
// the attention diagnostics.
func Evaluate(s Strategy, b Batch) (*Report, error) {
	if len(b.Predictions) == 0 || len(b.Labels) == 0 {
		return nil, errors.New("no predictions to aggregate")
	}
	for i, p := range b.Predictions {
		if len(p) != len(b.Labels) {
			return nil, errors.Errorf("level %d has %d predictions for %d labels", i, len(p), len(b.Labels))
		}
	}
	r, err := s.ComputeLoss(b)
	if err != nil {
		return nil, err
	}
	if err := s.ComputeAccuracy(b.Predictions[len(b.Predictions)-1], b.Labels, r); err != nil {
		return nil, err
	}
	if len(b.ChannelAttention) > 0 {
		r.HasAttention = true
		r.MaxAttention = floats.Max(b.ChannelAttention)
		r.MinAttention = floats.Min(b.ChannelAttention)
	}
	return r, nil
}

// Binarize maps a probability to 0 or 1. NaN maps to 0.
func Binarize(p float64) float64 {
	if p > Threshold {
		return 1
	}
	return 0
}

// L1 is the mean absolute difference.
func L1(pred, label []float64) float64 {
	d := make([]float64, len(pred))
	floats.SubTo(d, pred, label)
	for i, v := range d {
		d[i] = math.Abs(v)
	}
	return stat.Mean(d, nil)
}

// MSE is the mean squared difference.
func MSE(pred, label []float64) float64 {
	d := make([]float64, len(pred))
	floats.SubTo(d, pred, label)
	floats.Mul(d, d)
	return stat.Mean(d, nil)
}

// Accuracy is 1 - mean(|binarize(pred) - label|).
func Accuracy(pred, label []float64) float64 {
	d := make([]float64, len(pred))
	for i, p := range pred {
		d[i] = math.Abs(Binarize(p) - label[i])
	}
	return 1 - stat.Mean(d, nil)
}

// MaskLoss is the per-level MSE against the label resized to each level,
// averaged over levels. No masks means no mask loss.
func MaskLoss(masks []*features.FeatureMap, label *features.FeatureMap) (float64, error) {
	if len(masks) == 0 {
		return 0, nil
	}
	if label == nil {
		return 0, errors.New("mask loss needs a mask label")
	}
	total := 0.0
	for i, m := range masks {
		if m.Channels != label.Channels {
			return 0, errors.Wrapf(features.ErrShape, "mask level %d has %d channels, label has %d", i, m.Channels, label.Channels)
		}
		target := features.ResizeNearest(label, m.Height, m.Width)
		total += MSE(m.Data, target.Data)
	}
	return total / float64(len(masks)), nil
}

// plain is the default variant: mean over levels of L1 on all labels.
type plain struct{}

func (plain) Name() string { return "default" }

func (plain) ComputeLoss(b Batch) (*Report, error) {
	recon := 0.0
	for _, p := range b.Predictions {
		recon += L1(p, b.Labels)
	}
	recon /= float64(len(b.Predictions))
	mask, err := MaskLoss(b.Masks, b.MaskLabel)
	if err != nil {
		return nil, err
	}
	return &Report{Loss: recon + mask, ReconLoss: recon, MaskLoss: mask}, nil
}

func (plain) ComputeAccuracy(preds, labels []float64, r *Report) error {
	r.Accuracy = Accuracy(preds, labels)
	return nil
}

// pix3d weights near-surface samples [0, split) and uniform samples
// [split, N) separately and reports the loss scaled up.
type pix3d struct {
	split int
}

func (pix3d) Name() string { return VariantPix3D }

func (s pix3d) check(n int) error {
	if n <= s.split {
		return errors.Errorf("%s needs more than %d labels, got %d", VariantPix3D, s.split, n)
	}
	return nil
}

func (s pix3d) ComputeLoss(b Batch) (*Report, error) {
	if err := s.check(len(b.Labels)); err != nil {
		return nil, err
	}
	near, uni := 0.0, 0.0
	for _, p := range b.Predictions {
		near += L1(p[:s.split], b.Labels[:s.split])
		uni += L1(p[s.split:], b.Labels[s.split:])
	}
	near /= float64(len(b.Predictions))
	uni /= float64(len(b.Predictions))
	mask, err := MaskLoss(b.Masks, b.MaskLabel)
	if err != nil {
		return nil, err
	}
	return &Report{
		Loss:        (nearWeight*near + uniformWeight*uni + mask) * pix3dScale,
		NearLoss:    near,
		UniformLoss: uni,
		MaskLoss:    mask,
	}, nil
}

func (s pix3d) ComputeAccuracy(preds, labels []float64, r *Report) error {
	if err := s.check(len(labels)); err != nil {
		return err
	}
	r.NearAccuracy = Accuracy(preds[:s.split], labels[:s.split])
	r.UniformAccuracy = Accuracy(preds[s.split:], labels[s.split:])
	return nil
}
