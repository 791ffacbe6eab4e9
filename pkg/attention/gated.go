package attention

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"occmesh/pkg/features"
)

// Gated is a weight-based predictor. The global descriptor is projected
// to a channel query scored against every pixel (pixel attention) and to
// per-channel gates (channel attention); both are squashed with a sigmoid
// and multiplied into the ROI feature.
type Gated struct {
	// PixelQuery is C x G.
	PixelQuery *mat.Dense

	// ChannelProj is C x G.
	ChannelProj *mat.Dense

	// ChannelBias has C entries.
	ChannelBias []float64
}

// NewGated initializes a predictor for C-channel maps and G-wide
// descriptors with small deterministic weights.
func NewGated(channels, globalWidth int, seed int64) *Gated {
	rng := rand.New(rand.NewSource(seed))
	scale := 1 / math.Sqrt(float64(globalWidth))
	fill := func() *mat.Dense {
		d := make([]float64, channels*globalWidth)
		for i := range d {
			d[i] = rng.NormFloat64() * scale
		}
		return mat.NewDense(channels, globalWidth, d)
	}
	return &Gated{
		PixelQuery:  fill(),
		ChannelProj: fill(),
		ChannelBias: make([]float64, channels),
	}
}

// Reweight implements Predictor.
func (g *Gated) Reweight(ctx context.Context, roi *features.FeatureMap, global []float64, want Outputs) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, gw := g.PixelQuery.Dims()
	if roi.Channels != c {
		return nil, errors.Wrapf(features.ErrShape, "gated attention expects %d channels, got %d", c, roi.Channels)
	}
	if len(global) != gw {
		return nil, errors.Wrapf(features.ErrShape, "gated attention expects %d-wide descriptor, got %d", gw, len(global))
	}
	desc := mat.NewVecDense(gw, global)

	out := &Result{ROI: features.NewFeatureMap(roi.Channels, roi.Height, roi.Width)}
	copy(out.ROI.Data, roi.Data)
	n := roi.Height * roi.Width

	if want.Pixel {
		var q mat.VecDense
		q.MulVec(g.PixelQuery, desc)
		norm := 1 / math.Sqrt(float64(c))
		out.PixelWeights = features.NewFeatureMap(1, roi.Height, roi.Width)
		for i := 0; i < n; i++ {
			s := 0.0
			for ch := 0; ch < c; ch++ {
				s += q.AtVec(ch) * roi.Data[ch*n+i]
			}
			w := features.Sigmoid(s * norm)
			out.PixelWeights.Data[i] = w
			for ch := 0; ch < c; ch++ {
				out.ROI.Data[ch*n+i] *= w
			}
		}
	}

	if want.Channel {
		var gates mat.VecDense
		gates.MulVec(g.ChannelProj, desc)
		out.ChannelWeights = make([]float64, c)
		for ch := 0; ch < c; ch++ {
			w := features.Sigmoid(gates.AtVec(ch) + g.ChannelBias[ch])
			out.ChannelWeights[ch] = w
			plane := out.ROI.Plane(ch)
			for i := range plane {
				plane[i] *= w
			}
		}
	}
	return out, nil
}
