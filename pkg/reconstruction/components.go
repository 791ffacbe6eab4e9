package reconstruction

import (
	"os"

	"github.com/pkg/errors"

	"occmesh/pkg/attention"
	"occmesh/pkg/config"
	"occmesh/pkg/features"
	"occmesh/pkg/nn"
)

// DefaultComponents builds the stock collaborators for a configuration:
// the image pyramid extractor, a pooling global encoder, gated attention,
// a uniform mask decoder and MLP occupancy heads. Heads are read from the
// configured weight files when set and seeded otherwise.
func DefaultComponents(cfg *config.Config) (Components, error) {
	caps, err := cfg.Capabilities()
	if err != nil {
		return Components{}, err
	}
	m := cfg.Model

	extractor, err := features.NewPyramidExtractor(m.InputSize, m.FeatureLevels, caps.SkipFeature)
	if err != nil {
		return Components{}, err
	}
	shapes := extractor.Shapes()
	channels := shapes[len(shapes)-1].Channels
	encoder := features.PoolingEncoder{Channels: channels}

	layout, err := layoutFor(caps, m.ClassDim, extractor, encoder)
	if err != nil {
		return Components{}, err
	}

	comps := Components{
		Extractor:     extractor,
		GlobalEncoder: encoder,
	}
	if comps.Occupancy, err = occupancyHead(m.OccupancyWeights, layout.Width(), m.HiddenDims, m.Seed); err != nil {
		return Components{}, errors.Wrap(err, "occupancy head")
	}
	if caps.GlobalRecon {
		width := layout.GlobalBranchWidth(encoder.Width())
		if comps.Global, err = occupancyHead(m.GlobalWeights, width, m.HiddenDims, m.Seed+1); err != nil {
			return Components{}, errors.Wrap(err, "global head")
		}
	}
	if caps.Attention {
		comps.Attention = attention.NewGated(channels, encoder.Width()+m.ClassDim, m.Seed+2)
	}
	if caps.InstanceMask {
		w := make([]float64, channels)
		for i := range w {
			w[i] = 1 / float64(channels)
		}
		comps.MaskDecoder = features.LinearMaskDecoder{Weights: w}
	}
	return comps, nil
}

func occupancyHead(weights string, width int, hidden []int, seed int64) (*nn.MLP, error) {
	if weights == "" {
		dims := append(append([]int{width}, hidden...), 1)
		return nn.NewMLP(dims, seed, nn.OutputSigmoid)
	}
	f, err := os.Open(weights)
	if err != nil {
		return nil, errors.Wrap(err, "open weights")
	}
	defer f.Close()
	return nn.Load(f)
}
