package reconstruction

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"occmesh/internal/models"
	"occmesh/pkg/config"
	"occmesh/pkg/features"
)

// Sample is one image with its camera and, for evaluation, labelled
// canonical points.
type Sample struct {
	Image     image.Image
	Camera    models.CameraContext
	ClassCode []float64

	// Points (N x 3) and Labels are only needed by Session.Evaluate.
	Points *mat.Dense
	Labels []float64

	// Mask is an optional 1 x H x W ground-truth silhouette.
	Mask *features.FeatureMap
}

// LoadSample opens the images a sample file refers to.
func LoadSample(sf *config.SampleFile) (Sample, error) {
	img, err := imaging.Open(sf.Resolve(sf.Image))
	if err != nil {
		return Sample{}, errors.Wrap(err, "open sample image")
	}
	s := Sample{
		Image:     img,
		Camera:    sf.Camera(),
		ClassCode: sf.ClassCode,
		Points:    sf.PointMatrix(),
		Labels:    sf.Labels,
	}
	if sf.Mask != "" {
		m, err := imaging.Open(sf.Resolve(sf.Mask))
		if err != nil {
			return Sample{}, errors.Wrap(err, "open sample mask")
		}
		s.Mask = MaskFromImage(m)
	}
	return s, nil
}

// MaskFromImage converts a silhouette image into a 1 x H x W map holding
// 1 where the pixel is brighter than mid-gray and 0 elsewhere.
func MaskFromImage(img image.Image) *features.FeatureMap {
	b := img.Bounds()
	fm := features.NewFeatureMap(1, b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			if g.Y > 0x7fff {
				fm.Set(0, y, x, 1)
			}
		}
	}
	return fm
}
