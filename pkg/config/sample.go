package config

import (
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"occmesh/internal/models"
)

// SampleFile describes one input image, its camera and, for evaluation,
// labelled query points
type SampleFile struct {
	// Image is the RGB image path, relative to the sample file
	Image string `yaml:"image"`

	// Intrinsics is the 3x3 camera matrix K
	Intrinsics [3][3]float64 `yaml:"intrinsics"`

	// Rotation is the 3x3 object rotation R
	Rotation [3][3]float64 `yaml:"rotation"`

	// BBoxSize is the full object box size; half extents are half of it
	BBoxSize [3]float64 `yaml:"bboxSize"`

	// Center is the object center in camera space
	Center [3]float64 `yaml:"center"`

	// Crop is the optional 2D box x0, y0, x1, y1 in pixels
	Crop *[4]float64 `yaml:"crop,omitempty"`

	// ClassCode is the one-hot object category
	ClassCode []float64 `yaml:"classCode"`

	// Points and Labels are canonical query points with ground-truth occupancy
	Points [][3]float64 `yaml:"points,omitempty"`
	Labels []float64    `yaml:"labels,omitempty"`

	// Mask is the optional ground-truth silhouette image path
	Mask string `yaml:"mask,omitempty"`

	dir string
}

// LoadSample reads a sample description from a YAML file
func LoadSample(path string) (*SampleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading sample file")
	}
	s := &SampleFile{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "error parsing sample file")
	}
	s.dir = filepath.Dir(path)
	if len(s.Points) != len(s.Labels) {
		return nil, errors.Errorf("sample has %d points but %d labels", len(s.Points), len(s.Labels))
	}
	return s, nil
}

// Resolve returns p relative to the sample file's directory
func (s *SampleFile) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.dir, p)
}

// Camera converts the sample's geometry into a camera context
func (s *SampleFile) Camera() models.CameraContext {
	flat := func(m [3][3]float64) []float64 {
		out := make([]float64, 0, 9)
		for _, row := range m {
			out = append(out, row[:]...)
		}
		return out
	}
	cam := models.CameraContext{
		Intrinsics:  mat.NewDense(3, 3, flat(s.Intrinsics)),
		Rotation:    mat.NewDense(3, 3, flat(s.Rotation)),
		HalfExtents: r3.Vector{X: s.BBoxSize[0] / 2, Y: s.BBoxSize[1] / 2, Z: s.BBoxSize[2] / 2},
		Center:      r3.Vector{X: s.Center[0], Y: s.Center[1], Z: s.Center[2]},
	}
	if s.Crop != nil {
		cam.Crop = &models.CropBox{X0: s.Crop[0], Y0: s.Crop[1], X1: s.Crop[2], Y1: s.Crop[3]}
	}
	return cam
}

// PointMatrix returns the labelled points as an N x 3 matrix, or nil
func (s *SampleFile) PointMatrix() *mat.Dense {
	if len(s.Points) == 0 {
		return nil
	}
	data := make([]float64, 0, 3*len(s.Points))
	for _, p := range s.Points {
		data = append(data, p[:]...)
	}
	return mat.NewDense(len(s.Points), 3, data)
}
