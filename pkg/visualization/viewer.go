// Package visualization renders slices of a probability volume for
// inspecting what the occupancy network predicted before extraction.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"occmesh/internal/models"
)

// Viewer extracts axis-aligned slices of a volume.
type Viewer struct {
	// volume holds the lattice probabilities, indexed (i*R + j)*R + k
	volume *models.ProbabilityVolume

	// scale enlarges saved slices so coarse lattices stay readable
	scale int
}

// NewViewer creates a viewer. Saved slices are enlarged by scale using
// nearest-neighbour resampling; values below 2 keep the lattice size.
func NewViewer(volume *models.ProbabilityVolume, scale int) *Viewer {
	if scale < 1 {
		scale = 1
	}
	return &Viewer{volume: volume, scale: scale}
}

// gray maps a probability to a 16-bit intensity. NaN renders black.
func gray(p float64) color.Gray16 {
	if math.IsNaN(p) {
		return color.Gray16{}
	}
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, p*65535)))}
}

// ExtractSlice extracts the plane where the given lattice axis equals
// position. Rows and columns follow the two remaining axes in i, j, k
// order: an "x" slice has rows j and columns k, a "y" slice rows i and
// columns k, a "z" slice rows i and columns j.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	r := v.volume.Resolution
	if position < 0 || position >= r {
		return nil, errors.Errorf("position %d outside lattice of resolution %d", position, r)
	}

	var at func(row, col int) float64
	switch axis {
	case "x", "X":
		at = func(row, col int) float64 { return v.volume.At(position, row, col) }
	case "y", "Y":
		at = func(row, col int) float64 { return v.volume.At(row, position, col) }
	case "z", "Z":
		at = func(row, col int) float64 { return v.volume.At(row, col, position) }
	default:
		return nil, errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	img := image.NewGray16(image.Rect(0, 0, r, r))
	for row := 0; row < r; row++ {
		for col := 0; col < r; col++ {
			img.SetGray16(col, row, gray(at(row, col)))
		}
	}
	return img, nil
}

// Occupied counts lattice cells with probability strictly above level in
// the given slice.
func Occupied(img *image.Gray16, level float64) int {
	cut := gray(level).Y
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.Gray16At(x, y).Y > cut {
				n++
			}
		}
	}
	return n
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if v.scale > 1 {
		b := img.Bounds()
		img = imaging.Resize(img, b.Dx()*v.scale, b.Dy()*v.scale, imaging.NearestNeighbor)
	}
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create slice file")
	}
	defer file.Close()

	return errors.Wrap(jpeg.Encode(file, img, &jpeg.Options{Quality: 90}), "encode slice")
}

// SaveSliceSequence extracts and saves every slice along the given axis
// and returns, per slice, the number of cells strictly above level.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string, level float64) ([]int, error) {
	switch axis {
	case "x", "X", "y", "Y", "z", "Z":
	default:
		return nil, errors.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create slice directory")
	}

	occupied := make([]int, v.volume.Resolution)
	for pos := range occupied {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return nil, err
		}
		occupied[pos] = Occupied(img, level)
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
	}
	return occupied, nil
}
