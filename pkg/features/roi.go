package features

import (
	"github.com/pkg/errors"

	"occmesh/internal/models"
)

// ROIGrid is a regular sampling grid over a normalized image box. Corners
// of the grid sit exactly on the box corners.
type ROIGrid struct {
	Height, Width int

	// X0, Y0, X1, Y1 bound the box in normalized image coordinates.
	X0, Y0, X1, Y1 float64
}

// FullGrid covers the whole image at the given size.
func FullGrid(height, width int) ROIGrid {
	return ROIGrid{Height: height, Width: width, X0: -1, Y0: -1, X1: 1, Y1: 1}
}

// GridFromCrop converts a pixel crop box into a normalized grid, using the
// same normalization the projection applies to full images.
func GridFromCrop(box models.CropBox, imageWidth, imageHeight float64, height, width int) ROIGrid {
	nx := func(px float64) float64 { return (px - imageWidth/2) / imageWidth * 2 }
	ny := func(py float64) float64 { return (py - imageHeight/2) / imageHeight * 2 }
	return ROIGrid{
		Height: height,
		Width:  width,
		X0:     nx(box.X0),
		Y0:     ny(box.Y0),
		X1:     nx(box.X1),
		Y1:     ny(box.Y1),
	}
}

// Point returns the normalized coordinate of grid cell (row, col).
func (g ROIGrid) Point(row, col int) (float64, float64) {
	return lerp(g.X0, g.X1, col, g.Width), lerp(g.Y0, g.Y1, row, g.Height)
}

func lerp(lo, hi float64, i, n int) float64 {
	if n <= 1 {
		return (lo + hi) / 2
	}
	return lo + (hi-lo)*float64(i)/float64(n-1)
}

// Resample bilinearly samples src at every grid point.
func Resample(src *FeatureMap, grid ROIGrid) (*FeatureMap, error) {
	if grid.Height <= 0 || grid.Width <= 0 {
		return nil, errors.Wrapf(ErrShape, "roi grid %dx%d", grid.Height, grid.Width)
	}
	out := NewFeatureMap(src.Channels, grid.Height, grid.Width)
	buf := make([]float64, src.Channels)
	for row := 0; row < grid.Height; row++ {
		for col := 0; col < grid.Width; col++ {
			x, y := grid.Point(row, col)
			src.Sample(x, y, buf)
			for c, v := range buf {
				out.Set(c, row, col, v)
			}
		}
	}
	return out, nil
}

// ResizeNearest resizes a single-channel map with the floor-index nearest
// rule: destination pixel i reads source pixel floor(i * in / out).
func ResizeNearest(src *FeatureMap, height, width int) *FeatureMap {
	out := NewFeatureMap(src.Channels, height, width)
	for c := 0; c < src.Channels; c++ {
		for y := 0; y < height; y++ {
			sy := min(y*src.Height/height, src.Height-1)
			for x := 0; x < width; x++ {
				sx := min(x*src.Width/width, src.Width-1)
				out.Set(c, y, x, src.At(c, sy, sx))
			}
		}
	}
	return out
}
