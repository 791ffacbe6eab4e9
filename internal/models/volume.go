package models

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// DefaultExtent is the canonical half-extent sampled on every axis when
// building the probability lattice.
const DefaultExtent = 1.2

// CropBox is a 2D bounding box in image pixel coordinates.
type CropBox struct {
	X0, Y0 float64
	X1, Y1 float64
}

// Center returns the midpoint of the box.
func (b CropBox) Center() (float64, float64) {
	return (b.X0 + b.X1) / 2, (b.Y0 + b.Y1) / 2
}

// CameraContext holds the per-sample geometry needed to map canonical
// object points into the image.
type CameraContext struct {
	// Intrinsics is the 3x3 pinhole matrix K.
	Intrinsics *mat.Dense

	// Rotation is the 3x3 orthonormal object rotation R.
	Rotation *mat.Dense

	// HalfExtents scales canonical coordinates into metric object size
	// (half of the bounding box size on each axis).
	HalfExtents r3.Vector

	// Center is the object center in camera space.
	Center r3.Vector

	// Crop, when set, is the 2D box that projected coordinates are
	// normalized against instead of the full image.
	Crop *CropBox
}

// ProbabilityVolume is a dense cubic lattice of occupancy probabilities.
// Data is stored with x as the outermost axis: i*R*R + j*R + k.
type ProbabilityVolume struct {
	// Resolution is the number of lattice samples along each axis.
	Resolution int

	// Extent is the canonical half-extent covered on each axis.
	Extent float64

	// Data holds Resolution^3 probabilities.
	Data []float64
}

// NewProbabilityVolume allocates a zeroed volume.
func NewProbabilityVolume(resolution int, extent float64) *ProbabilityVolume {
	return &ProbabilityVolume{
		Resolution: resolution,
		Extent:     extent,
		Data:       make([]float64, resolution*resolution*resolution),
	}
}

// Index maps lattice coordinates to the flat data index.
func (v *ProbabilityVolume) Index(i, j, k int) int {
	r := v.Resolution
	return (i*r+j)*r + k
}

// At returns the probability stored at lattice coordinates (i, j, k).
func (v *ProbabilityVolume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

// Set stores a probability at lattice coordinates (i, j, k).
func (v *ProbabilityVolume) Set(i, j, k int, p float64) {
	v.Data[v.Index(i, j, k)] = p
}

// Len is the number of lattice cells.
func (v *ProbabilityVolume) Len() int {
	return v.Resolution * v.Resolution * v.Resolution
}
