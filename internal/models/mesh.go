package models

import (
	"math"

	"github.com/golang/geo/r3"
)

// Mesh is an indexed triangle mesh.
type Mesh struct {
	// Vertices holds vertex positions.
	Vertices []r3.Vector

	// Faces holds vertex index triples. Winding is counter-clockwise when
	// viewed from outside, so FaceNormal points outward.
	Faces [][3]int
}

// Empty reports whether the mesh has no faces.
func (m *Mesh) Empty() bool {
	return m == nil || len(m.Faces) == 0
}

// FaceNormal returns the unnormalized normal (e1 x e2) of face f.
func (m *Mesh) FaceNormal(f int) r3.Vector {
	face := m.Faces[f]
	a, b, c := m.Vertices[face[0]], m.Vertices[face[1]], m.Vertices[face[2]]
	return b.Sub(a).Cross(c.Sub(a))
}

// FaceCentroid returns the mean of the three corners of face f.
func (m *Mesh) FaceCentroid(f int) r3.Vector {
	face := m.Faces[f]
	return m.Vertices[face[0]].Add(m.Vertices[face[1]]).Add(m.Vertices[face[2]]).Mul(1.0 / 3)
}

// Centroid returns the mean vertex position.
func (m *Mesh) Centroid() r3.Vector {
	var sum r3.Vector
	if len(m.Vertices) == 0 {
		return sum
	}
	for _, v := range m.Vertices {
		sum = sum.Add(v)
	}
	return sum.Mul(1 / float64(len(m.Vertices)))
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (m *Mesh) Bounds() (min, max r3.Vector) {
	if len(m.Vertices) == 0 {
		return min, max
	}
	min = r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	max = r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, v := range m.Vertices {
		min.X, max.X = math.Min(min.X, v.X), math.Max(max.X, v.X)
		min.Y, max.Y = math.Min(min.Y, v.Y), math.Max(max.Y, v.Y)
		min.Z, max.Z = math.Min(min.Z, v.Z), math.Max(max.Z, v.Z)
	}
	return min, max
}
