package surface

import (
	"math"

	"github.com/golang/geo/r3"

	"occmesh/internal/models"
)

const (
	// DefaultLevel is the occupancy iso-level.
	DefaultLevel = 0.5

	// DefaultFallbackRadius is the radius of the sentinel sphere returned
	// when no surface can be extracted.
	DefaultFallbackRadius = 0.5

	sphereStacks = 16
	sphereSlices = 32
)

// Extractor turns a probability volume into a mesh in canonical units.
type Extractor struct {
	Level          float64
	FallbackRadius float64
}

// NewExtractor returns an extractor for the given iso-level. Any finite
// level is used as is, so logit outputs can be cut at 0; NaN selects
// DefaultLevel. A non-positive radius selects DefaultFallbackRadius.
func NewExtractor(level, fallbackRadius float64) *Extractor {
	if math.IsNaN(level) {
		level = DefaultLevel
	}
	if !(fallbackRadius > 0) {
		fallbackRadius = DefaultFallbackRadius
	}
	return &Extractor{Level: level, FallbackRadius: fallbackRadius}
}

// Extract runs the isosurface at e.Level, maps vertices from grid indices
// to canonical units ((v - R/2) * 2*extent/R) and flips every face from
// (a, b, c) to (a, c, b) so normals face away from the occupied region.
//
// When the volume is malformed or no surface crosses the level, Extract
// returns the sentinel sphere and false.
func (e *Extractor) Extract(vol *models.ProbabilityVolume) (*models.Mesh, bool) {
	r := vol.Resolution
	if r < 2 || len(vol.Data) != r*r*r {
		return Sphere(e.FallbackRadius), false
	}
	m := MarchingTetrahedra(vol.Data, r, e.Level)
	if len(m.Faces) == 0 {
		return Sphere(e.FallbackRadius), false
	}

	extent := vol.Extent
	if extent <= 0 {
		extent = models.DefaultExtent
	}
	half := float64(r) / 2
	shift := r3.Vector{X: half, Y: half, Z: half}
	scale := 2 * extent / float64(r)
	for i, v := range m.Vertices {
		m.Vertices[i] = v.Sub(shift).Mul(scale)
	}
	for i, f := range m.Faces {
		m.Faces[i] = [3]int{f[0], f[2], f[1]}
	}
	return m, true
}

// Sphere is the deterministic UV sphere used as the extraction fallback.
// Face normals point outward.
func Sphere(radius float64) *models.Mesh {
	m := &models.Mesh{}
	m.Vertices = append(m.Vertices, r3.Vector{Z: radius})
	for i := 1; i < sphereStacks; i++ {
		phi := math.Pi * float64(i) / sphereStacks
		for j := 0; j < sphereSlices; j++ {
			theta := 2 * math.Pi * float64(j) / sphereSlices
			m.Vertices = append(m.Vertices, r3.Vector{
				X: radius * math.Sin(phi) * math.Cos(theta),
				Y: radius * math.Sin(phi) * math.Sin(theta),
				Z: radius * math.Cos(phi),
			})
		}
	}
	south := len(m.Vertices)
	m.Vertices = append(m.Vertices, r3.Vector{Z: -radius})

	ring := func(i, j int) int { return 1 + (i-1)*sphereSlices + j%sphereSlices }
	for j := 0; j < sphereSlices; j++ {
		m.Faces = append(m.Faces, [3]int{0, ring(1, j), ring(1, j+1)})
	}
	for i := 1; i+1 < sphereStacks; i++ {
		for j := 0; j < sphereSlices; j++ {
			a, b, c, d := ring(i, j), ring(i+1, j), ring(i+1, j+1), ring(i, j+1)
			m.Faces = append(m.Faces, [3]int{a, b, c}, [3]int{a, c, d})
		}
	}
	last := sphereStacks - 1
	for j := 0; j < sphereSlices; j++ {
		m.Faces = append(m.Faces, [3]int{south, ring(last, j+1), ring(last, j)})
	}
	return m
}
