// Package surface extracts a triangle mesh from a probability volume.
//
// Each lattice cube is split into six tetrahedra sharing the cube's main
// diagonal (the Kuhn decomposition). Neighbouring cubes split their shared
// faces along the same diagonal, so per-tetrahedron surface pieces join
// into a conforming mesh without a case table.
package surface

import (
	"math"

	"github.com/golang/geo/r3"

	"occmesh/internal/models"
)

// kuhn lists the corner offsets of the six tetrahedra of a unit cube. Each
// walks from (0,0,0) to (1,1,1) one axis at a time, in every axis order.
var kuhn = func() [6][4][3]int {
	orders := [6][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	var tets [6][4][3]int
	for t, order := range orders {
		var c [3]int
		tets[t][0] = c
		for s, axis := range order {
			c[axis] = 1
			tets[t][s+1] = c
		}
	}
	return tets
}()

// degenerateArea is the squared cross-product norm below which a triangle
// is dropped.
const degenerateArea = 1e-24

// edgeMargin keeps crossing vertices strictly inside their edge. A sample
// exactly at the level is outside, so without it every edge meeting that
// sample would put a separate vertex on the same point.
const edgeMargin = 1e-4

// MarchingTetrahedra returns the level set {v = level} of an r x r x r
// grid in grid-index coordinates (vertex (i, j, k) sits at x=i, y=j, z=k).
// A sample is inside when v > level; NaN samples are read as 0. Crossing
// vertices are kept edgeMargin away from both edge ends, so samples equal
// to the level behave like samples just below it and the surface stays
// closed.
//
// Triangle normals ((b-a) x (c-a)) point toward increasing values.
func MarchingTetrahedra(data []float64, r int, level float64) *models.Mesh {
	m := &models.Mesh{}
	welded := make(map[[2]int]int)

	value := func(g int) float64 {
		if v := data[g]; !math.IsNaN(v) {
			return v
		}
		return 0
	}
	pos := func(g int) r3.Vector {
		return r3.Vector{X: float64(g / (r * r)), Y: float64(g / r % r), Z: float64(g % r)}
	}
	edge := func(a, b int) int {
		key := [2]int{min(a, b), max(a, b)}
		if idx, ok := welded[key]; ok {
			return idx
		}
		va, vb := value(key[0]), value(key[1])
		t := math.Min(math.Max((level-va)/(vb-va), edgeMargin), 1-edgeMargin)
		pa, pb := pos(key[0]), pos(key[1])
		idx := len(m.Vertices)
		m.Vertices = append(m.Vertices, pa.Add(pb.Sub(pa).Mul(t)))
		welded[key] = idx
		return idx
	}
	emit := func(a, b, c int, dir r3.Vector) {
		if a == b || b == c || a == c {
			return
		}
		va := m.Vertices[a]
		n := m.Vertices[b].Sub(va).Cross(m.Vertices[c].Sub(va))
		if n.Norm2() < degenerateArea {
			return
		}
		if n.Dot(dir) < 0 {
			b, c = c, b
		}
		m.Faces = append(m.Faces, [3]int{a, b, c})
	}

	var in, out [4]int
	for i := 0; i+1 < r; i++ {
		for j := 0; j+1 < r; j++ {
			for k := 0; k+1 < r; k++ {
				for _, tet := range kuhn {
					ni, no := 0, 0
					for _, off := range tet {
						g := ((i+off[0])*r+(j+off[1]))*r + (k + off[2])
						if value(g) > level {
							in[ni] = g
							ni++
						} else {
							out[no] = g
							no++
						}
					}
					if ni == 0 || no == 0 {
						continue
					}
					dir := centroid(pos, in[:ni]).Sub(centroid(pos, out[:no]))
					switch ni {
					case 1:
						emit(edge(in[0], out[0]), edge(in[0], out[1]), edge(in[0], out[2]), dir)
					case 3:
						emit(edge(out[0], in[0]), edge(out[0], in[1]), edge(out[0], in[2]), dir)
					case 2:
						p0 := edge(in[0], out[0])
						p1 := edge(in[0], out[1])
						p2 := edge(in[1], out[1])
						p3 := edge(in[1], out[0])
						emit(p0, p1, p2, dir)
						emit(p0, p2, p3, dir)
					}
				}
			}
		}
	}
	return m
}

func centroid(pos func(int) r3.Vector, gs []int) r3.Vector {
	var c r3.Vector
	for _, g := range gs {
		c = c.Add(pos(g))
	}
	return c.Mul(1 / float64(len(gs)))
}
