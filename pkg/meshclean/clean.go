// Package meshclean keeps the dominant connected component of a mesh.
package meshclean

import (
	"github.com/pkg/errors"

	"occmesh/internal/models"
)

// ErrEmptyMesh is returned when a mesh has no faces and so no components.
var ErrEmptyMesh = errors.New("mesh has no connected components")

// Components splits m into face sets connected through shared edges.
// Faces touching only at a vertex are separate. Components are ordered by
// their lowest face index and each carries only the vertices it uses.
func Components(m *models.Mesh) []*models.Mesh {
	if m == nil || len(m.Faces) == 0 {
		return nil
	}

	parent := make([]int, len(m.Faces))
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	owner := make(map[[2]int]int)
	for f, face := range m.Faces {
		for e := 0; e < 3; e++ {
			a, b := face[e], face[(e+1)%3]
			key := [2]int{min(a, b), max(a, b)}
			if g, ok := owner[key]; ok {
				union(f, g)
			} else {
				owner[key] = f
			}
		}
	}

	// Components are numbered by the first face that reaches them.
	index := make(map[int]int)
	var out []*models.Mesh
	var remap []map[int]int
	for f, face := range m.Faces {
		root := find(f)
		ci, ok := index[root]
		if !ok {
			ci = len(out)
			index[root] = ci
			out = append(out, &models.Mesh{})
			remap = append(remap, make(map[int]int))
		}
		comp := out[ci]
		var nf [3]int
		for c, v := range face {
			nv, seen := remap[ci][v]
			if !seen {
				nv = len(comp.Vertices)
				remap[ci][v] = nv
				comp.Vertices = append(comp.Vertices, m.Vertices[v])
			}
			nf[c] = nv
		}
		comp.Faces = append(comp.Faces, nf)
	}
	return out
}

// Clean returns the component with the strictly greatest vertex count; on
// ties the first component wins.
func Clean(m *models.Mesh) (*models.Mesh, int, error) {
	comps := Components(m)
	if len(comps) == 0 {
		return nil, 0, ErrEmptyMesh
	}
	best := 0
	for i, c := range comps[1:] {
		if len(c.Vertices) > len(comps[best].Vertices) {
			best = i + 1
		}
	}
	return comps[best], len(comps), nil
}
