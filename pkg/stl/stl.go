// Package stl writes reconstructed meshes as binary STL files.
package stl

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"occmesh/internal/models"
)

const headerSize = 80

// maxPrealloc caps how many facets Read allocates up front; the header
// count is not trusted beyond that.
const maxPrealloc = 1 << 16

// Triangle is one STL facet.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// Triangles converts a mesh into facets, scaling every coordinate axis by
// the matching component of scale. Normals follow the face winding and are
// unit length (zero for degenerate faces).
func Triangles(m *models.Mesh, scale r3.Vector) []Triangle {
	tris := make([]Triangle, 0, len(m.Faces))
	for _, f := range m.Faces {
		a := scaled(m.Vertices[f[0]], scale)
		b := scaled(m.Vertices[f[1]], scale)
		c := scaled(m.Vertices[f[2]], scale)
		n := b.Sub(a).Cross(c.Sub(a))
		if l := n.Norm(); l > 0 {
			n = n.Mul(1 / l)
		}
		tris = append(tris, Triangle{
			Normal:  vec32(n),
			Vertex1: vec32(a),
			Vertex2: vec32(b),
			Vertex3: vec32(c),
		})
	}
	return tris
}

func scaled(v, s r3.Vector) r3.Vector {
	return r3.Vector{X: v.X * s.X, Y: v.Y * s.Y, Z: v.Z * s.Z}
}

func vec32(v r3.Vector) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

// Write encodes triangles in binary STL: an 80-byte header, a uint32
// facet count, then 50 bytes per facet.
func Write(w io.Writer, triangles []Triangle) error {
	bw := bufio.NewWriter(w)
	var header [headerSize]byte
	copy(header[:], "occmesh binary STL")
	if _, err := bw.Write(header[:]); err != nil {
		return errors.Wrap(err, "write stl header")
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return errors.Wrap(err, "write stl facet count")
	}

	var buf [50]byte
	for _, t := range triangles {
		o := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(c))
				o += 4
			}
		}
		// Attribute byte count stays zero.
		if _, err := bw.Write(buf[:]); err != nil {
			return errors.Wrap(err, "write stl facet")
		}
	}
	return errors.Wrap(bw.Flush(), "flush stl")
}

// Read decodes a binary STL stream.
func Read(r io.Reader) ([]Triangle, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "read stl header")
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrap(err, "read stl facet count")
	}
	tris := make([]Triangle, 0, min(n, maxPrealloc))
	var buf [50]byte
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, errors.Wrapf(err, "read stl facet %d of %d", i, n)
		}
		var t Triangle
		o := 0
		for _, v := range []*[3]float32{&t.Normal, &t.Vertex1, &t.Vertex2, &t.Vertex3} {
			for c := range v {
				v[c] = math.Float32frombits(binary.LittleEndian.Uint32(buf[o:]))
				o += 4
			}
		}
		tris = append(tris, t)
	}
	return tris, nil
}

// SaveToSTL writes triangles to a binary STL file.
func SaveToSTL(filename string, triangles []Triangle) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create stl file")
	}
	if err := Write(f, triangles); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close stl file")
}

// SaveMesh writes a mesh to a binary STL file without rescaling.
func SaveMesh(filename string, m *models.Mesh) error {
	return SaveToSTL(filename, Triangles(m, r3.Vector{X: 1, Y: 1, Z: 1}))
}
