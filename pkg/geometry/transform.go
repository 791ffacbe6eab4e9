// Package geometry maps canonical object-space sample points into
// reconstruction, camera and normalized image space.
//
// Point sets are N x 3 gonum matrices so a chunk of a larger set can be
// taken as a view (mat.Dense.Slice) without copying.
package geometry

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"occmesh/internal/models"
)

// DefaultMinProjectionDepth is the smallest camera depth used as a divisor
// during pinhole projection.
const DefaultMinProjectionDepth = 1e-6

// ErrInvalidCamera is returned when a CameraContext cannot be used for projection.
var ErrInvalidCamera = errors.New("invalid camera context")

// Projection holds per-point outputs of the transform chain.
type Projection struct {
	// X and Y are image coordinates normalized so that the image (or crop
	// box) spans [-1, 1].
	X, Y []float64

	// Depth is the z coordinate of each point in reconstruction space.
	Depth []float64

	// Valid reports whether both normalized coordinates lie in [-1, 1].
	Valid []bool
}

// Len returns the number of projected points.
func (p *Projection) Len() int {
	return len(p.X)
}

// Transformer runs the canonical -> image transform chain.
type Transformer struct {
	// MinDepth clamps camera depth from below before the perspective
	// division. Points at or behind the camera therefore project to large
	// but finite coordinates and are reported invalid.
	MinDepth float64
}

// NewTransformer creates a transformer with the given depth clamp. A
// non-positive value selects DefaultMinProjectionDepth.
func NewTransformer(minDepth float64) *Transformer {
	if minDepth <= 0 {
		minDepth = DefaultMinProjectionDepth
	}
	return &Transformer{MinDepth: minDepth}
}

// ValidateCamera checks matrix shapes, rotation orthonormality and the
// principal point and crop box used for normalization.
func ValidateCamera(cam models.CameraContext) error {
	var errs error
	if cam.Intrinsics == nil {
		errs = multierr.Append(errs, errors.New("intrinsics missing"))
	} else if r, c := cam.Intrinsics.Dims(); r != 3 || c != 3 {
		errs = multierr.Append(errs, errors.Errorf("intrinsics must be 3x3, got %dx%d", r, c))
	} else if cam.Crop == nil && (cam.Intrinsics.At(0, 2) <= 0 || cam.Intrinsics.At(1, 2) <= 0) {
		errs = multierr.Append(errs, errors.Errorf("principal point (%g, %g) must be positive",
			cam.Intrinsics.At(0, 2), cam.Intrinsics.At(1, 2)))
	}
	if cam.Rotation == nil {
		errs = multierr.Append(errs, errors.New("rotation missing"))
	} else if r, c := cam.Rotation.Dims(); r != 3 || c != 3 {
		errs = multierr.Append(errs, errors.Errorf("rotation must be 3x3, got %dx%d", r, c))
	} else if !isOrthonormal(cam.Rotation, 1e-6) {
		errs = multierr.Append(errs, errors.New("rotation is not orthonormal"))
	}
	if cam.Crop != nil && (cam.Crop.X1 <= cam.Crop.X0 || cam.Crop.Y1 <= cam.Crop.Y0) {
		errs = multierr.Append(errs, errors.Errorf("degenerate crop box %+v", *cam.Crop))
	}
	if errs != nil {
		return errors.Wrap(ErrInvalidCamera, errs.Error())
	}
	return nil
}

func isOrthonormal(r *mat.Dense, tol float64) bool {
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	return mat.EqualApprox(&rtr, eye3(), tol)
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// ToReconstruction rotates canonical points: P * R^T.
func ToReconstruction(points mat.Matrix, rotation mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(points, rotation.T())
	return &out
}

// ToCamera scales canonical points by the half-extents, rotates them,
// flips x and y into the image-down convention and translates by the
// object center.
func ToCamera(points mat.Matrix, cam models.CameraContext) *mat.Dense {
	h := [3]float64{cam.HalfExtents.X, cam.HalfExtents.Y, cam.HalfExtents.Z}
	var scaled mat.Dense
	scaled.Apply(func(_, j int, v float64) float64 {
		return v * h[j]
	}, points)

	var out mat.Dense
	out.Mul(&scaled, cam.Rotation.T())

	c := [3]float64{cam.Center.X, cam.Center.Y, cam.Center.Z}
	out.Apply(func(_, j int, v float64) float64 {
		if j < 2 {
			v = -v
		}
		return v + c[j]
	}, &out)
	return &out
}

// ToPixels projects camera-space points through K and returns pixel
// coordinates together with the (clamped) depth used as divisor.
func (t *Transformer) ToPixels(camPoints mat.Matrix, intrinsics mat.Matrix) (xs, ys, ws []float64) {
	var img mat.Dense
	img.Mul(camPoints, intrinsics.T())

	n, _ := img.Dims()
	xs = make([]float64, n)
	ys = make([]float64, n)
	ws = make([]float64, n)
	for i := 0; i < n; i++ {
		w := img.At(i, 2)
		if w < t.MinDepth {
			w = t.MinDepth
		}
		xs[i] = img.At(i, 0) / w
		ys[i] = img.At(i, 1) / w
		ws[i] = w
	}
	return xs, ys, ws
}

// NormalizePixels maps pixel coordinates in place onto [-1, 1], using the
// crop box when present and otherwise the image size implied by the
// principal point.
func NormalizePixels(xs, ys []float64, cam models.CameraContext) {
	if cam.Crop != nil {
		cx, cy := cam.Crop.Center()
		bw := cam.Crop.X1 - cam.Crop.X0
		bh := cam.Crop.Y1 - cam.Crop.Y0
		for i := range xs {
			xs[i] = (xs[i] - cx) / bw * 2
			ys[i] = (ys[i] - cy) / bh * 2
		}
		return
	}
	width := cam.Intrinsics.At(0, 2) * 2
	height := cam.Intrinsics.At(1, 2) * 2
	for i := range xs {
		xs[i] = (xs[i] - width/2) / width * 2
		ys[i] = (ys[i] - height/2) / height * 2
	}
}

// InImage reports whether a normalized coordinate lies inside the image.
// Both bounds are inclusive.
func InImage(x, y float64) bool {
	return x >= -1 && x <= 1 && y >= -1 && y <= 1
}

// Project runs the full chain for an N x 3 block of canonical points.
func (t *Transformer) Project(points mat.Matrix, cam models.CameraContext) (*Projection, error) {
	if _, c := points.Dims(); c != 3 {
		return nil, errors.Errorf("points must have 3 columns, got %d", c)
	}

	recon := ToReconstruction(points, cam.Rotation)
	camPts := ToCamera(points, cam)
	xs, ys, _ := t.ToPixels(camPts, cam.Intrinsics)
	NormalizePixels(xs, ys, cam)

	n := len(xs)
	proj := &Projection{
		X:     xs,
		Y:     ys,
		Depth: make([]float64, n),
		Valid: make([]bool, n),
	}
	for i := 0; i < n; i++ {
		proj.Depth[i] = recon.At(i, 2)
		proj.Valid[i] = InImage(xs[i], ys[i])
	}
	return proj, nil
}

// Unproject inverts the pinhole projection of a pixel with known camera
// depth, returning the camera-space point.
func Unproject(x, y, depth float64, intrinsics mat.Matrix) (r3.Vector, error) {
	b := mat.NewVecDense(3, []float64{x * depth, y * depth, depth})
	var p mat.VecDense
	if err := p.SolveVec(intrinsics, b); err != nil {
		return r3.Vector{}, errors.Wrap(err, "intrinsics not invertible")
	}
	return r3.Vector{X: p.AtVec(0), Y: p.AtVec(1), Z: p.AtVec(2)}, nil
}

// Linspace returns n evenly spaced samples over [lo, hi].
func Linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}

// Lattice builds the resolution^3 canonical sample points over
// [-extent, extent] on each axis. Row i*R*R + j*R + k holds
// (x_i, y_j, z_k), matching models.ProbabilityVolume indexing.
func Lattice(resolution int, extent float64) *mat.Dense {
	axis := Linspace(-extent, extent, resolution)
	n := resolution * resolution * resolution
	data := make([]float64, 0, n*3)
	for _, x := range axis {
		for _, y := range axis {
			for _, z := range axis {
				data = append(data, x, y, z)
			}
		}
	}
	return mat.NewDense(n, 3, data)
}

