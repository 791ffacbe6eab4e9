package features

import "math"

// PointEncoder turns a canonical xyz position into the positional block of
// a per-point feature vector.
type PointEncoder interface {
	Width() int
	Encode(x, y, z float64, dst []float64)
}

// IdentityEncoder passes raw coordinates through.
type IdentityEncoder struct{}

// Width implements PointEncoder.
func (IdentityEncoder) Width() int { return 3 }

// Encode implements PointEncoder.
func (IdentityEncoder) Encode(x, y, z float64, dst []float64) {
	dst[0], dst[1], dst[2] = x, y, z
}

// FrequencyEncoder is a log-sampled sinusoidal embedding. The output is
// the input followed by sin then cos of the input at frequencies
// 2^0 .. 2^(Multires-1).
type FrequencyEncoder struct {
	Multires int
	freqs    []float64
}

// NewFrequencyEncoder builds an encoder with multires frequency bands.
func NewFrequencyEncoder(multires int) *FrequencyEncoder {
	freqs := make([]float64, multires)
	for i := range freqs {
		freqs[i] = math.Exp2(float64(i))
	}
	return &FrequencyEncoder{Multires: multires, freqs: freqs}
}

// Width implements PointEncoder.
func (e *FrequencyEncoder) Width() int { return 3 + 6*e.Multires }

// Encode implements PointEncoder.
func (e *FrequencyEncoder) Encode(x, y, z float64, dst []float64) {
	dst[0], dst[1], dst[2] = x, y, z
	o := 3
	for _, f := range e.freqs {
		dst[o+0] = math.Sin(x * f)
		dst[o+1] = math.Sin(y * f)
		dst[o+2] = math.Sin(z * f)
		dst[o+3] = math.Cos(x * f)
		dst[o+4] = math.Cos(y * f)
		dst[o+5] = math.Cos(z * f)
		o += 6
	}
}
