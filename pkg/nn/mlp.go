// Package nn evaluates small fully connected networks used as occupancy
// heads. Only inference is supported; weights are loaded from JSON exports
// or initialized deterministically from a seed.
package nn

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// OutputOp is applied to the final layer.
type OutputOp string

const (
	// OutputSigmoid squashes the output to a probability.
	OutputSigmoid OutputOp = "sigmoid"
	// OutputLogit leaves the output unbounded.
	OutputLogit OutputOp = "logit"
)

// LeakySlope is the negative slope of hidden activations.
const LeakySlope = 0.01

// Layer is a dense affine layer: y = W x + b.
type Layer struct {
	Weights *mat.Dense
	Bias    []float64
}

// MLP is a stack of dense layers with leaky ReLU between them. The final
// layer must have a single output.
type MLP struct {
	Layers []Layer
	Output OutputOp
}

// NewMLP builds a network with the given layer widths (input first,
// output last) and Xavier-uniform weights drawn from seed.
func NewMLP(dims []int, seed int64, output OutputOp) (*MLP, error) {
	if len(dims) < 2 {
		return nil, errors.Errorf("mlp needs at least 2 widths, got %v", dims)
	}
	if dims[len(dims)-1] != 1 {
		return nil, errors.Errorf("mlp output width must be 1, got %d", dims[len(dims)-1])
	}
	rng := rand.New(rand.NewSource(seed))
	m := &MLP{Output: output}
	for i := 0; i+1 < len(dims); i++ {
		in, out := dims[i], dims[i+1]
		if in <= 0 || out <= 0 {
			return nil, errors.Errorf("invalid layer widths %d -> %d", in, out)
		}
		limit := math.Sqrt(6 / float64(in+out))
		w := make([]float64, out*in)
		for j := range w {
			w[j] = (rng.Float64()*2 - 1) * limit
		}
		m.Layers = append(m.Layers, Layer{
			Weights: mat.NewDense(out, in, w),
			Bias:    make([]float64, out),
		})
	}
	return m, nil
}

// InputWidth is the feature width the network accepts.
func (m *MLP) InputWidth() int {
	_, c := m.Layers[0].Weights.Dims()
	return c
}

// Evaluate runs the network on each row of x and returns one output per row.
func (m *MLP) Evaluate(ctx context.Context, x *mat.Dense) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, c := x.Dims(); c != m.InputWidth() {
		return nil, errors.Errorf("mlp expects %d inputs, got %d", m.InputWidth(), c)
	}

	h := x
	for i, layer := range m.Layers {
		var next mat.Dense
		next.Mul(h, layer.Weights.T())
		last := i == len(m.Layers)-1
		bias := layer.Bias
		next.Apply(func(_, j int, v float64) float64 {
			v += bias[j]
			if !last {
				return leakyReLU(v)
			}
			return v
		}, &next)
		h = &next
	}

	out := mat.Col(nil, 0, h)
	if m.Output == OutputSigmoid {
		for i, v := range out {
			out[i] = 1 / (1 + math.Exp(-v))
		}
	}
	return out, nil
}

func leakyReLU(v float64) float64 {
	if v < 0 {
		return LeakySlope * v
	}
	return v
}

type jsonLayer struct {
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

type jsonMLP struct {
	Output OutputOp    `json:"output"`
	Layers []jsonLayer `json:"layers"`
}

// Load reads a network exported as JSON:
// {"output": "sigmoid", "layers": [{"weights": [[...]], "bias": [...]}]}.
// Each weights matrix is out x in.
func Load(r io.Reader) (*MLP, error) {
	var raw jsonMLP
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode mlp")
	}
	if len(raw.Layers) == 0 {
		return nil, errors.New("decode mlp: no layers")
	}
	if raw.Output == "" {
		raw.Output = OutputSigmoid
	}
	m := &MLP{Output: raw.Output}
	prevOut := -1
	for i, l := range raw.Layers {
		rows := len(l.Weights)
		if rows == 0 || len(l.Weights[0]) == 0 {
			return nil, errors.Errorf("decode mlp: layer %d is empty", i)
		}
		cols := len(l.Weights[0])
		if prevOut >= 0 && cols != prevOut {
			return nil, errors.Errorf("decode mlp: layer %d takes %d inputs, previous layer gives %d", i, cols, prevOut)
		}
		if len(l.Bias) != rows {
			return nil, errors.Errorf("decode mlp: layer %d bias has %d entries, want %d", i, len(l.Bias), rows)
		}
		w := mat.NewDense(rows, cols, nil)
		for r, row := range l.Weights {
			if len(row) != cols {
				return nil, errors.Errorf("decode mlp: layer %d row %d is ragged", i, r)
			}
			w.SetRow(r, row)
		}
		m.Layers = append(m.Layers, Layer{Weights: w, Bias: append([]float64(nil), l.Bias...)})
		prevOut = rows
	}
	if prevOut != 1 {
		return nil, errors.Errorf("decode mlp: output width must be 1, got %d", prevOut)
	}
	return m, nil
}

// Save writes the network in the format read by Load.
func (m *MLP) Save(w io.Writer) error {
	raw := jsonMLP{Output: m.Output}
	for _, l := range m.Layers {
		rows, _ := l.Weights.Dims()
		jl := jsonLayer{Bias: l.Bias}
		for r := 0; r < rows; r++ {
			jl.Weights = append(jl.Weights, mat.Row(nil, r, l.Weights))
		}
		raw.Layers = append(raw.Layers, jl)
	}
	return errors.Wrap(json.NewEncoder(w).Encode(raw), "encode mlp")
}
