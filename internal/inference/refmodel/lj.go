package refmodel

import (
	"context"
	"fmt"
	"math"

	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
)

// pairEnergy is the unshifted 12-6 energy at distance r.
func (m *Model) pairEnergy(r float64) float64 {
	sr6 := math.Pow(m.params.Sigma/r, 6)
	return 4 * m.params.Epsilon * (sr6*sr6 - sr6)
}

// pairDerivative is dE/dr of the 12-6 energy.
func (m *Model) pairDerivative(r float64) float64 {
	sr6 := math.Pow(m.params.Sigma/r, 6)
	return -24 * m.params.Epsilon * (2*sr6*sr6 - sr6) / r
}

// PairEnergy returns the truncated, shifted pair energy at distance r.
func (m *Model) PairEnergy(r float64) float64 {
	if r >= m.params.Cutoff {
		return 0
	}
	return m.pairEnergy(r) - m.ecut
}

// Forward evaluates the potential. Each directed edge carries half the pair
// energy, credited to its source node, so a full edge set counts every pair
// once.
func (m *Model) Forward(ctx context.Context, in tensor.Dict) (tensor.Dict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos, err := require(in, tensor.KeyPositions, -1, 3)
	if err != nil {
		return nil, err
	}
	n := pos.Shape[0]
	index, err := require(in, tensor.KeyEdgeIndex, 2, -1)
	if err != nil {
		return nil, err
	}
	e := index.Shape[1]
	shifts, err := require(in, tensor.KeyEdgeCellShift, e, 3)
	if err != nil {
		return nil, err
	}
	cellT, err := require(in, tensor.KeyCell, 3, 3)
	if err != nil {
		return nil, err
	}
	types, err := require(in, tensor.KeyAtomTypes, n)
	if err != nil {
		return nil, err
	}
	for i, s := range types.Int {
		if s < 0 || int(s) >= len(m.params.TypeNames) {
			return nil, fmt.Errorf("atom %d has species %d, model knows %d", i, s, len(m.params.TypeNames))
		}
	}

	p := pos.Floats()
	sh := shifts.Floats()
	c := cellT.Floats()
	src, dst := index.Int[:e], index.Int[e:]

	forces := make([]float64, 3*n)
	atomic := make([]float64, n)
	var virial [9]float64
	total := 0.0

	for k := 0; k < e; k++ {
		i, j := int(src[k]), int(dst[k])
		if i < 0 || i >= n || j < 0 || j >= n {
			return nil, fmt.Errorf("edge %d endpoints (%d,%d) outside [0,%d)", k, i, j, n)
		}
		var r [3]float64
		for d := 0; d < 3; d++ {
			// shiftᵀ·cell, cell rows are lattice vectors.
			t := sh[3*k]*c[d] + sh[3*k+1]*c[3+d] + sh[3*k+2]*c[6+d]
			r[d] = p[3*j+d] + t - p[3*i+d]
		}
		dist := math.Sqrt(r[0]*r[0] + r[1]*r[1] + r[2]*r[2])
		if dist == 0 || dist >= m.params.Cutoff {
			continue
		}

		half := 0.5 * (m.pairEnergy(dist) - m.ecut)
		atomic[i] += half
		total += half

		// f is -dE_edge/dr along the edge vector.
		g := 0.5 * m.pairDerivative(dist) / dist
		for d := 0; d < 3; d++ {
			fd := -g * r[d]
			forces[3*i+d] -= fd
			forces[3*j+d] += fd
			for q := 0; q < 3; q++ {
				virial[3*d+q] += r[d] * (-g * r[q])
			}
		}
	}

	dtype := pos.DType
	out := tensor.Dict{}
	if out[tensor.KeyForces], err = tensor.NewFloat(dtype, forces, n, 3); err != nil {
		return nil, err
	}
	if out[tensor.KeyTotalEnergy], err = tensor.NewFloat(dtype, []float64{total}, 1); err != nil {
		return nil, err
	}
	if out[tensor.KeyAtomicEnergy], err = tensor.NewFloat(dtype, atomic, n, 1); err != nil {
		return nil, err
	}
	if out[tensor.KeyVirial], err = tensor.NewFloat(dtype, virial[:], 1, 3, 3); err != nil {
		return nil, err
	}
	if u := m.params.Uncertainty; u != nil {
		unc := make([]float64, n)
		for i := range unc {
			unc[i] = *u
		}
		if out[tensor.KeyUncertainties], err = tensor.NewFloat(dtype, unc, n, 1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// require fetches a tensor and checks its rank and fixed dimensions; -1 means
// any size.
func require(in tensor.Dict, key string, dims ...int) (*tensor.Tensor, error) {
	t, ok := in[key]
	if !ok || t == nil {
		return nil, fmt.Errorf("input %q missing", key)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("input %q: %w", key, err)
	}
	if len(t.Shape) != len(dims) {
		return nil, fmt.Errorf("input %q has shape %s, want rank %d", key, tensor.ShapeString(t.Shape), len(dims))
	}
	for i, d := range dims {
		if d >= 0 && t.Shape[i] != d {
			return nil, fmt.Errorf("input %q has shape %s", key, tensor.ShapeString(t.Shape))
		}
	}
	return t, nil
}
