package host

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHIN-materials/pair-PHIN/core"
	"github.com/PHIN-materials/pair-PHIN/internal/inference/refmodel"
	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
	"github.com/PHIN-materials/pair-PHIN/model"
)

const argon = `version: 0.1.0
r_max: 6.0
type_names: [Ar]
epsilon: 0.0104
sigma: 3.4
`

type pipeline struct {
	pair *core.PairStyle
	ref  *refmodel.Model
	sys  *System
	skin float64
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	path := filepath.Join(t.TempDir(), "argon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(argon), 0o644))

	params, err := refmodel.Parse(strings.NewReader(argon))
	require.NoError(t, err)
	ref, err := refmodel.New(params)
	require.NoError(t, err)

	sys, err := Structure{
		Elements: []string{"Ar"},
		Lattice:  &LatticeSpec{Kind: "fcc", Constant: 5.26, Repeat: [3]int{2, 2, 2}},
	}.System()
	require.NoError(t, err)

	cfg := core.DefaultConfig()
	cfg.FloatDType = tensor.Float64
	p := &pipeline{ref: ref, sys: sys, skin: 0.5}
	p.pair = core.NewPairStyle(cfg, refmodel.Loader{}, core.WithNeighborProvider(BruteForce{Skin: p.skin}))
	t.Cleanup(func() { _ = p.pair.Close() })

	require.NoError(t, p.pair.Settings(nil))
	require.NoError(t, p.pair.Coeff(context.Background(), []string{"*", "*", path, "Ar"}, sys.NTypes()))
	req, err := p.pair.InitStyle(sys.Settings())
	require.NoError(t, err)
	require.True(t, req.Full)
	require.Equal(t, 6.0, req.Cutoff)
	return p
}

func (p *pipeline) compute(t *testing.T, flags model.EvalFlags) (*model.Atoms, *model.Accumulators) {
	t.Helper()
	ctx := context.Background()
	frame, err := p.sys.Frame(ctx, 0, p.pair.Orchestrator().Cutoff()+p.skin)
	require.NoError(t, err)
	acc := &model.Accumulators{EAtom: make([]float64, frame.Atoms.NLocal)}
	require.NoError(t, p.pair.Compute(ctx, frame, flags, acc))
	return frame.Atoms, acc
}

// directEnergy sums the pair energy over every image pair by hand.
func (p *pipeline) directEnergy() float64 {
	box := p.sys.Box()
	cell, _ := core.NewCell(box)
	atoms := p.sys.Atoms()
	rc := p.ref.Params().Cutoff
	n := int(math.Ceil(rc/box.Lengths()[0])) + 1

	var e float64
	for _, a := range atoms {
		for _, b := range atoms {
			for sx := -n; sx <= n; sx++ {
				for sy := -n; sy <= n; sy++ {
					for sz := -n; sz <= n; sz++ {
						if a.Tag == b.Tag && sx == 0 && sy == 0 && sz == 0 {
							continue
						}
						d := core.V3(b.X).Add(cell.Translate([3]int{sx, sy, sz})).Sub(core.V3(a.X))
						e += 0.5 * p.ref.PairEnergy(d.Norm())
					}
				}
			}
		}
	}
	return e
}

func TestPerfectCrystalIsBalanced(t *testing.T) {
	p := newPipeline(t)
	atoms, acc := p.compute(t, model.EvalFlags{EnergyAtom: true, Virial: true})

	require.NotZero(t, acc.EngVdwl)
	assert.InDelta(t, p.directEnergy(), acc.EngVdwl, 1e-10)
	for i := 0; i < atoms.NLocal; i++ {
		assert.InDelta(t, acc.EngVdwl/float64(atoms.NLocal), acc.EAtom[i], 1e-10, "atom %d", i)
		for d := 0; d < 3; d++ {
			assert.InDelta(t, 0, atoms.F[i][d], 1e-10, "atom %d force[%d]", i, d)
		}
	}
	assert.InDelta(t, acc.Virial[0], acc.Virial[1], 1e-10)
	assert.InDelta(t, acc.Virial[0], acc.Virial[2], 1e-10)
	for k := 3; k < 6; k++ {
		assert.InDelta(t, 0, acc.Virial[k], 1e-10, "virial[%d]", k)
	}
}

func TestForcesMatchFiniteDifference(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.sys.Displace(1, [3]float64{0.21, -0.13, 0.08}))
	atoms, acc := p.compute(t, model.EvalFlags{})
	assert.InDelta(t, p.directEnergy(), acc.EngVdwl, 1e-10)

	var net [3]float64
	for i := 0; i < atoms.NLocal; i++ {
		for d := 0; d < 3; d++ {
			net[d] += atoms.F[i][d]
		}
	}
	assert.InDeltaSlice(t, []float64{0, 0, 0}, net[:], 1e-10)

	local := -1
	for i := 0; i < atoms.NLocal; i++ {
		if atoms.Tag[i] == 1 {
			local = i
		}
	}
	require.GreaterOrEqual(t, local, 0)
	force := atoms.F[local]
	require.Greater(t, math.Abs(force[0]), 1e-6)

	const h = 1e-5
	for d := 0; d < 3; d++ {
		var step [3]float64
		step[d] = h
		require.NoError(t, p.sys.Displace(1, step))
		_, plus := p.compute(t, model.EvalFlags{})
		step[d] = -2 * h
		require.NoError(t, p.sys.Displace(1, step))
		_, minus := p.compute(t, model.EvalFlags{})
		step[d] = h
		require.NoError(t, p.sys.Displace(1, step))

		numeric := -(plus.EngVdwl - minus.EngVdwl) / (2 * h)
		assert.InDelta(t, numeric, force[d], 1e-6, "force[%d]", d)
	}
}

func TestUncertaintiesPublishedPerAtom(t *testing.T) {
	p := newPipeline(t)
	atoms, _ := p.compute(t, model.EvalFlags{})
	u := p.pair.ExtractPerAtom("uncertainties")
	require.Len(t, u, atoms.NLocal)
	for _, v := range u {
		assert.Zero(t, v)
	}
	assert.Nil(t, p.pair.ExtractPerAtom("stress"))
}
