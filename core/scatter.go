package core

import (
	"fmt"

	"github.com/PHIN-materials/pair-PHIN/internal/inference"
	"github.com/PHIN-materials/pair-PHIN/model"
)

// Scatter writes inference results in node order back into host arrays in
// local order. Forces are assigned, not accumulated, because the bridge runs
// with newton pair off and every real atom owns exactly one node.
//
// uncertainties, when non-nil, must hold at least NLocal entries; it is zeroed
// when the model produced none.
//
// Per-atom stress is rejected before anything is written.
func Scatter(out *inference.Outputs, index *IndexMap, atoms *model.Atoms, acc *model.Accumulators, flags model.EvalFlags, uncertainties []float64) error {
	if flags.VirialAtom {
		return ErrPerAtomStressUnsupported
	}
	if out == nil || index == nil || atoms == nil || acc == nil {
		return fmt.Errorf("scatter: missing outputs, index, atoms or accumulators")
	}
	n := index.Len()
	if out.NumNodes != n {
		return fmt.Errorf("scatter: outputs cover %d nodes, graph has %d", out.NumNodes, n)
	}
	if out.Forces != nil && len(atoms.F) < atoms.NLocal {
		return fmt.Errorf("scatter: force array holds %d atoms, need %d", len(atoms.F), atoms.NLocal)
	}
	if flags.EnergyAtom && out.AtomicEnergy != nil && len(acc.EAtom) < atoms.NLocal {
		return fmt.Errorf("scatter: per-atom energy array holds %d atoms, need %d", len(acc.EAtom), atoms.NLocal)
	}
	if uncertainties != nil && len(uncertainties) < atoms.NLocal {
		return fmt.Errorf("scatter: uncertainty array holds %d atoms, need %d", len(uncertainties), atoms.NLocal)
	}
	if flags.Virial && out.Virial == nil {
		return fmt.Errorf("scatter: virial requested but not produced")
	}

	if uncertainties != nil && out.Uncertainties == nil {
		clear(uncertainties)
	}
	for node := 0; node < n; node++ {
		i := index.Local(node)
		if out.Forces != nil {
			atoms.F[i] = out.Forces[node]
		}
		if flags.EnergyAtom && out.AtomicEnergy != nil {
			acc.EAtom[i] = out.AtomicEnergy[node]
		}
		if uncertainties != nil && out.Uncertainties != nil {
			uncertainties[i] = out.Uncertainties[node]
		}
	}

	if flags.Energy {
		acc.EngVdwl = out.TotalEnergy
	}
	if flags.Virial {
		v := out.Virial
		acc.Virial = [6]float64{v[0][0], v[1][1], v[2][2], v[0][1], v[0][2], v[1][2]}
	}
	return nil
}
