package model

// Accumulators are the host's global result slots for one evaluation.
type Accumulators struct {
	// EngVdwl is the potential energy contribution of this style.
	EngVdwl float64
	// Virial is the global stress in (xx, yy, zz, xy, xz, yz) order.
	Virial [6]float64
	// EAtom holds per-atom energies indexed by local index.
	EAtom []float64
}

// EvalFlags selects which quantities the host wants this step.
type EvalFlags struct {
	Energy     bool
	EnergyAtom bool
	Virial     bool
	VirialAtom bool
}
