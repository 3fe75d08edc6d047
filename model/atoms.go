package model

// Atoms is the host engine's per-atom storage for one domain. Indices
// [0, NLocal) are real (owned) atoms; [NLocal, NLocal+NGhost) are ghost
// copies. A ghost shares the tag of the physical atom it images and differs
// from it in position by a lattice translation.
type Atoms struct {
	NLocal int
	NGhost int

	Tag  []int        // 1-based, persistent
	Type []int        // 1-based simulation type
	X    [][3]float64 // positions, including ghosts
	F    [][3]float64 // forces, including ghosts
}

// NTotal returns the number of real plus ghost atoms.
func (a *Atoms) NTotal() int {
	return a.NLocal + a.NGhost
}

// NMax returns the allocated capacity of the per-atom arrays.
func (a *Atoms) NMax() int {
	return cap(a.X)
}

// HostSettings describes engine-wide switches the bridge depends on.
type HostSettings struct {
	TagsEnabled bool
	NewtonPair  bool
	NTypes      int
}
