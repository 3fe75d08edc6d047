package model

// Box is the simulation domain: axis-aligned bounds plus the off-diagonal
// tilt factors of a triclinic cell. An orthogonal box has zero tilts.
type Box struct {
	Lo, Hi     [3]float64
	XY, XZ, YZ float64
	Periodic   [3]bool
}

// Lengths returns the edge lengths along x, y and z.
func (b Box) Lengths() [3]float64 {
	return [3]float64{b.Hi[0] - b.Lo[0], b.Hi[1] - b.Lo[1], b.Hi[2] - b.Lo[2]}
}

// Triclinic reports whether any tilt factor is non-zero.
func (b Box) Triclinic() bool {
	return b.XY != 0 || b.XZ != 0 || b.YZ != 0
}
