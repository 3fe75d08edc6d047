package host

import (
	"fmt"
	"strings"

	"github.com/PHIN-materials/pair-PHIN/model"
)

var latticeBasis = map[string][][3]float64{
	"sc":  {{0, 0, 0}},
	"fcc": {{0, 0, 0}, {0.5, 0.5, 0}, {0.5, 0, 0.5}, {0, 0.5, 0.5}},
}

// Build lays out Repeat unit cells in a fully periodic box at the origin.
func (l LatticeSpec) Build() (model.Box, []Atom, error) {
	basis, ok := latticeBasis[strings.ToLower(l.Kind)]
	if !ok {
		return model.Box{}, nil, fmt.Errorf("unknown lattice kind %q", l.Kind)
	}
	if l.Constant <= 0 {
		return model.Box{}, nil, fmt.Errorf("lattice constant %g must be positive", l.Constant)
	}
	for d, n := range l.Repeat {
		if n < 1 {
			return model.Box{}, nil, fmt.Errorf("lattice repeat[%d] = %d must be at least 1", d, n)
		}
	}
	typ := l.Type
	if typ == 0 {
		typ = 1
	}

	box := model.Box{Periodic: [3]bool{true, true, true}}
	for d := 0; d < 3; d++ {
		box.Hi[d] = float64(l.Repeat[d]) * l.Constant
	}
	var atoms []Atom
	for i := 0; i < l.Repeat[0]; i++ {
		for j := 0; j < l.Repeat[1]; j++ {
			for k := 0; k < l.Repeat[2]; k++ {
				for _, b := range basis {
					atoms = append(atoms, Atom{
						Tag:  len(atoms) + 1,
						Type: typ,
						X: [3]float64{
							(float64(i) + b[0]) * l.Constant,
							(float64(j) + b[1]) * l.Constant,
							(float64(k) + b[2]) * l.Constant,
						},
					})
				}
			}
		}
	}
	return box, atoms, nil
}
