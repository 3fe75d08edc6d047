package host

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/PHIN-materials/pair-PHIN/model"
)

// Structure is the YAML form of a System:
//
//	box:
//	  lo: [0, 0, 0]
//	  hi: [10.5, 10.5, 10.5]
//	  xy: 0
//	  periodic: [true, true, true]
//	elements: [Ar]
//	atoms:
//	  - {type: 1, x: [0, 0, 0]}
//	  - {tag: 2, type: 1, x: [1.8, 1.8, 0]}
type Structure struct {
	Box      BoxSpec    `yaml:"box"`
	Elements []string   `yaml:"elements"`
	Atoms    []AtomSpec `yaml:"atoms"`
	// Lattice generates atoms instead of listing them.
	Lattice *LatticeSpec `yaml:"lattice,omitempty"`
}

// BoxSpec describes the simulation box.
type BoxSpec struct {
	Lo       [3]float64 `yaml:"lo"`
	Hi       [3]float64 `yaml:"hi"`
	XY       float64    `yaml:"xy,omitempty"`
	XZ       float64    `yaml:"xz,omitempty"`
	YZ       float64    `yaml:"yz,omitempty"`
	Periodic [3]bool    `yaml:"periodic"`
}

// AtomSpec is one listed atom. A zero tag is assigned from its position.
type AtomSpec struct {
	Tag  int        `yaml:"tag,omitempty"`
	Type int        `yaml:"type"`
	X    [3]float64 `yaml:"x"`
}

// LatticeSpec repeats a cubic unit cell; the box is derived from it.
type LatticeSpec struct {
	Kind     string  `yaml:"kind"` // fcc | sc
	Constant float64 `yaml:"constant"`
	Repeat   [3]int  `yaml:"repeat"`
	Type     int     `yaml:"type"`
}

// Model converts the box spec.
func (b BoxSpec) Model() model.Box {
	return model.Box{Lo: b.Lo, Hi: b.Hi, XY: b.XY, XZ: b.XZ, YZ: b.YZ, Periodic: b.Periodic}
}

// LoadStructure decodes a YAML structure into a System.
func LoadStructure(r io.Reader, opts ...Option) (*System, error) {
	var st Structure
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&st); err != nil {
		return nil, fmt.Errorf("decode structure: %w", err)
	}
	return st.System(opts...)
}

// LoadStructureFile reads a YAML structure from path.
func LoadStructureFile(path string, opts ...Option) (*System, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sys, err := LoadStructure(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sys, nil
}

// System builds the described system.
func (st Structure) System(opts ...Option) (*System, error) {
	if len(st.Elements) == 0 {
		return nil, fmt.Errorf("structure lists no elements")
	}
	if st.Lattice != nil {
		if len(st.Atoms) > 0 {
			return nil, fmt.Errorf("structure sets both atoms and lattice")
		}
		box, atoms, err := st.Lattice.Build()
		if err != nil {
			return nil, err
		}
		return NewSystem(box, st.Elements, atoms, opts...)
	}
	atoms := make([]Atom, len(st.Atoms))
	for i, a := range st.Atoms {
		atoms[i] = Atom{Tag: a.Tag, Type: a.Type, X: a.X}
	}
	return NewSystem(st.Box.Model(), st.Elements, atoms, opts...)
}
