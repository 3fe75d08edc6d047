// Package host is a minimal simulation host: it owns real atoms and a periodic
// box, replicates ghost images across periodic boundaries and builds full
// neighbor lists by brute force. It exists to drive the bridge end to end; a
// production engine supplies these structures itself.
package host

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/PHIN-materials/pair-PHIN/core"
	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/model"
)

var (
	// ErrInvalidAtom indicates an atom failed validation.
	ErrInvalidAtom = errors.New("invalid atom")
	// ErrEmptySystem indicates an operation needs at least one atom.
	ErrEmptySystem = errors.New("system has no atoms")
)

// Atom is one real atom.
type Atom struct {
	Tag  int
	Type int
	X    [3]float64
}

// System holds the real atoms of one domain and its box.
type System struct {
	mu sync.RWMutex

	box      model.Box
	elements []string
	atoms    []Atom

	log logging.Logger
}

// Option customises a System.
type Option func(*System)

// WithLogger attaches a logger for replication diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(s *System) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSystem validates atoms against elements (one per type) and returns a
// system. Tags of zero are assigned sequentially.
func NewSystem(box model.Box, elements []string, atoms []Atom, opts ...Option) (*System, error) {
	if _, err := core.NewCell(box); err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(atoms))
	out := make([]Atom, len(atoms))
	for i, a := range atoms {
		if a.Tag == 0 {
			a.Tag = i + 1
		}
		if a.Tag < 1 || a.Tag > len(atoms) {
			return nil, fmt.Errorf("%w: tag %d outside [1,%d]", ErrInvalidAtom, a.Tag, len(atoms))
		}
		if seen[a.Tag] {
			return nil, fmt.Errorf("%w: duplicate tag %d", ErrInvalidAtom, a.Tag)
		}
		seen[a.Tag] = true
		if a.Type < 1 || a.Type > len(elements) {
			return nil, fmt.Errorf("%w: atom %d has type %d, %d types declared", ErrInvalidAtom, a.Tag, a.Type, len(elements))
		}
		out[i] = a
	}
	s := &System{
		box:      box,
		elements: append([]string(nil), elements...),
		atoms:    out,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Box returns the simulation box.
func (s *System) Box() model.Box {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.box
}

// Elements returns the element name of each type, type 1 first.
func (s *System) Elements() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.elements...)
}

// NTypes returns the number of simulation types.
func (s *System) NTypes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.elements)
}

// Len returns the number of real atoms.
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.atoms)
}

// Atoms returns a copy of the real atoms.
func (s *System) Atoms() []Atom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Atom(nil), s.atoms...)
}

// Settings returns the engine switches the bridge checks.
func (s *System) Settings() model.HostSettings {
	return model.HostSettings{TagsEnabled: true, NewtonPair: false, NTypes: s.NTypes()}
}

// Displace moves real atom tag by d.
func (s *System) Displace(tag int, d [3]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.atoms {
		if s.atoms[i].Tag == tag {
			for k := 0; k < 3; k++ {
				s.atoms[i].X[k] += d[k]
			}
			return nil
		}
	}
	return fmt.Errorf("%w: no atom with tag %d", ErrInvalidAtom, tag)
}

// Replicate wraps real atoms into the box along periodic dimensions and
// appends every ghost image within ghostCutoff of the box. Ghosts keep the tag
// and type of the atom they image.
func (s *System) Replicate(ctx context.Context, ghostCutoff float64) (*model.Atoms, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.atoms) == 0 {
		return nil, ErrEmptySystem
	}
	if ghostCutoff < 0 {
		return nil, fmt.Errorf("ghost cutoff %g is negative", ghostCutoff)
	}
	cell, err := core.NewCell(s.box)
	if err != nil {
		return nil, err
	}
	lo := core.V3(s.box.Lo)
	heights := cell.Heights()

	// Fractional reach of the ghost shell and the image range it implies.
	var reach [3]float64
	var span [3]int
	for d := 0; d < 3; d++ {
		if !s.box.Periodic[d] {
			continue
		}
		reach[d] = ghostCutoff / heights[d]
		span[d] = int(math.Ceil(reach[d]))
	}

	n := len(s.atoms)
	out := &model.Atoms{NLocal: n}
	frac := make([]core.Vec3, n)
	for i, a := range s.atoms {
		f := cell.Fractional(core.V3(a.X).Sub(lo))
		comps := [3]float64{f.X, f.Y, f.Z}
		for d := 0; d < 3; d++ {
			if s.box.Periodic[d] {
				comps[d] -= math.Floor(comps[d])
			}
		}
		frac[i] = core.Vec3{X: comps[0], Y: comps[1], Z: comps[2]}
		x := lo.Add(cell.Cartesian(frac[i]))
		out.Tag = append(out.Tag, a.Tag)
		out.Type = append(out.Type, a.Type)
		out.X = append(out.X, x.Array())
	}

	for i, a := range s.atoms {
		f := [3]float64{frac[i].X, frac[i].Y, frac[i].Z}
		for sx := -span[0]; sx <= span[0]; sx++ {
			for sy := -span[1]; sy <= span[1]; sy++ {
				for sz := -span[2]; sz <= span[2]; sz++ {
					shift := [3]int{sx, sy, sz}
					if shift == [3]int{} || !inShell(f, shift, reach) {
						continue
					}
					x := core.V3(out.X[i]).Add(cell.Translate(shift))
					out.Tag = append(out.Tag, a.Tag)
					out.Type = append(out.Type, a.Type)
					out.X = append(out.X, x.Array())
				}
			}
		}
	}
	out.NGhost = len(out.X) - n
	out.F = make([][3]float64, len(out.X))

	s.log.Debug(ctx, "replicated ghosts",
		logging.Int("real", n),
		logging.Int("ghosts", out.NGhost),
		logging.Float64("ghost_cutoff", ghostCutoff),
	)
	return out, nil
}

// inShell reports whether fractional position f, shifted by whole cells,
// lies within reach of the unit cell along every shifted dimension.
func inShell(f [3]float64, shift [3]int, reach [3]float64) bool {
	for d := 0; d < 3; d++ {
		if shift[d] == 0 {
			continue
		}
		v := f[d] + float64(shift[d])
		if v < -reach[d] || v >= 1+reach[d] {
			return false
		}
	}
	return true
}

// Frame replicates ghosts for one step. The neighbor list is left nil so the
// orchestrator builds it through its provider.
func (s *System) Frame(ctx context.Context, step int64, ghostCutoff float64) (core.Frame, error) {
	atoms, err := s.Replicate(ctx, ghostCutoff)
	if err != nil {
		return core.Frame{}, err
	}
	return core.Frame{Step: step, Atoms: atoms, Box: s.Box()}, nil
}
