package core

import (
	"context"
	"fmt"
	"math"

	"github.com/PHIN-materials/pair-PHIN/internal/logging"
	"github.com/PHIN-materials/pair-PHIN/model"
)

// GeometryPolicy selects how a non-integer cell shift is handled.
type GeometryPolicy int

const (
	// GeometryStrict fails the build on the first defect.
	GeometryStrict GeometryPolicy = iota
	// GeometryLenient keeps the rounded shift and counts the defect.
	GeometryLenient
)

func (p GeometryPolicy) String() string {
	if p == GeometryLenient {
		return "lenient"
	}
	return "strict"
}

// DefaultShiftTolerance is the largest accepted distance, in lattice units,
// between a computed cell shift and its nearest integer.
const DefaultShiftTolerance = 1e-4

// GraphBuilder turns a neighbor list into a Graph. Scratch storage is kept
// between builds and only grows. A builder is not safe for concurrent use.
type GraphBuilder struct {
	Cutoff         float64
	ShiftTolerance float64
	Geometry       GeometryPolicy
	// Debug logs every accepted edge.
	Debug bool
	Log   logging.Logger

	scratch []Edge
	index   IndexMap
}

// Reserve grows the edge scratch to hold at least edges entries.
func (b *GraphBuilder) Reserve(edges int) {
	if cap(b.scratch) < edges {
		b.scratch = make([]Edge, 0, edges)
	}
}

// Capacity returns the current edge scratch capacity.
func (b *GraphBuilder) Capacity() int { return cap(b.scratch) }

// Build constructs the graph for one step. The returned graph owns its node
// and edge slices; Graph.Index is the builder's arena and is valid until the
// next Build.
func (b *GraphBuilder) Build(ctx context.Context, atoms *model.Atoms, list *model.NeighborList, box model.Box, species SpeciesMap) (*Graph, error) {
	if atoms == nil || list == nil {
		return nil, configErrorf("graph build needs atoms and a neighbor list")
	}
	if !list.Full {
		return nil, configErrorf("neighbor list must be full")
	}
	if b.Cutoff <= 0 {
		return nil, configErrorf("cutoff %g is not positive", b.Cutoff)
	}
	tol := b.ShiftTolerance
	if tol <= 0 {
		tol = DefaultShiftTolerance
	}
	log := b.Log
	if log == nil {
		log = logging.Noop()
	}

	cell, err := NewCell(box)
	if err != nil {
		return nil, err
	}

	inum := list.Inum()
	ntotal := atoms.NTotal()
	if len(atoms.Tag) < ntotal || len(atoms.Type) < ntotal || len(atoms.X) < ntotal {
		return nil, configErrorf("atom arrays shorter than nlocal+nghost=%d", ntotal)
	}

	g := &Graph{
		Positions: make([]Vec3, inum),
		Species:   make([]int, inum),
		Cell:      cell,
		Index:     &b.index,
	}
	b.index.Reset(inum)

	for _, i := range list.IList {
		if i < 0 || i >= atoms.NLocal {
			return nil, fmt.Errorf("%w: list entry %d is not a real atom (nlocal=%d)", ErrTagRange, i, atoms.NLocal)
		}
		typ := atoms.Type[i]
		sid := species.Lookup(typ)
		if sid == Unmapped {
			return nil, fmt.Errorf("%w: atom tag %d has simulation type %d with no potential species", ErrSpeciesResolution, atoms.Tag[i], typ)
		}
		tag := atoms.Tag[i]
		if tag < 1 || tag > inum {
			return nil, fmt.Errorf("%w: tag %d of local atom %d outside [1,%d]", ErrTagRange, tag, i, inum)
		}
		node := tag - 1
		if err := b.index.Bind(node, i); err != nil {
			return nil, err
		}
		g.Positions[node] = V3(atoms.X[i])
		g.Species[node] = sid
	}
	if err := b.index.Complete(); err != nil {
		return nil, err
	}

	b.Reserve(list.CandidateCount())
	edges := b.scratch[:0]
	cutsq := b.Cutoff * b.Cutoff

	if b.Debug {
		log.Debug(ctx, "graph edges follow", logging.String("columns", "src dst pos_src pos_dst shift r"))
	}
	for _, i := range list.IList {
		src := b.index.Node(i)
		xi := V3(atoms.X[i])
		if i >= len(list.Neighbors) {
			continue
		}
		for _, raw := range list.Neighbors[i] {
			j := raw & model.NeighMask
			if j >= ntotal {
				return nil, fmt.Errorf("%w: neighbor index %d of local atom %d outside [0,%d)", ErrTagRange, j, i, ntotal)
			}
			xj := V3(atoms.X[j])
			rsq := xi.Sub(xj).Norm2()
			if rsq >= cutsq {
				continue
			}

			jtag := atoms.Tag[j]
			if jtag < 1 || jtag > inum {
				return nil, fmt.Errorf("%w: neighbor tag %d (local %d) outside [1,%d]", ErrTagRange, jtag, j, inum)
			}
			dst := jtag - 1
			frac := cell.Fractional(xj.Sub(g.Positions[dst]))
			shift, dev := RoundShift(frac)
			if dev > tol {
				if b.Geometry == GeometryStrict {
					return nil, &GeometryError{SrcTag: atoms.Tag[i], DstTag: jtag, Local: j, Fractional: frac, Deviation: dev}
				}
				g.GeometryDefects++
			}

			edges = append(edges, Edge{Src: src, Dst: dst, Shift: shift})
			if b.Debug {
				log.Debug(ctx, "edge",
					logging.Int("src", src),
					logging.Int("dst", dst),
					logging.Any("pos_src", g.Positions[src].Array()),
					logging.Any("pos_dst", g.Positions[dst].Array()),
					logging.Any("shift", shift),
					logging.Float64("r", math.Sqrt(rsq)),
				)
			}
		}
	}
	b.scratch = edges[:0]

	g.Edges = make([]Edge, len(edges))
	copy(g.Edges, edges)
	return g, nil
}
