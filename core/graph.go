package core

import (
	"github.com/PHIN-materials/pair-PHIN/internal/tensor"
)

// Edge is a directed interaction from node Src to node Dst. The neighbor image
// sits at pos[Dst] + Shiftᵀ·cell.
type Edge struct {
	Src, Dst int
	Shift    [3]int
}

// Graph is one step's model input. Nodes are real atoms indexed by tag-1.
type Graph struct {
	Positions []Vec3
	Species   []int
	Edges     []Edge
	Cell      Cell

	// GeometryDefects counts candidates whose cell shift was not near an
	// integer. It is only non-zero under the lenient geometry policy.
	GeometryDefects int

	// Index maps nodes to simulation-local indices and back.
	Index *IndexMap
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int { return len(g.Positions) }

// NumEdges returns the number of directed edges.
func (g *Graph) NumEdges() int { return len(g.Edges) }

// EdgeVector returns the displacement from the source node to the neighbor
// image of edge k.
func (g *Graph) EdgeVector(k int) Vec3 {
	e := g.Edges[k]
	return g.Positions[e.Dst].Add(g.Cell.Translate(e.Shift)).Sub(g.Positions[e.Src])
}

// Encode builds the model input dictionary. Float inputs use dtype; indices
// and species are int64.
func (g *Graph) Encode(dtype tensor.DType) (tensor.Dict, error) {
	n, e := g.NumNodes(), g.NumEdges()

	pos := make([]float64, 0, 3*n)
	for _, p := range g.Positions {
		pos = append(pos, p.X, p.Y, p.Z)
	}
	species := make([]int64, n)
	for i, s := range g.Species {
		species[i] = int64(s)
	}

	index := make([]int64, 2*e)
	shifts := make([]float64, 0, 3*e)
	for k, edge := range g.Edges {
		index[k] = int64(edge.Src)
		index[e+k] = int64(edge.Dst)
		shifts = append(shifts, float64(edge.Shift[0]), float64(edge.Shift[1]), float64(edge.Shift[2]))
	}

	cell := make([]float64, 0, 9)
	for _, row := range g.Cell.M {
		cell = append(cell, row[:]...)
	}

	out := make(tensor.Dict, 5)
	var err error
	if out[tensor.KeyPositions], err = tensor.NewFloat(dtype, pos, n, 3); err != nil {
		return nil, err
	}
	if out[tensor.KeyEdgeIndex], err = tensor.NewInt(index, 2, e); err != nil {
		return nil, err
	}
	if out[tensor.KeyEdgeCellShift], err = tensor.NewFloat(dtype, shifts, e, 3); err != nil {
		return nil, err
	}
	if out[tensor.KeyCell], err = tensor.NewFloat(dtype, cell, 3, 3); err != nil {
		return nil, err
	}
	if out[tensor.KeyAtomTypes], err = tensor.NewInt(species, n); err != nil {
		return nil, err
	}
	return out, nil
}
