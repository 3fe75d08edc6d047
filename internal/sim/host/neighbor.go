package host

import (
	"context"
	"fmt"

	"github.com/PHIN-materials/pair-PHIN/model"
)

// BruteForce builds full neighbor lists by testing every real atom against
// every other index. Skin widens the list radius beyond the cutoff.
type BruteForce struct {
	Skin float64
}

// BuildFull implements core.NeighborProvider.
func (b BruteForce) BuildFull(ctx context.Context, atoms *model.Atoms, _ model.Box, cutoff float64) (*model.NeighborList, error) {
	if atoms == nil {
		return nil, fmt.Errorf("build neighbor list: no atoms")
	}
	if cutoff <= 0 {
		return nil, fmt.Errorf("build neighbor list: cutoff %g is not positive", cutoff)
	}
	ntotal := atoms.NTotal()
	if len(atoms.X) < ntotal {
		return nil, fmt.Errorf("build neighbor list: %d positions for %d atoms", len(atoms.X), ntotal)
	}
	r := cutoff + b.Skin
	rsq := r * r

	list := &model.NeighborList{
		IList:      make([]int, 0, atoms.NLocal),
		Neighbors:  make([][]int, ntotal),
		Full:       true,
		GhostCount: atoms.NGhost,
	}
	for i := 0; i < atoms.NLocal; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list.IList = append(list.IList, i)
		xi := atoms.X[i]
		for j := 0; j < ntotal; j++ {
			if j == i {
				continue
			}
			dx := xi[0] - atoms.X[j][0]
			dy := xi[1] - atoms.X[j][1]
			dz := xi[2] - atoms.X[j][2]
			if dx*dx+dy*dy+dz*dz < rsq {
				list.Neighbors[i] = append(list.Neighbors[i], j)
			}
		}
	}
	return list, nil
}
