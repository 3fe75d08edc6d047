package model

// NeighMask strips the special-bond bits hosts pack into the upper bits of
// neighbor indices.
const NeighMask = 0x1FFFFFFF

// NeighborList is a per-step proximity list. IList holds the local indices of
// the real atoms in list order; Neighbors is indexed by local index and holds
// candidate neighbor local indices (ghosts included).
type NeighborList struct {
	IList     []int
	Neighbors [][]int

	// Full is true when every pair appears from both sides.
	Full bool
	// GhostCount is the number of ghost atoms the list was built against.
	GhostCount int
}

// Inum returns the number of real atoms in the list.
func (l *NeighborList) Inum() int {
	if l == nil {
		return 0
	}
	return len(l.IList)
}

// CandidateCount returns the total number of candidate entries over the real
// atoms of the list.
func (l *NeighborList) CandidateCount() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, i := range l.IList {
		if i >= 0 && i < len(l.Neighbors) {
			n += len(l.Neighbors[i])
		}
	}
	return n
}
