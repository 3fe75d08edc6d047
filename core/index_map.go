package core

import "fmt"

// IndexMap is the bijection between graph node indices (tag-1) and the
// simulation-local indices of real atoms. Both directions are plain arrays so
// scatter never has to search.
type IndexMap struct {
	nodeToLocal []int
	localToNode []int
}

// Reset clears the map for n real atoms, reusing storage where possible.
func (m *IndexMap) Reset(n int) {
	m.nodeToLocal = resizeInts(m.nodeToLocal, n)
	m.localToNode = resizeInts(m.localToNode, n)
	for i := 0; i < n; i++ {
		m.nodeToLocal[i] = -1
		m.localToNode[i] = -1
	}
}

// Bind records that node is the graph index of real atom local.
func (m *IndexMap) Bind(node, local int) error {
	if node < 0 || node >= len(m.nodeToLocal) {
		return fmt.Errorf("%w: node %d outside [0,%d)", ErrTagRange, node, len(m.nodeToLocal))
	}
	if local < 0 || local >= len(m.localToNode) {
		return fmt.Errorf("%w: local index %d is not a real atom", ErrTagRange, local)
	}
	if prev := m.nodeToLocal[node]; prev != -1 {
		return fmt.Errorf("%w: duplicate tag %d on local indices %d and %d", ErrTagRange, node+1, prev, local)
	}
	if prev := m.localToNode[local]; prev != -1 {
		return fmt.Errorf("%w: local index %d bound twice", ErrTagRange, local)
	}
	m.nodeToLocal[node] = local
	m.localToNode[local] = node
	return nil
}

// Len returns the number of nodes.
func (m *IndexMap) Len() int { return len(m.nodeToLocal) }

// Local returns the simulation-local index of node, or -1.
func (m *IndexMap) Local(node int) int {
	if node < 0 || node >= len(m.nodeToLocal) {
		return -1
	}
	return m.nodeToLocal[node]
}

// Node returns the graph node of real atom local, or -1.
func (m *IndexMap) Node(local int) int {
	if local < 0 || local >= len(m.localToNode) {
		return -1
	}
	return m.localToNode[local]
}

// Complete reports an error if any node is unbound.
func (m *IndexMap) Complete() error {
	for node, local := range m.nodeToLocal {
		if local == -1 {
			return fmt.Errorf("%w: no real atom carries tag %d", ErrTagRange, node+1)
		}
	}
	return nil
}

func resizeInts(s []int, n int) []int {
	if cap(s) >= n {
		return s[:n]
	}
	return make([]int, n)
}
