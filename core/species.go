package core

// Unmapped marks a simulation type with no potential species.
const Unmapped = -1

// SpeciesMap maps simulation types (1-based) to potential species ids.
// Index 0 is unused. It is immutable once built.
type SpeciesMap struct {
	ids []int
}

// BuildSpeciesMap resolves elements, one per simulation type in order, against
// the potential's species list. Unknown element names leave the type
// unmapped and are returned once each, in first-seen order. With strict set,
// any unknown element fails the build.
func BuildSpeciesMap(species, elements []string, strict bool) (SpeciesMap, []string, error) {
	ids := make([]int, len(elements)+1)
	for i := range ids {
		ids[i] = Unmapped
	}

	// Scan the potential's order so a repeated species name keeps its last
	// position.
	for sid, name := range species {
		for k, el := range elements {
			if el == name {
				ids[k+1] = sid
			}
		}
	}

	var unknown []string
	seen := make(map[string]bool)
	for k, el := range elements {
		if ids[k+1] != Unmapped || seen[el] {
			continue
		}
		seen[el] = true
		unknown = append(unknown, el)
	}

	if strict && len(unknown) > 0 {
		return SpeciesMap{}, unknown, configErrorf("elements %v are not species of the potential %v", unknown, species)
	}
	return SpeciesMap{ids: ids}, unknown, nil
}

// NTypes returns the number of simulation types covered.
func (m SpeciesMap) NTypes() int {
	if len(m.ids) == 0 {
		return 0
	}
	return len(m.ids) - 1
}

// Lookup returns the species id of simulation type t, or Unmapped.
func (m SpeciesMap) Lookup(t int) int {
	if t < 1 || t >= len(m.ids) {
		return Unmapped
	}
	return m.ids[t]
}
