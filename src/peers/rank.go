package peers

import (
	"bytes"
	"sort"
)

// ByRank implements sort.Interface for the deterministic elder ordering rule:
// age descending, then name ascending. Every node applies the same rule to
// the same agreed member list, so every node derives the same elder set.
type ByRank []*Peer

func (a ByRank) Len() int      { return len(a) }
func (a ByRank) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a ByRank) Less(i, j int) bool {
	if a[i].Age != a[j].Age {
		return a[i].Age > a[j].Age
	}
	ni, nj := a[i].Name(), a[j].Name()
	return bytes.Compare(ni[:], nj[:]) < 0
}

// RankElders sorts candidates by rank and truncates to max. The input slice
// is not modified.
func RankElders(candidates []*Peer, max int) []*Peer {
	ranked := make([]*Peer, len(candidates))
	copy(ranked, candidates)

	sort.Sort(ByRank(ranked))

	if len(ranked) > max {
		ranked = ranked[:max]
	}
	return ranked
}
