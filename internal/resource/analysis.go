package resource

import "sort"

// AnalysisAssociation links an analysis to a Container along with its run parameters.
type AnalysisAssociation struct {
	Analysis ID   `json:"analysis"`
	Autorun  bool `json:"autorun"`
	Priority int  `json:"priority"`
}

// NewAnalysisAssociation returns an association with autorun enabled and priority 0.
func NewAnalysisAssociation(analysis ID) AnalysisAssociation {
	return AnalysisAssociation{Analysis: analysis, Autorun: true}
}

// Compare orders two associations by priority.
//
// It returns -1, 0 or 1 with ok set when the pair is ordered. Associations with equal
// priority and equal autorun compare equal. Equal priority with differing autorun is
// incomparable: ok is false and the returned ordering is meaningless.
func Compare(a, b AnalysisAssociation) (order int, ok bool) {
	switch {
	case a.Priority < b.Priority:
		return -1, true
	case a.Priority > b.Priority:
		return 1, true
	case a.Autorun == b.Autorun:
		return 0, true
	default:
		return 0, false
	}
}

// GroupByPriority buckets associations by priority. Groups are returned in ascending
// priority order; within a group the input order is kept.
func GroupByPriority(assocs []AnalysisAssociation) [][]AnalysisAssociation {
	byPriority := make(map[int][]AnalysisAssociation)
	for _, a := range assocs {
		byPriority[a.Priority] = append(byPriority[a.Priority], a)
	}

	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	groups := make([][]AnalysisAssociation, 0, len(priorities))
	for _, p := range priorities {
		groups = append(groups, byPriority[p])
	}
	return groups
}
