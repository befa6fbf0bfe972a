package notify

import "sort"

// SortByPriority orders candidates by descending severity. Candidates of equal
// severity keep their evaluation order.
func SortByPriority(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity > out[j].Severity
	})
	return out
}

// FilterMin drops candidates below min.
func FilterMin(candidates []Candidate, min Severity) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Severity >= min {
			out = append(out, c)
		}
	}
	return out
}
