package engine

import "sort"

// targetOrder lists living units closest to arrival first. Ties break on id
// so that the order never depends on slice history.
func targetOrder(units []*unit) []*unit {
	out := make([]*unit, 0, len(units))
	for _, u := range units {
		if u.alive() {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].approach != out[j].approach {
			return out[i].approach < out[j].approach
		}
		return out[i].id < out[j].id
	})
	return out
}
