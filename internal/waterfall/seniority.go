package waterfall

import (
	"sort"

	"github.com/capwater/waterfall-engine/internal/model"
)

// BySeniority returns the classes ordered most senior first: ascending rank,
// then every unranked class. Classes sharing a rank keep their input order.
// The input slice is not modified.
func BySeniority(classes []model.ShareClass) []model.ShareClass {
	ordered := make([]model.ShareClass, len(classes))
	copy(ordered, classes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return seniorTo(ordered[i].SeniorityRank, ordered[j].SeniorityRank)
	})
	return ordered
}

// seniorTo reports whether rank a pays before rank b. Unranked compares
// after every ranked value, so no numeric sentinel can collide with a real rank.
func seniorTo(a, b *int) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return *a < *b
	}
}
