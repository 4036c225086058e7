package availability

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// overlaps is the half-open interval test: touching slots do not overlap.
func overlaps(a, b *Slot) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// FindConflicts returns one pair per (existing, candidate) couple that
// belongs to the same provider and overlaps in time. Cancelled and blocked
// slots on either side never conflict. Pairs are ordered by candidate start,
// then existing start.
func FindConflicts(existing, candidates []Slot) []ConflictPair {
	pool := activeSorted(existing)
	if len(pool) == 0 {
		return nil
	}

	var longest time.Duration
	for _, s := range pool {
		if d := s.Duration(); d > longest {
			longest = d
		}
	}

	var out []ConflictPair
	for _, c := range activeSorted(candidates) {
		// Nothing starting before c.Start-longest can still be running at c.Start.
		lo := sort.Search(len(pool), func(i int) bool {
			return pool[i].Start.After(c.Start.Add(-longest))
		})
		for i := lo; i < len(pool) && pool[i].Start.Before(c.End); i++ {
			e := pool[i]
			if e.ProviderID != c.ProviderID || e.ID == c.ID || !overlaps(e, c) {
				continue
			}
			out = append(out, pairOf(e, c))
		}
	}
	return out
}

// FindOverlaps reports every overlapping pair inside one slot set, each
// pair once with the earlier slot as the existing side.
func FindOverlaps(slots []Slot) []ConflictPair {
	byID := make(map[uuid.UUID]*Slot, len(slots))
	for i := range slots {
		byID[slots[i].ID] = &slots[i]
	}

	var out []ConflictPair
	for _, p := range FindConflicts(slots, slots) {
		a, b := byID[p.ExistingSlotID], byID[p.CandidateSlotID]
		if a.Start.Before(b.Start) || (a.Start.Equal(b.Start) && a.ID.String() < b.ID.String()) {
			out = append(out, p)
		}
	}
	return out
}

func activeSorted(slots []Slot) []*Slot {
	out := make([]*Slot, 0, len(slots))
	for i := range slots {
		if slots[i].Active() {
			out = append(out, &slots[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func pairOf(existing, candidate *Slot) ConflictPair {
	start := existing.Start
	if candidate.Start.After(start) {
		start = candidate.Start
	}
	end := existing.End
	if candidate.End.Before(end) {
		end = candidate.End
	}
	return ConflictPair{
		ExistingSlotID:  existing.ID,
		CandidateSlotID: candidate.ID,
		OverlapStart:    start,
		OverlapEnd:      end,
	}
}
