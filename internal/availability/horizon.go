package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	redisclient "github.com/healthfirst/availability-scheduling/internal/redis"
)

const extendBatchSize = 200

type ExtendResult struct {
	RulesExamined    int
	RulesExtended    int
	SlotsCreated     int
	ConflictsSkipped int
	Failed           int
}

// ExtendHorizons materialises the next recurrence dates of rules whose
// end date lies beyond what has been generated so far. Conflicting
// candidates are dropped and reported, never stored. A failing rule is
// logged and left for the next run.
func (s *Service) ExtendHorizons(ctx context.Context) (res ExtendResult, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("extend_horizons", err, time.Since(started)) }()

	// A day of slack covers zones ahead of UTC.
	before := civil.DateOf(s.now().UTC()).AddDays(s.cfg.MaterializationHorizon + 1)
	rules, err := s.repo.ListRulesToExtend(ctx, before, extendBatchSize)
	if err != nil {
		return res, fmt.Errorf("list rules to extend: %w", err)
	}

	for i := range rules {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		rule := &rules[i]
		res.RulesExamined++

		created, skipped, err := s.extendRule(ctx, rule)
		if err != nil {
			res.Failed++
			ev := s.log.Error()
			if errors.Is(err, redisclient.ErrLockNotAcquired) {
				ev = s.log.Warn()
			}
			ev.Err(err).Str("rule_id", rule.ID.String()).Msg("extend availability rule")
			continue
		}
		if created > 0 || skipped > 0 {
			res.RulesExtended++
		}
		res.SlotsCreated += created
		res.ConflictsSkipped += skipped
	}
	return res, nil
}

func (s *Service) extendRule(ctx context.Context, rule *Rule) (created, conflicted int, err error) {
	through, err := s.horizonThrough(rule)
	if err != nil {
		return 0, 0, err
	}
	if !through.After(rule.MaterializedThrough) {
		return 0, 0, nil
	}

	from := rule.MaterializedThrough.AddDays(1)
	candidates, gapSkipped, err := s.materialize(rule, from, through, s.now().UTC())
	if err != nil {
		return 0, 0, err
	}

	var conflicts []ConflictPair
	kept := candidates
	err = s.locker.WithProviderLock(ctx, rule.ProviderID, func(lockCtx context.Context) error {
		conflicts, err = s.conflictsWithExisting(lockCtx, rule.ProviderID, candidates)
		if err != nil {
			return err
		}
		kept = withoutCandidates(candidates, conflicts)
		return s.repo.AppendSlots(lockCtx, rule.ID, kept, through)
	})
	if err != nil {
		return 0, 0, err
	}

	s.metrics.ObserveSlots("extend", len(kept), gapSkipped)
	s.metrics.ObserveConflicts("extend", len(conflicts))

	s.logEvent(ctx, EventAvailabilityExtended, &rule.ProviderID, &rule.ID, nil, map[string]any{
		"from":            from.String(),
		"through":         through.String(),
		"slots_created":   len(kept),
		"skipped_dst_gap": gapSkipped,
	})
	if len(conflicts) > 0 {
		s.logEvent(ctx, EventExtensionConflict, &rule.ProviderID, &rule.ID, nil, map[string]any{
			"conflicts": conflicts,
		})
		s.log.Warn().
			Str("rule_id", rule.ID.String()).
			Int("conflicts", len(conflicts)).
			Msg("extension skipped conflicting slots")
	}

	skipped := len(candidates) - len(kept)
	return len(kept), skipped, nil
}

func withoutCandidates(slots []Slot, conflicts []ConflictPair) []Slot {
	if len(conflicts) == 0 {
		return slots
	}
	drop := make(map[uuid.UUID]struct{}, len(conflicts))
	for _, c := range conflicts {
		drop[c.CandidateSlotID] = struct{}{}
	}
	out := make([]Slot, 0, len(slots))
	for _, sl := range slots {
		if _, ok := drop[sl.ID]; !ok {
			out = append(out, sl)
		}
	}
	return out
}
