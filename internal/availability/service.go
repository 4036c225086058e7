package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthfirst/availability-scheduling/internal/config"
	"github.com/healthfirst/availability-scheduling/internal/metrics"
	redisclient "github.com/healthfirst/availability-scheduling/internal/redis"
)

const (
	EventAvailabilityCreated  = "AVAILABILITY_CREATED"
	EventAvailabilityExtended = "AVAILABILITY_EXTENDED"
	EventExtensionConflict    = "AVAILABILITY_EXTENSION_CONFLICT"
	EventSlotUpdated          = "SLOT_UPDATED"
	EventSlotDeleted          = "SLOT_DELETED"
	EventSlotBooked           = "SLOT_BOOKED"
	EventSlotCancelled        = "SLOT_CANCELLED"
)

type ConflictPolicy string

const (
	ConflictReject ConflictPolicy = "reject"
	ConflictBlock  ConflictPolicy = "block"
)

// RuleInput is the validated creation payload for an availability rule.
type RuleInput struct {
	Date                   civil.Date
	StartTime              civil.Time
	EndTime                civil.Time
	Timezone               string
	Recurrence             Recurrence
	SlotDuration           int
	BreakDuration          int
	AppointmentType        AppointmentType
	Location               Location
	Pricing                *Pricing
	SpecialRequirements    []string
	Notes                  string
	MaxAppointmentsPerSlot int
}

type CreateOptions struct {
	// OnConflict=block persists overlapping candidate slots as blocked
	// instead of failing the whole request.
	OnConflict ConflictPolicy
}

type DateRange struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

type CreateResult struct {
	RuleID                     uuid.UUID  `json:"availability_id"`
	SlotsCreated               int        `json:"slots_created"`
	BlockedSlots               int        `json:"blocked_slots"`
	SkippedDSTGap              int        `json:"skipped_dst_gap"`
	DateRange                  DateRange  `json:"date_range"`
	MaterializedThrough        civil.Date `json:"materialized_through"`
	TotalAppointmentsAvailable int        `json:"total_appointments_available"`
}

type SlotPatch struct {
	StartTime *civil.Time
	EndTime   *civil.Time
	Status    *SlotStatus
	Notes     *string
}

func (p SlotPatch) changesWindow() bool {
	return p.StartTime != nil || p.EndTime != nil
}

type DeleteResult struct {
	Deleted    int64 `json:"deleted"`
	KeptBooked int   `json:"kept_booked"`
}

type BulkFailure struct {
	SlotID uuid.UUID `json:"slot_id"`
	Error  string    `json:"error"`
}

type BulkUpdateResult struct {
	Total   int           `json:"total_slots"`
	Updated int           `json:"updated_slots"`
	Failed  []BulkFailure `json:"failed_slots"`
}

// Service is the availability engine. It computes over data fetched at the
// start of a call and writes the outcome in one repository call; writes
// for a provider are serialised by the locker.
type Service struct {
	repo      Repository
	locker    redisclient.Locker
	cfg       config.Config
	expander  RecurrenceExpander
	publisher Publisher
	metrics   *metrics.AvailabilityMetrics
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *metrics.AvailabilityMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		locker:   locker,
		cfg:      cfg,
		expander: NewRecurrenceExpander(MonthEndPolicy(cfg.MonthlyShortMonth)),
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaterializationHorizon <= 0 {
		s.cfg.MaterializationHorizon = 90
	}
	if s.cfg.SearchMaxRangeDays <= 0 {
		s.cfg.SearchMaxRangeDays = 90
	}
	return s
}

// CreateAvailability validates the rule, generates its slots up to the
// materialisation horizon and persists rule and slots together. Overlaps
// with the provider's available or booked slots fail with *ConflictError
// unless opts asks for them to be stored as blocked.
func (s *Service) CreateAvailability(ctx context.Context, providerID uuid.UUID, in RuleInput, opts CreateOptions) (res *CreateResult, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("create_availability", err, time.Since(started)) }()

	if err := s.validateRule(&in); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetProvider(ctx, providerID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	now := s.now().UTC()
	rule := &Rule{
		ID:                     uuid.New(),
		ProviderID:             providerID,
		Date:                   in.Date,
		StartTime:              in.StartTime,
		EndTime:                in.EndTime,
		Timezone:               in.Timezone,
		Recurrence:             in.Recurrence,
		SlotDuration:           in.SlotDuration,
		BreakDuration:          in.BreakDuration,
		AppointmentType:        in.AppointmentType,
		Status:                 RuleActive,
		Location:               in.Location,
		Pricing:                in.Pricing,
		SpecialRequirements:    in.SpecialRequirements,
		Notes:                  in.Notes,
		MaxAppointmentsPerSlot: in.MaxAppointmentsPerSlot,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	through, err := s.horizonThrough(rule)
	if err != nil {
		return nil, err
	}
	slots, skipped, err := s.materialize(rule, rule.Date, through, now)
	if err != nil {
		return nil, err
	}

	blocked := 0
	err = s.locker.WithProviderLock(ctx, providerID, func(lockCtx context.Context) error {
		conflicts, err := s.conflictsWithExisting(lockCtx, providerID, slots)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			s.metrics.ObserveConflicts("create", len(conflicts))
			if opts.OnConflict != ConflictBlock {
				return &ConflictError{Conflicts: conflicts}
			}
			blocked = blockCandidates(slots, conflicts)
		}

		rule.MaterializedThrough = through
		if err := s.repo.CreateRuleWithSlots(lockCtx, rule, slots); err != nil {
			return fmt.Errorf("persist availability: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, lockErr(err)
	}

	s.metrics.ObserveSlots("create", len(slots), skipped)
	s.logEvent(ctx, EventAvailabilityCreated, &providerID, &rule.ID, nil, map[string]any{
		"slots_created":        len(slots),
		"blocked_slots":        blocked,
		"skipped_dst_gap":      skipped,
		"materialized_through": through.String(),
	})

	s.log.Info().
		Str("provider_id", providerID.String()).
		Str("rule_id", rule.ID.String()).
		Int("slots", len(slots)).
		Int("blocked", blocked).
		Int("skipped_dst_gap", skipped).
		Msg("availability created")

	return &CreateResult{
		RuleID:                     rule.ID,
		SlotsCreated:               len(slots),
		BlockedSlots:               blocked,
		SkippedDSTGap:              skipped,
		DateRange:                  DateRange{Start: rule.Date, End: rule.LastDate()},
		MaterializedThrough:        through,
		TotalAppointmentsAvailable: (len(slots) - blocked) * rule.MaxAppointmentsPerSlot,
	}, nil
}

func (s *Service) validateRule(in *RuleInput) error {
	if !ValidateTimezone(in.Timezone) {
		return fieldErr("timezone", ErrInvalidTimezone, "unknown timezone %q", in.Timezone)
	}
	if !in.Date.IsValid() {
		return fieldErr("date", ErrInvalidInput, "%s is not a valid date", in.Date)
	}

	window := minutesOf(in.EndTime) - minutesOf(in.StartTime)
	if window <= 0 {
		return fieldErr("end_time", ErrInvalidDuration, "must be after start_time")
	}
	if in.SlotDuration < MinSlotMinutes || in.SlotDuration > MaxSlotMinutes {
		return fieldErr("slot_duration", ErrInvalidDuration, "must be between %d and %d minutes", MinSlotMinutes, MaxSlotMinutes)
	}
	if in.SlotDuration > window {
		return fieldErr("slot_duration", ErrInvalidDuration, "%d minutes does not fit a %d minute window", in.SlotDuration, window)
	}
	if in.BreakDuration < 0 || in.BreakDuration > MaxBreakMinutes {
		return fieldErr("break_duration", ErrInvalidDuration, "must be between 0 and %d minutes", MaxBreakMinutes)
	}
	if err := s.expander.Validate(in.Date, in.Recurrence); err != nil {
		return err
	}

	if in.AppointmentType == "" {
		in.AppointmentType = AppointmentConsultation
	}
	if !validAppointmentType(in.AppointmentType) {
		return fieldErr("appointment_type", ErrInvalidInput, "unknown appointment type %q", in.AppointmentType)
	}
	switch in.Location.Type {
	case "":
		in.Location.Type = LocationClinic
	case LocationClinic, LocationHospital, LocationTelemedicine, LocationHomeVisit:
	default:
		return fieldErr("location.type", ErrInvalidInput, "unknown location type %q", in.Location.Type)
	}
	if in.Pricing != nil && in.Pricing.BaseFee < 0 {
		return fieldErr("pricing.base_fee", ErrInvalidInput, "must not be negative")
	}
	if in.MaxAppointmentsPerSlot == 0 {
		in.MaxAppointmentsPerSlot = 1
	}
	if in.MaxAppointmentsPerSlot < 1 || in.MaxAppointmentsPerSlot > 10 {
		return fieldErr("max_appointments_per_slot", ErrInvalidInput, "must be between 1 and 10")
	}
	if in.Recurrence.Kind == "" {
		in.Recurrence.Kind = RecurrenceNone
	}
	if !in.Recurrence.IsRecurring() {
		in.Recurrence.EndDate = nil
	}
	return nil
}

// horizonThrough is the last date whose slots are generated now: the rule's
// last date, capped at today+horizon in the rule's zone but never before
// the base date.
func (s *Service) horizonThrough(rule *Rule) (civil.Date, error) {
	loc, err := loadLocation(rule.Timezone)
	if err != nil {
		return civil.Date{}, err
	}
	limit := civil.DateOf(s.now().In(loc)).AddDays(s.cfg.MaterializationHorizon)
	if limit.Before(rule.Date) {
		limit = rule.Date
	}
	if last := rule.LastDate(); last.Before(limit) {
		return last, nil
	}
	return limit, nil
}

// materialize generates the slots of every recurrence date in [from, through].
func (s *Service) materialize(rule *Rule, from, through civil.Date, now time.Time) ([]Slot, int, error) {
	dates, err := s.expander.ExpandBetween(rule.Date, rule.Recurrence, from, through)
	if err != nil {
		return nil, 0, err
	}

	var (
		slots   []Slot
		skipped int
	)
	for d := range dates {
		day, err := GenerateSlots(d, rule.StartTime, rule.EndTime, rule.Timezone, rule.SlotDuration, rule.BreakDuration)
		if err != nil {
			return nil, 0, err
		}
		skipped += day.SkippedDSTGap
		for _, sl := range day.Slots {
			sl.ID = uuid.New()
			sl.RuleID = rule.ID
			sl.ProviderID = rule.ProviderID
			sl.AppointmentType = rule.AppointmentType
			sl.CreatedAt = now
			sl.UpdatedAt = now
			slots = append(slots, sl)
		}
	}
	return slots, skipped, nil
}

func (s *Service) conflictsWithExisting(ctx context.Context, providerID uuid.UUID, candidates []Slot) ([]ConflictPair, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	from, to := span(candidates)
	existing, err := s.repo.ListActiveSlots(ctx, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load existing slots: %w", err)
	}
	return FindConflicts(existing, candidates), nil
}

func span(slots []Slot) (time.Time, time.Time) {
	from, to := slots[0].Start, slots[0].End
	for _, sl := range slots[1:] {
		if sl.Start.Before(from) {
			from = sl.Start
		}
		if sl.End.After(to) {
			to = sl.End
		}
	}
	return from, to
}

func blockCandidates(slots []Slot, conflicts []ConflictPair) int {
	hit := make(map[uuid.UUID]struct{}, len(conflicts))
	for _, c := range conflicts {
		hit[c.CandidateSlotID] = struct{}{}
	}
	n := 0
	for i := range slots {
		if _, ok := hit[slots[i].ID]; ok {
			slots[i].Status = SlotBlocked
			n++
		}
	}
	return n
}

// UpdateSlot edits an available or blocked slot. A new time window is
// resolved on the slot's local date in the rule's zone and must not
// overlap the provider's other active slots.
func (s *Service) UpdateSlot(ctx context.Context, slotID uuid.UUID, patch SlotPatch) (updated *Slot, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("update_slot", err, time.Since(started)) }()

	slot, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		return nil, notFoundOr(err, "load slot")
	}

	err = s.locker.WithProviderLock(ctx, slot.ProviderID, func(lockCtx context.Context) error {
		current, err := s.repo.GetSlot(lockCtx, slotID)
		if err != nil {
			return notFoundOr(err, "reload slot")
		}
		next, err := s.applyPatch(lockCtx, current, patch)
		if err != nil {
			return err
		}
		updated, err = s.repo.UpdateSlot(lockCtx, next, current.Status)
		if err != nil {
			return notFoundOr(err, "update slot")
		}
		return nil
	})
	if err != nil {
		return nil, lockErr(err)
	}

	s.logEvent(ctx, EventSlotUpdated, &updated.ProviderID, &updated.RuleID, &updated.ID, map[string]any{
		"status": updated.Status,
		"start":  updated.Start,
		"end":    updated.End,
	})
	return updated, nil
}

func (s *Service) applyPatch(ctx context.Context, current *Slot, patch SlotPatch) (*Slot, error) {
	if !current.Editable() {
		return nil, fmt.Errorf("%w: %s slot cannot be edited", ErrInvalidTransition, current.Status)
	}

	next := *current
	if patch.Notes != nil {
		next.Notes = *patch.Notes
	}

	if patch.Status != nil && *patch.Status != current.Status {
		to := *patch.Status
		if !validStatus(to) {
			return nil, fieldErr("status", ErrInvalidInput, "unknown status %q", to)
		}
		if to == SlotBooked {
			return nil, fieldErr("status", ErrInvalidTransition, "slots are booked through the booking flow")
		}
		if !CanTransition(current.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}
		next.Status = to
	}

	if patch.changesWindow() {
		if err := s.moveWindow(ctx, &next, patch); err != nil {
			return nil, err
		}
	}

	// Unblocking or moving an available slot must not create an overlap.
	recheck := patch.changesWindow() || current.Status == SlotBlocked
	if next.Status == SlotAvailable && recheck {
		existing, err := s.repo.ListActiveSlots(ctx, next.ProviderID, next.Start, next.End)
		if err != nil {
			return nil, fmt.Errorf("load sibling slots: %w", err)
		}
		if conflicts := FindConflicts(existing, []Slot{next}); len(conflicts) > 0 {
			s.metrics.ObserveConflicts("update", len(conflicts))
			return nil, &ConflictError{Conflicts: conflicts}
		}
	}

	next.UpdatedAt = s.now().UTC()
	return &next, nil
}

func (s *Service) moveWindow(ctx context.Context, slot *Slot, patch SlotPatch) error {
	rule, err := s.repo.GetRule(ctx, slot.RuleID)
	if err != nil {
		return notFoundOr(err, "load rule")
	}

	localStart, err := ToLocal(slot.Start, rule.Timezone)
	if err != nil {
		return err
	}
	localEnd, err := ToLocal(slot.End, rule.Timezone)
	if err != nil {
		return err
	}

	start, end := localStart.Time, localEnd.Time
	if patch.StartTime != nil {
		start = *patch.StartTime
	}
	if patch.EndTime != nil {
		end = *patch.EndTime
	}

	length := minutesOf(end) - minutesOf(start)
	if length <= 0 {
		return fieldErr("end_time", ErrInvalidDuration, "must be after start_time")
	}
	if length < MinSlotMinutes {
		return fieldErr("end_time", ErrInvalidDuration, "slot must be at least %d minutes", MinSlotMinutes)
	}

	date := localStart.Date
	utcStart, err := ToUTC(civil.DateTime{Date: date, Time: start}, rule.Timezone)
	if err != nil {
		return fieldErr("start_time", err, "%s does not exist on %s in %s", FormatClock(start), date, rule.Timezone)
	}
	if _, err := ToUTC(civil.DateTime{Date: date, Time: end}, rule.Timezone); err != nil {
		return fieldErr("end_time", err, "%s does not exist on %s in %s", FormatClock(end), date, rule.Timezone)
	}

	slot.Start = utcStart
	slot.End = utcStart.Add(time.Duration(length) * time.Minute)
	return nil
}

// BulkUpdateSlots applies the same patch to every slot independently.
func (s *Service) BulkUpdateSlots(ctx context.Context, slotIDs []uuid.UUID, patch SlotPatch) *BulkUpdateResult {
	res := &BulkUpdateResult{Total: len(slotIDs), Failed: []BulkFailure{}}
	for _, id := range slotIDs {
		if _, err := s.UpdateSlot(ctx, id, patch); err != nil {
			res.Failed = append(res.Failed, BulkFailure{SlotID: id, Error: err.Error()})
			continue
		}
		res.Updated++
	}
	return res
}

// DeleteSlot removes a slot, or with cascadeRecurring every available or
// blocked slot of the same rule. Booked slots are never deleted here.
func (s *Service) DeleteSlot(ctx context.Context, slotID uuid.UUID, cascadeRecurring bool) (res *DeleteResult, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("delete_slot", err, time.Since(started)) }()

	slot, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		return nil, notFoundOr(err, "load slot")
	}

	res = &DeleteResult{}
	err = s.locker.WithProviderLock(ctx, slot.ProviderID, func(lockCtx context.Context) error {
		target, err := s.repo.GetSlot(lockCtx, slotID)
		if err != nil {
			return notFoundOr(err, "reload slot")
		}
		if target.Status == SlotBooked {
			return fmt.Errorf("%w: %s", ErrSlotBooked, target.ID)
		}

		ids := []uuid.UUID{target.ID}
		if cascadeRecurring {
			siblings, err := s.repo.ListRuleSlots(lockCtx, target.RuleID)
			if err != nil {
				return fmt.Errorf("load rule slots: %w", err)
			}
			for _, sib := range siblings {
				switch {
				case sib.ID == target.ID:
				case sib.Status == SlotBooked:
					res.KeptBooked++
				case sib.Editable():
					ids = append(ids, sib.ID)
				}
			}
		}

		n, err := s.repo.DeleteSlots(lockCtx, ids, []SlotStatus{SlotAvailable, SlotBlocked, SlotCancelled})
		if err != nil {
			return fmt.Errorf("delete slots: %w", err)
		}
		res.Deleted = n
		return nil
	})
	if err != nil {
		return nil, lockErr(err)
	}

	s.logEvent(ctx, EventSlotDeleted, &slot.ProviderID, &slot.RuleID, &slot.ID, map[string]any{
		"cascade":     cascadeRecurring,
		"deleted":     res.Deleted,
		"kept_booked": res.KeptBooked,
	})
	return res, nil
}

// BookSlot records a booking made by the booking flow.
func (s *Service) BookSlot(ctx context.Context, slotID, patientID uuid.UUID, bookingRef string) (*Slot, error) {
	if patientID == uuid.Nil {
		return nil, fieldErr("patient_id", ErrInvalidInput, "is required")
	}
	if bookingRef == "" {
		return nil, fieldErr("booking_reference", ErrInvalidInput, "is required")
	}

	return s.transition(ctx, "book_slot", slotID, SlotBooked, func(sl *Slot) {
		sl.PatientID = &patientID
		sl.BookingReference = &bookingRef
	})
}

// CancelSlot moves a slot to cancelled. Patient and booking reference stay
// on the record.
func (s *Service) CancelSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	return s.transition(ctx, "cancel_slot", slotID, SlotCancelled, nil)
}

func (s *Service) transition(ctx context.Context, op string, slotID uuid.UUID, to SlotStatus, mutate func(*Slot)) (updated *Slot, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation(op, err, time.Since(started)) }()

	slot, err := s.repo.GetSlot(ctx, slotID)
	if err != nil {
		return nil, notFoundOr(err, "load slot")
	}

	err = s.locker.WithProviderLock(ctx, slot.ProviderID, func(lockCtx context.Context) error {
		current, err := s.repo.GetSlot(lockCtx, slotID)
		if err != nil {
			return notFoundOr(err, "reload slot")
		}
		if to == SlotBooked && current.Status == SlotBooked {
			return fmt.Errorf("%w: %s", ErrSlotBooked, current.ID)
		}
		if !CanTransition(current.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}

		next := *current
		next.Status = to
		next.UpdatedAt = s.now().UTC()
		if mutate != nil {
			mutate(&next)
		}
		updated, err = s.repo.UpdateSlot(lockCtx, &next, current.Status)
		if err != nil {
			return notFoundOr(err, "update slot")
		}
		return nil
	})
	if err != nil {
		return nil, lockErr(err)
	}

	eventType := EventSlotCancelled
	if to == SlotBooked {
		eventType = EventSlotBooked
	}
	s.logEvent(ctx, eventType, &updated.ProviderID, &updated.RuleID, &updated.ID, map[string]any{
		"status": updated.Status,
	})
	return updated, nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", what, err)
}

func lockErr(err error) error {
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return ErrProviderBusy
	case errors.Is(err, redisclient.ErrLockLost):
		return fmt.Errorf("%w: %w", ErrProviderBusy, err)
	}
	return err
}

func (s *Service) logEvent(ctx context.Context, eventType string, providerID, ruleID, slotID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType:  eventType,
		ProviderID: providerID,
		RuleID:     ruleID,
		SlotID:     slotID,
		Payload:    data,
		CreatedAt:  s.now().UTC(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("failed to insert event log")
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish event")
		}
	}
}
