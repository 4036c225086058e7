package availability

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Wall clocks never sit more than 14h away from UTC, so a UTC window padded
// by this much on each side covers every local date in the range.
const zonePadding = 14 * time.Hour

const defaultSearchDays = 7

// defaultSearchLimit caps the slots listed per provider in a search.
const defaultSearchLimit = 500

type SearchCriteria struct {
	Date              *civil.Date
	StartDate         *civil.Date
	EndDate           *civil.Date
	Specialization    string
	Location          string
	AppointmentType   AppointmentType
	MaxPrice          *float64
	InsuranceAccepted *bool
	// Timezone renders slot times; empty means each slot's own zone.
	Timezone string
	// Limit caps the slots listed per provider; zero means defaultSearchLimit.
	Limit int
}

type SlotView struct {
	SlotID              uuid.UUID       `json:"slot_id"`
	Date                civil.Date      `json:"date"`
	StartTime           string          `json:"start_time"`
	EndTime             string          `json:"end_time"`
	Timezone            string          `json:"timezone"`
	StartUTC            time.Time       `json:"start_utc"`
	EndUTC              time.Time       `json:"end_utc"`
	Status              SlotStatus      `json:"status"`
	AppointmentType     AppointmentType `json:"appointment_type"`
	Location            *Location       `json:"location,omitempty"`
	Pricing             *Pricing        `json:"pricing,omitempty"`
	SpecialRequirements []string        `json:"special_requirements,omitempty"`
	Notes               string          `json:"notes,omitempty"`
	PatientID           *uuid.UUID      `json:"patient_id,omitempty"`
	BookingReference    *string         `json:"booking_reference,omitempty"`
}

type ProviderView struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Specialization    string    `json:"specialization"`
	YearsOfExperience int       `json:"years_of_experience"`
	Rating            *float64  `json:"rating,omitempty"`
	ClinicAddress     string    `json:"clinic_address,omitempty"`
}

type ProviderSlots struct {
	Provider       ProviderView `json:"provider"`
	AvailableSlots []SlotView   `json:"available_slots"`
	Truncated      bool         `json:"truncated,omitempty"`
}

// SearchResult lists matching providers. Truncated reports that at least one
// provider had more matching slots than the per-provider limit.
type SearchResult struct {
	DateRange    DateRange       `json:"date_range"`
	TotalResults int             `json:"total_results"`
	Truncated    bool            `json:"truncated"`
	Results      []ProviderSlots `json:"results"`
}

// SearchAvailable finds future available slots across providers. A provider
// appears only when at least one of its slots matches.
func (s *Service) SearchAvailable(ctx context.Context, c SearchCriteria) (*SearchResult, error) {
	if c.Timezone != "" && !ValidateTimezone(c.Timezone) {
		return nil, fieldErr("timezone", ErrInvalidTimezone, "unknown timezone %q", c.Timezone)
	}
	if c.AppointmentType != "" && !validAppointmentType(c.AppointmentType) {
		return nil, fieldErr("appointment_type", ErrInvalidInput, "unknown appointment type %q", c.AppointmentType)
	}
	if c.MaxPrice != nil && *c.MaxPrice < 0 {
		return nil, fieldErr("max_price", ErrInvalidInput, "must not be negative")
	}

	rng, err := s.searchRange(c)
	if err != nil {
		return nil, err
	}
	from, to := paddedWindow(rng)
	limit := c.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	// One extra row per provider tells a full page from a cut one.
	rows, err := s.repo.SearchSlots(ctx, SlotSearch{
		From:              from,
		To:                to,
		NotBefore:         s.now().UTC(),
		Specialization:    c.Specialization,
		LocationText:      c.Location,
		AppointmentType:   c.AppointmentType,
		MaxPrice:          c.MaxPrice,
		InsuranceAccepted: c.InsuranceAccepted,
		Limit:             limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("search slots: %w", err)
	}

	res := &SearchResult{DateRange: rng, Results: []ProviderSlots{}}
	index := make(map[uuid.UUID]int)
	fetched := make(map[uuid.UUID]int)
	var cut []uuid.UUID
	for _, row := range rows {
		pid := row.Provider.ID
		view, err := viewOf(row.Slot, c.Timezone)
		if err != nil {
			return nil, err
		}
		fetched[pid]++
		if fetched[pid] > limit {
			if !view.Date.After(rng.End) {
				cut = append(cut, pid)
			}
			continue
		}
		if view.Date.Before(rng.Start) || view.Date.After(rng.End) {
			continue
		}

		i, ok := index[pid]
		if !ok {
			i = len(res.Results)
			index[pid] = i
			res.Results = append(res.Results, ProviderSlots{Provider: providerView(row.Provider)})
		}
		res.Results[i].AvailableSlots = append(res.Results[i].AvailableSlots, view)
	}
	for _, pid := range cut {
		res.Truncated = true
		if i, ok := index[pid]; ok {
			res.Results[i].Truncated = true
		}
	}
	res.TotalResults = len(res.Results)
	return res, nil
}

func (s *Service) searchRange(c SearchCriteria) (DateRange, error) {
	if c.Date != nil {
		if c.StartDate != nil || c.EndDate != nil {
			return DateRange{}, fieldErr("date", ErrInvalidInput, "use either date or start_date/end_date")
		}
		return DateRange{Start: *c.Date, End: *c.Date}, nil
	}

	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	today, err := ToLocal(s.now(), tz)
	if err != nil {
		return DateRange{}, err
	}

	rng := DateRange{Start: today.Date, End: today.Date.AddDays(defaultSearchDays)}
	if c.StartDate != nil {
		rng.Start = *c.StartDate
		rng.End = rng.Start.AddDays(defaultSearchDays)
	}
	if c.EndDate != nil {
		rng.End = *c.EndDate
	}
	return rng, s.checkRange(rng, "end_date")
}

func (s *Service) checkRange(rng DateRange, field string) error {
	if rng.End.Before(rng.Start) {
		return fieldErr(field, ErrInvalidInput, "%s is before %s", rng.End, rng.Start)
	}
	if rng.End.DaysSince(rng.Start) > s.cfg.SearchMaxRangeDays {
		return fieldErr(field, ErrInvalidInput, "range may span at most %d days", s.cfg.SearchMaxRangeDays)
	}
	return nil
}

func paddedWindow(rng DateRange) (time.Time, time.Time) {
	from := rng.Start.In(time.UTC).Add(-zonePadding)
	to := rng.End.AddDays(1).In(time.UTC).Add(zonePadding)
	return from, to
}

func viewOf(d SlotDetail, displayTZ string) (SlotView, error) {
	tz := displayTZ
	if tz == "" {
		tz = d.Timezone
	}
	start, err := ToLocal(d.Start, tz)
	if err != nil {
		return SlotView{}, err
	}
	end, err := ToLocal(d.End, tz)
	if err != nil {
		return SlotView{}, err
	}

	loc := d.Location
	return SlotView{
		SlotID:              d.ID,
		Date:                start.Date,
		StartTime:           FormatClock(start.Time),
		EndTime:             FormatClock(end.Time),
		Timezone:            tz,
		StartUTC:            d.Start,
		EndUTC:              d.End,
		Status:              d.Status,
		AppointmentType:     d.AppointmentType,
		Location:            &loc,
		Pricing:             d.Pricing,
		SpecialRequirements: d.SpecialRequirements,
		Notes:               d.Notes,
		PatientID:           d.PatientID,
		BookingReference:    d.BookingReference,
	}, nil
}

func providerView(p ProviderInfo) ProviderView {
	return ProviderView{
		ID:                p.ID,
		Name:              p.Name,
		Specialization:    p.Specialization,
		YearsOfExperience: p.YearsOfExperience,
		Rating:            p.Rating,
		ClinicAddress:     p.ClinicAddress,
	}
}

func validAppointmentType(t AppointmentType) bool {
	switch t {
	case AppointmentConsultation, AppointmentFollowUp, AppointmentEmergency, AppointmentTelemedicine:
		return true
	}
	return false
}

// ProviderQuery filters the provider availability view.
type ProviderQuery struct {
	StartDate       civil.Date
	EndDate         civil.Date
	Status          SlotStatus
	AppointmentType AppointmentType
	Timezone        string
}

type StatusSummary struct {
	TotalSlots     int `json:"total_slots"`
	AvailableSlots int `json:"available_slots"`
	BookedSlots    int `json:"booked_slots"`
	CancelledSlots int `json:"cancelled_slots"`
	BlockedSlots   int `json:"blocked_slots"`
}

func (s *StatusSummary) add(status SlotStatus) {
	s.TotalSlots++
	switch status {
	case SlotAvailable:
		s.AvailableSlots++
	case SlotBooked:
		s.BookedSlots++
	case SlotCancelled:
		s.CancelledSlots++
	case SlotBlocked:
		s.BlockedSlots++
	}
}

type DaySlots struct {
	Date  civil.Date `json:"date"`
	Slots []SlotView `json:"slots"`
}

type ProviderAvailability struct {
	ProviderID   uuid.UUID     `json:"provider_id"`
	DateRange    DateRange     `json:"date_range"`
	Summary      StatusSummary `json:"availability_summary"`
	Availability []DaySlots    `json:"availability"`
}

// ProviderAvailability lists a provider's slots grouped by local date.
func (s *Service) ProviderAvailability(ctx context.Context, providerID uuid.UUID, q ProviderQuery) (*ProviderAvailability, error) {
	rng := DateRange{Start: q.StartDate, End: q.EndDate}
	if err := s.checkRange(rng, "end_date"); err != nil {
		return nil, err
	}
	if q.Timezone != "" && !ValidateTimezone(q.Timezone) {
		return nil, fieldErr("timezone", ErrInvalidTimezone, "unknown timezone %q", q.Timezone)
	}
	if q.Status != "" && !validStatus(q.Status) {
		return nil, fieldErr("status", ErrInvalidInput, "unknown status %q", q.Status)
	}

	views, err := s.providerSlots(ctx, providerID, rng, q.Timezone, q.AppointmentType, statusFilter(q.Status))
	if err != nil {
		return nil, err
	}

	out := &ProviderAvailability{ProviderID: providerID, DateRange: rng, Availability: []DaySlots{}}
	for _, v := range views {
		out.Summary.add(v.Status)
		n := len(out.Availability)
		if n == 0 || out.Availability[n-1].Date != v.Date {
			out.Availability = append(out.Availability, DaySlots{Date: v.Date})
			n++
		}
		out.Availability[n-1].Slots = append(out.Availability[n-1].Slots, v)
	}
	return out, nil
}

// providerSlots loads the provider's slots whose local date falls in rng,
// ordered by start.
func (s *Service) providerSlots(ctx context.Context, providerID uuid.UUID, rng DateRange, tz string, apptType AppointmentType, statuses []SlotStatus) ([]SlotView, error) {
	if _, err := s.repo.GetProvider(ctx, providerID); err != nil {
		return nil, notFoundOr(err, "load provider")
	}

	from, to := paddedWindow(rng)
	details, err := s.repo.ListProviderSlots(ctx, SlotQuery{
		ProviderID:      providerID,
		From:            from,
		To:              to,
		Statuses:        statuses,
		AppointmentType: apptType,
	})
	if err != nil {
		return nil, fmt.Errorf("list provider slots: %w", err)
	}

	views := make([]SlotView, 0, len(details))
	for _, d := range details {
		v, err := viewOf(d, tz)
		if err != nil {
			return nil, err
		}
		if v.Date.Before(rng.Start) || v.Date.After(rng.End) {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

func statusFilter(st SlotStatus) []SlotStatus {
	if st == "" {
		return nil
	}
	return []SlotStatus{st}
}

type SummaryMetrics struct {
	TotalDays          int     `json:"total_days"`
	AverageSlotsPerDay float64 `json:"average_slots_per_day"`
	BookingRate        float64 `json:"booking_rate"`
}

type AvailabilitySummary struct {
	ProviderID uuid.UUID      `json:"provider_id"`
	DateRange  DateRange      `json:"date_range"`
	Summary    StatusSummary  `json:"summary"`
	Metrics    SummaryMetrics `json:"metrics"`
}

// AvailabilitySummary reports slot counts by status plus booking metrics
// over the local dates in [from, to].
func (s *Service) AvailabilitySummary(ctx context.Context, providerID uuid.UUID, from, to civil.Date) (*AvailabilitySummary, error) {
	rng := DateRange{Start: from, End: to}
	if err := s.checkRange(rng, "end_date"); err != nil {
		return nil, err
	}

	views, err := s.providerSlots(ctx, providerID, rng, "", "", nil)
	if err != nil {
		return nil, err
	}

	out := &AvailabilitySummary{ProviderID: providerID, DateRange: rng}
	days := make(map[civil.Date]struct{})
	for _, v := range views {
		out.Summary.add(v.Status)
		days[v.Date] = struct{}{}
	}

	out.Metrics.TotalDays = len(days)
	if len(days) > 0 {
		out.Metrics.AverageSlotsPerDay = round2(float64(out.Summary.TotalSlots) / float64(len(days)))
	}
	if out.Summary.TotalSlots > 0 {
		out.Metrics.BookingRate = round2(float64(out.Summary.BookedSlots) / float64(out.Summary.TotalSlots) * 100)
	}
	return out, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type ConflictReport struct {
	ProviderID         uuid.UUID      `json:"provider_id"`
	DateRange          DateRange      `json:"date_range"`
	TotalSlotsAnalyzed int            `json:"total_slots_analyzed"`
	ConflictsFound     int            `json:"conflicts_found"`
	Conflicts          []ConflictPair `json:"conflicts"`
}

// CheckConflicts reports overlapping available/booked slots of a provider.
func (s *Service) CheckConflicts(ctx context.Context, providerID uuid.UUID, from, to civil.Date) (*ConflictReport, error) {
	rng := DateRange{Start: from, End: to}
	if err := s.checkRange(rng, "end_date"); err != nil {
		return nil, err
	}

	views, err := s.providerSlots(ctx, providerID, rng, "", "", []SlotStatus{SlotAvailable, SlotBooked})
	if err != nil {
		return nil, err
	}

	slots := make([]Slot, 0, len(views))
	for _, v := range views {
		slots = append(slots, Slot{ID: v.SlotID, ProviderID: providerID, Start: v.StartUTC, End: v.EndUTC, Status: v.Status})
	}

	conflicts := FindOverlaps(slots)
	if conflicts == nil {
		conflicts = []ConflictPair{}
	}
	s.metrics.ObserveConflicts("check", len(conflicts))
	return &ConflictReport{
		ProviderID:         providerID,
		DateRange:          rng,
		TotalSlotsAnalyzed: len(slots),
		ConflictsFound:     len(conflicts),
		Conflicts:          conflicts,
	}, nil
}
