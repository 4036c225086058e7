package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/healthfirst/availability-scheduling/internal/availability"
)

const (
	defaultSlotDuration = 30
	defaultCurrency     = "USD"
	maxBodyBytes        = 1 << 20
)

// AvailabilityService is the part of availability.Service the handlers use.
type AvailabilityService interface {
	CreateAvailability(ctx context.Context, providerID uuid.UUID, in availability.RuleInput, opts availability.CreateOptions) (*availability.CreateResult, error)
	ProviderAvailability(ctx context.Context, providerID uuid.UUID, q availability.ProviderQuery) (*availability.ProviderAvailability, error)
	AvailabilitySummary(ctx context.Context, providerID uuid.UUID, from, to civil.Date) (*availability.AvailabilitySummary, error)
	CheckConflicts(ctx context.Context, providerID uuid.UUID, from, to civil.Date) (*availability.ConflictReport, error)
	UpdateSlot(ctx context.Context, slotID uuid.UUID, patch availability.SlotPatch) (*availability.Slot, error)
	BulkUpdateSlots(ctx context.Context, slotIDs []uuid.UUID, patch availability.SlotPatch) *availability.BulkUpdateResult
	DeleteSlot(ctx context.Context, slotID uuid.UUID, cascadeRecurring bool) (*availability.DeleteResult, error)
	BookSlot(ctx context.Context, slotID, patientID uuid.UUID, bookingRef string) (*availability.Slot, error)
	CancelSlot(ctx context.Context, slotID uuid.UUID) (*availability.Slot, error)
	SearchAvailable(ctx context.Context, c availability.SearchCriteria) (*availability.SearchResult, error)
}

func createAvailabilityHandler(svc AvailabilityService, v *RequestValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID", "invalid_provider_id")
		if !ok {
			return
		}

		var opts availability.CreateOptions
		switch r.URL.Query().Get("on_conflict") {
		case "", string(availability.ConflictReject):
			opts.OnConflict = availability.ConflictReject
		case string(availability.ConflictBlock):
			opts.OnConflict = availability.ConflictBlock
		default:
			writeError(w, http.StatusBadRequest, "invalid_on_conflict", "on_conflict must be reject or block")
			return
		}

		var req CreateAvailabilityRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}

		in, err := req.toRuleInput()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		res, err := svc.CreateAvailability(r.Context(), providerID, in, opts)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, res)
	}
}

func (req CreateAvailabilityRequest) toRuleInput() (availability.RuleInput, error) {
	in := availability.RuleInput{
		Timezone:               req.Timezone,
		SlotDuration:           req.SlotDuration,
		BreakDuration:          req.BreakDuration,
		AppointmentType:        availability.AppointmentType(req.AppointmentType),
		SpecialRequirements:    req.SpecialRequirements,
		Notes:                  req.Notes,
		MaxAppointmentsPerSlot: req.MaxAppointmentsPerSlot,
		Recurrence:             availability.Recurrence{Kind: availability.RecurrenceNone},
	}
	if in.SlotDuration == 0 {
		in.SlotDuration = defaultSlotDuration
	}

	var err error
	if in.Date, err = civil.ParseDate(req.Date); err != nil {
		return in, invalidField("date", "must be a date in YYYY-MM-DD format")
	}
	if in.StartTime, err = availability.ParseClock(req.StartTime); err != nil {
		return in, invalidField("start_time", "must be a time in HH:mm format")
	}
	if in.EndTime, err = availability.ParseClock(req.EndTime); err != nil {
		return in, invalidField("end_time", "must be a time in HH:mm format")
	}

	if req.IsRecurring {
		end, err := civil.ParseDate(req.RecurrenceEndDate)
		if err != nil {
			return in, invalidField("recurrence_end_date", "must be a date in YYYY-MM-DD format")
		}
		in.Recurrence = availability.Recurrence{
			Kind:    availability.RecurrenceKind(req.RecurrencePattern),
			EndDate: &end,
		}
	}

	if req.Location != nil {
		in.Location = availability.Location{
			Type:       availability.LocationType(req.Location.Type),
			Address:    req.Location.Address,
			RoomNumber: req.Location.RoomNumber,
		}
	}

	if req.Pricing != nil {
		p := &availability.Pricing{
			BaseFee:           req.Pricing.BaseFee,
			InsuranceAccepted: true,
			Currency:          req.Pricing.Currency,
		}
		if req.Pricing.InsuranceAccepted != nil {
			p.InsuranceAccepted = *req.Pricing.InsuranceAccepted
		}
		if p.Currency == "" {
			p.Currency = defaultCurrency
		}
		in.Pricing = p
	}

	return in, nil
}

func providerAvailabilityHandler(svc AvailabilityService, v *RequestValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID", "invalid_provider_id")
		if !ok {
			return
		}

		qs := r.URL.Query()
		query := ProviderAvailabilityQuery{
			StartDate:       qs.Get("start_date"),
			EndDate:         qs.Get("end_date"),
			Status:          qs.Get("status"),
			AppointmentType: qs.Get("appointment_type"),
			Timezone:        qs.Get("timezone"),
		}
		if !validate(w, v, &query) {
			return
		}

		// Formats were checked by the validator.
		start, _ := civil.ParseDate(query.StartDate)
		end, _ := civil.ParseDate(query.EndDate)

		res, err := svc.ProviderAvailability(r.Context(), providerID, availability.ProviderQuery{
			StartDate:       start,
			EndDate:         end,
			Status:          availability.SlotStatus(query.Status),
			AppointmentType: availability.AppointmentType(query.AppointmentType),
			Timezone:        query.Timezone,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func availabilitySummaryHandler(svc AvailabilityService, v *RequestValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, from, to, ok := providerRange(w, r, v)
		if !ok {
			return
		}

		res, err := svc.AvailabilitySummary(r.Context(), providerID, from, to)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func checkConflictsHandler(svc AvailabilityService, v *RequestValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, from, to, ok := providerRange(w, r, v)
		if !ok {
			return
		}

		res, err := svc.CheckConflicts(r.Context(), providerID, from, to)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func providerRange(w http.ResponseWriter, r *http.Request, v *RequestValidator) (uuid.UUID, civil.Date, civil.Date, bool) {
	providerID, ok := uuidParam(w, r, "providerID", "invalid_provider_id")
	if !ok {
		return uuid.Nil, civil.Date{}, civil.Date{}, false
	}

	query := DateRangeQuery{
		StartDate: r.URL.Query().Get("start_date"),
		EndDate:   r.URL.Query().Get("end_date"),
	}
	if !validate(w, v, &query) {
		return uuid.Nil, civil.Date{}, civil.Date{}, false
	}

	from, _ := civil.ParseDate(query.StartDate)
	to, _ := civil.ParseDate(query.EndDate)
	return providerID, from, to, true
}

func updateSlotHandler(svc AvailabilityService, v *RequestValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := uuidParam(w, r, "slotID", "invalid_slot_id")
		if !ok {
			return
		}

		var req UpdateSlotRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}

		patch, err := req.toPatch()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		slot, err := svc.UpdateSlot(r.Context(), slotID, patch)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, slotResponse(slot))
	}
}

func (req UpdateSlotRequest) toPatch() (availability.SlotPatch, error) {
	var patch availability.SlotPatch
	if req.StartTime != nil {
		t, err := availability.ParseClock(*req.StartTime)
		if err != nil {
			return patch, invalidField("start_time", "must be a time in HH:mm format")
		}
		patch.StartTime = &t
	}
	if req.EndTime != nil {
		t, err := availability.ParseClock(*req.EndTime)
		if err != nil {
			return patch, invalidField("end_time", "must be a time in HH:mm format")
		}
		patch.EndTime = &t
	}
	if req.Status != nil {
		status := availability.SlotStatus(*req.Status)
		patch.Status = &status
	}
	patch.Notes = req.Notes
	return patch, nil
}

func bulkUpdateSlotsHandler(svc AvailabilityService, v *RequestValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BulkUpdateRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}

		ids := make([]uuid.UUID, 0, len(req.SlotIDs))
		for _, raw := range req.SlotIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_ids must be valid UUIDs")
				return
			}
			ids = append(ids, id)
		}

		patch, err := req.Updates.toPatch()
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, svc.BulkUpdateSlots(r.Context(), ids, patch))
	}
}

func deleteSlotHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := uuidParam(w, r, "slotID", "invalid_slot_id")
		if !ok {
			return
		}

		cascade := false
		if raw := r.URL.Query().Get("delete_recurring"); raw != "" {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_delete_recurring", "delete_recurring must be true or false")
				return
			}
			cascade = b
		}

		res, err := svc.DeleteSlot(r.Context(), slotID, cascade)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func bookSlotHandler(svc AvailabilityService, v *RequestValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := uuidParam(w, r, "slotID", "invalid_slot_id")
		if !ok {
			return
		}

		var req BookSlotRequest
		if !decodeAndValidate(w, r, v, &req) {
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		slot, err := svc.BookSlot(r.Context(), slotID, patientID, req.BookingReference)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, slotResponse(slot))
	}
}

func cancelSlotHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := uuidParam(w, r, "slotID", "invalid_slot_id")
		if !ok {
			return
		}

		slot, err := svc.CancelSlot(r.Context(), slotID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, slotResponse(slot))
	}
}

func searchAvailabilityHandler(svc AvailabilityService, v *RequestValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qs := r.URL.Query()
		query := SearchQuery{
			Date:              qs.Get("date"),
			StartDate:         qs.Get("start_date"),
			EndDate:           qs.Get("end_date"),
			Specialization:    qs.Get("specialization"),
			Location:          qs.Get("location"),
			AppointmentType:   qs.Get("appointment_type"),
			InsuranceAccepted: qs.Get("insurance_accepted"),
			MaxPrice:          qs.Get("max_price"),
			Timezone:          qs.Get("timezone"),
			Limit:             qs.Get("limit"),
		}
		if !validate(w, v, &query) {
			return
		}

		res, err := svc.SearchAvailable(r.Context(), query.toCriteria())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

// toCriteria assumes the query already passed validation.
func (q SearchQuery) toCriteria() availability.SearchCriteria {
	c := availability.SearchCriteria{
		Specialization:  q.Specialization,
		Location:        q.Location,
		AppointmentType: availability.AppointmentType(q.AppointmentType),
		Timezone:        q.Timezone,
	}
	c.Date = optionalDate(q.Date)
	c.StartDate = optionalDate(q.StartDate)
	c.EndDate = optionalDate(q.EndDate)

	if q.InsuranceAccepted != "" {
		b, _ := strconv.ParseBool(q.InsuranceAccepted)
		c.InsuranceAccepted = &b
	}
	if q.MaxPrice != "" {
		if f, err := strconv.ParseFloat(q.MaxPrice, 64); err == nil {
			c.MaxPrice = &f
		}
	}
	if q.Limit != "" {
		c.Limit, _ = strconv.Atoi(q.Limit)
	}
	return c
}

func optionalDate(raw string) *civil.Date {
	if raw == "" {
		return nil
	}
	d, err := civil.ParseDate(raw)
	if err != nil {
		return nil
	}
	return &d
}

// Helpers

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *RequestValidator, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
		return false
	}
	return validate(w, v, dst)
}

func validate(w http.ResponseWriter, v *RequestValidator, dst any) bool {
	err := v.Validate(dst)
	if err == nil {
		return true
	}
	if issues, ok := err.(ValidationErrors); ok {
		writeValidationError(w, issues)
		return false
	}
	writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	return false
}

func invalidField(field, message string) error {
	return &availability.FieldError{Field: field, Message: message, Err: availability.ErrInvalidInput}
}
