package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/healthfirst/availability-scheduling/internal/availability"
)

type LocationRequest struct {
	Type       string `json:"type" validate:"required,oneof=clinic hospital telemedicine home_visit"`
	Address    string `json:"address" validate:"required_unless=Type telemedicine,max=500"`
	RoomNumber string `json:"room_number" validate:"max=50"`
}

type PricingRequest struct {
	BaseFee           float64 `json:"base_fee" validate:"gte=0"`
	InsuranceAccepted *bool   `json:"insurance_accepted"`
	Currency          string  `json:"currency" validate:"omitempty,len=3,alpha"`
}

type CreateAvailabilityRequest struct {
	Date                   string           `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime              string           `json:"start_time" validate:"required,hhmm"`
	EndTime                string           `json:"end_time" validate:"required,hhmm"`
	Timezone               string           `json:"timezone" validate:"required,timezone"`
	SlotDuration           int              `json:"slot_duration" validate:"omitempty,min=15,max=240"`
	BreakDuration          int              `json:"break_duration" validate:"min=0,max=60"`
	IsRecurring            bool             `json:"is_recurring"`
	RecurrencePattern      string           `json:"recurrence_pattern" validate:"required_if=IsRecurring true,omitempty,oneof=daily weekly monthly"`
	RecurrenceEndDate      string           `json:"recurrence_end_date" validate:"required_if=IsRecurring true,omitempty,datetime=2006-01-02"`
	AppointmentType        string           `json:"appointment_type" validate:"omitempty,oneof=consultation follow_up emergency telemedicine"`
	Location               *LocationRequest `json:"location" validate:"required"`
	Pricing                *PricingRequest  `json:"pricing"`
	SpecialRequirements    []string         `json:"special_requirements" validate:"omitempty,dive,max=200"`
	Notes                  string           `json:"notes" validate:"max=500"`
	MaxAppointmentsPerSlot int              `json:"max_appointments_per_slot" validate:"omitempty,min=1,max=10"`
}

type UpdateSlotRequest struct {
	StartTime *string `json:"start_time" validate:"omitempty,hhmm"`
	EndTime   *string `json:"end_time" validate:"omitempty,hhmm"`
	Status    *string `json:"status" validate:"omitempty,oneof=available blocked cancelled"`
	Notes     *string `json:"notes" validate:"omitempty,max=500"`
}

type BulkUpdateRequest struct {
	SlotIDs []string          `json:"slot_ids" validate:"required,min=1,max=500,dive,uuid"`
	Updates UpdateSlotRequest `json:"updates"`
}

type BookSlotRequest struct {
	PatientID        string `json:"patient_id" validate:"required,uuid"`
	BookingReference string `json:"booking_reference" validate:"required,max=100"`
}

// Query strings are bound into these before validation.

type ProviderAvailabilityQuery struct {
	StartDate       string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate         string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Status          string `json:"status" validate:"omitempty,oneof=available booked cancelled blocked"`
	AppointmentType string `json:"appointment_type" validate:"omitempty,oneof=consultation follow_up emergency telemedicine"`
	Timezone        string `json:"timezone" validate:"omitempty,timezone"`
}

type DateRangeQuery struct {
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

type SearchQuery struct {
	Date              string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	StartDate         string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate           string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Specialization    string `json:"specialization" validate:"max=100"`
	Location          string `json:"location" validate:"max=200"`
	AppointmentType   string `json:"appointment_type" validate:"omitempty,oneof=consultation follow_up emergency telemedicine"`
	InsuranceAccepted string `json:"insurance_accepted" validate:"omitempty,boolean"`
	MaxPrice          string `json:"max_price" validate:"omitempty,numeric"`
	Timezone          string `json:"timezone" validate:"omitempty,timezone"`
	Limit             string `json:"limit" validate:"omitempty,number"`
}

type SlotResponse struct {
	ID               uuid.UUID  `json:"slot_id"`
	AvailabilityID   uuid.UUID  `json:"availability_id"`
	ProviderID       uuid.UUID  `json:"provider_id"`
	StartUTC         time.Time  `json:"start_utc"`
	EndUTC           time.Time  `json:"end_utc"`
	Status           string     `json:"status"`
	AppointmentType  string     `json:"appointment_type"`
	PatientID        *uuid.UUID `json:"patient_id,omitempty"`
	BookingReference *string    `json:"booking_reference,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func slotResponse(s *availability.Slot) SlotResponse {
	return SlotResponse{
		ID:               s.ID,
		AvailabilityID:   s.RuleID,
		ProviderID:       s.ProviderID,
		StartUTC:         s.Start.UTC(),
		EndUTC:           s.End.UTC(),
		Status:           string(s.Status),
		AppointmentType:  string(s.AppointmentType),
		PatientID:        s.PatientID,
		BookingReference: s.BookingReference,
		Notes:            s.Notes,
		UpdatedAt:        s.UpdatedAt,
	}
}

type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error     string                      `json:"error"`
	Details   string                      `json:"details,omitempty"`
	Fields    []FieldIssue                `json:"fields,omitempty"`
	Conflicts []availability.ConflictPair `json:"conflicts,omitempty"`
}
