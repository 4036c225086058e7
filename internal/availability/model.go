package availability

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotCancelled SlotStatus = "cancelled"
	SlotBlocked   SlotStatus = "blocked"
)

type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RuleInactive RuleStatus = "inactive"
)

type RecurrenceKind string

const (
	RecurrenceNone    RecurrenceKind = "none"
	RecurrenceDaily   RecurrenceKind = "daily"
	RecurrenceWeekly  RecurrenceKind = "weekly"
	RecurrenceMonthly RecurrenceKind = "monthly"
)

type AppointmentType string

const (
	AppointmentConsultation AppointmentType = "consultation"
	AppointmentFollowUp     AppointmentType = "follow_up"
	AppointmentEmergency    AppointmentType = "emergency"
	AppointmentTelemedicine AppointmentType = "telemedicine"
)

type LocationType string

const (
	LocationClinic       LocationType = "clinic"
	LocationHospital     LocationType = "hospital"
	LocationTelemedicine LocationType = "telemedicine"
	LocationHomeVisit    LocationType = "home_visit"
)

const (
	MinSlotMinutes  = 15
	MaxSlotMinutes  = 240
	MaxBreakMinutes = 60
)

type Recurrence struct {
	Kind    RecurrenceKind
	EndDate *civil.Date
}

// IsRecurring reports whether the rule repeats beyond its base date.
func (r Recurrence) IsRecurring() bool {
	return r.Kind != "" && r.Kind != RecurrenceNone
}

type Location struct {
	Type       LocationType `json:"type"`
	Address    string       `json:"address,omitempty"`
	RoomNumber string       `json:"room_number,omitempty"`
}

type Pricing struct {
	BaseFee           float64 `json:"base_fee"`
	InsuranceAccepted bool    `json:"insurance_accepted"`
	Currency          string  `json:"currency"`
}

// Rule is a provider-authored availability template. It owns every Slot
// generated from it.
type Rule struct {
	ID                     uuid.UUID
	ProviderID             uuid.UUID
	Date                   civil.Date
	StartTime              civil.Time
	EndTime                civil.Time
	Timezone               string
	Recurrence             Recurrence
	SlotDuration           int // minutes
	BreakDuration          int // minutes
	AppointmentType        AppointmentType
	Status                 RuleStatus
	Location               Location
	Pricing                *Pricing
	SpecialRequirements    []string
	Notes                  string
	MaxAppointmentsPerSlot int
	MaterializedThrough    civil.Date
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// LastDate is the final recurrence date, or the base date for one-off rules.
func (r *Rule) LastDate() civil.Date {
	if r.Recurrence.IsRecurring() && r.Recurrence.EndDate != nil {
		return *r.Recurrence.EndDate
	}
	return r.Date
}

type Slot struct {
	ID               uuid.UUID
	RuleID           uuid.UUID
	ProviderID       uuid.UUID
	Start            time.Time // UTC
	End              time.Time // UTC
	Status           SlotStatus
	AppointmentType  AppointmentType
	BookingReference *string
	PatientID        *uuid.UUID
	Notes            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Duration is the slot length.
func (s *Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Active slots are the only ones that take part in conflict detection.
func (s *Slot) Active() bool {
	return s.Status == SlotAvailable || s.Status == SlotBooked
}

type ConflictPair struct {
	ExistingSlotID  uuid.UUID `json:"existing_slot_id"`
	CandidateSlotID uuid.UUID `json:"candidate_slot_id"`
	OverlapStart    time.Time `json:"overlap_start"`
	OverlapEnd      time.Time `json:"overlap_end"`
}

type ProviderInfo struct {
	ID                uuid.UUID
	Name              string
	Specialization    string
	YearsOfExperience int
	Rating            *float64
	ClinicAddress     string
}

// SlotDetail is a slot joined with the rule fields that search and the
// provider views display.
type SlotDetail struct {
	Slot
	Timezone            string
	Location            Location
	Pricing             *Pricing
	SpecialRequirements []string
}

type EventLog struct {
	ID         int64
	EventType  string
	ProviderID *uuid.UUID
	RuleID     *uuid.UUID
	SlotID     *uuid.UUID
	Payload    []byte
	CreatedAt  time.Time
}
