package availability

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// SlotQuery selects a provider's slots overlapping [From, To).
type SlotQuery struct {
	ProviderID      uuid.UUID
	From            time.Time
	To              time.Time
	Statuses        []SlotStatus // empty means any
	AppointmentType AppointmentType
}

// SlotSearch selects available slots across providers.
type SlotSearch struct {
	From              time.Time
	To                time.Time
	NotBefore         time.Time
	Specialization    string
	LocationText      string
	AppointmentType   AppointmentType
	MaxPrice          *float64
	InsuranceAccepted *bool
	// Limit is the most slots returned per provider.
	Limit int
}

type SearchRow struct {
	Provider ProviderInfo
	Slot     SlotDetail
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*ProviderInfo, error)

	// Rules
	GetRule(ctx context.Context, id uuid.UUID) (*Rule, error)
	CreateRuleWithSlots(ctx context.Context, rule *Rule, slots []Slot) error
	AppendSlots(ctx context.Context, ruleID uuid.UUID, slots []Slot, materializedThrough civil.Date) error
	// ListRulesToExtend returns active recurring rules materialised short of
	// both their end date and the given date, least materialised first.
	ListRulesToExtend(ctx context.Context, before civil.Date, limit int) ([]Rule, error)

	// Slots
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListActiveSlots(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error)
	ListRuleSlots(ctx context.Context, ruleID uuid.UUID) ([]Slot, error)
	ListProviderSlots(ctx context.Context, q SlotQuery) ([]SlotDetail, error)
	UpdateSlot(ctx context.Context, slot *Slot, from SlotStatus) (*Slot, error)
	DeleteSlots(ctx context.Context, ids []uuid.UUID, statuses []SlotStatus) (int64, error)

	// Search
	SearchSlots(ctx context.Context, q SlotSearch) ([]SearchRow, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Publisher forwards events to an external bus. Optional.
type Publisher interface {
	Publish(ctx context.Context, ev EventLog) error
}
