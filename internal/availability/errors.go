package availability

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidTimezone      = errors.New("invalid timezone")
	ErrInvalidRecurrence    = errors.New("invalid recurrence")
	ErrInvalidDuration      = errors.New("invalid duration")
	ErrNonexistentLocalTime = errors.New("local time does not exist in timezone")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid slot status transition")
	ErrSlotBooked           = errors.New("slot is booked")
	ErrConflict             = errors.New("scheduling conflict")
	ErrProviderBusy         = errors.New("provider availability is being modified, please retry")
	ErrInvalidInput         = errors.New("invalid input")

	ErrSlotNotFound     = fmt.Errorf("slot %w", ErrNotFound)
	ErrRuleNotFound     = fmt.Errorf("availability rule %w", ErrNotFound)
	ErrProviderNotFound = fmt.Errorf("provider %w", ErrNotFound)
)

// FieldError ties a validation failure to the input field that caused it.
type FieldError struct {
	Field   string
	Message string
	Err     error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldErr(field string, err error, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...), Err: err}
}

// ConflictError lists every overlap between the proposed slots and the
// provider's existing ones.
type ConflictError struct {
	Conflicts []ConflictPair
}

func (e *ConflictError) Error() string {
	ids := e.ExistingSlotIDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	return fmt.Sprintf("%s: %d overlapping slot(s) [%s]", ErrConflict, len(e.Conflicts), strings.Join(parts, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ExistingSlotIDs returns the distinct existing slot ids, in conflict order.
func (e *ConflictError) ExistingSlotIDs() []uuid.UUID {
	return distinct(e.Conflicts, func(p ConflictPair) uuid.UUID { return p.ExistingSlotID })
}

// CandidateSlotIDs returns the distinct proposed slot ids, in conflict order.
func (e *ConflictError) CandidateSlotIDs() []uuid.UUID {
	return distinct(e.Conflicts, func(p ConflictPair) uuid.UUID { return p.CandidateSlotID })
}

func distinct(pairs []ConflictPair, key func(ConflictPair) uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(pairs))
	out := make([]uuid.UUID, 0, len(pairs))
	for _, p := range pairs {
		id := key(p)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
