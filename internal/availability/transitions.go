package availability

// allowedTransitions is the slot state machine. Nothing leaves cancelled.
var allowedTransitions = map[SlotStatus][]SlotStatus{
	SlotAvailable: {SlotBooked, SlotBlocked, SlotCancelled},
	SlotBlocked:   {SlotAvailable, SlotCancelled},
	SlotBooked:    {SlotCancelled},
	SlotCancelled: nil,
}

// CanTransition reports whether a slot may move from one status to another.
func CanTransition(from, to SlotStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Editable slots are the ones a provider may still change directly.
func (s *Slot) Editable() bool {
	return s.Status == SlotAvailable || s.Status == SlotBlocked
}

func validStatus(s SlotStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}
