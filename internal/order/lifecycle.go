package order

import "slices"

// validTransitions is the order lifecycle as the platform drives it.
// The client never enforces it; it is consulted for diagnostics only.
var validTransitions = map[Status][]Status{
	Initiated:      {EscrowReserved, Cancelled},
	EscrowReserved: {Shipped, Cancelled},
	Shipped:        {Completed, Cancelled},
	Completed:      {},
	Cancelled:      {},
}

// CanTransition reports whether moving from one status to another follows
// the lifecycle. Repeating the current status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	return slices.Contains(validTransitions[from], to)
}
