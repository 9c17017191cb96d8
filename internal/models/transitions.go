package models

var orderTransitions = map[string][]string{
	OrderStatusCreated:           {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:              {OrderStatusConfirmed, OrderStatusDisputed, OrderStatusCancelled},
	OrderStatusConfirmed:         {OrderStatusShipped, OrderStatusDisputed, OrderStatusCancelled},
	OrderStatusShipped:           {OrderStatusDelivered, OrderStatusDisputed},
	OrderStatusDelivered:         {OrderStatusDeliveryConfirmed, OrderStatusDisputed},
	OrderStatusDeliveryConfirmed: {OrderStatusSettled, OrderStatusDisputed},
	OrderStatusDisputed:          {OrderStatusDelivered, OrderStatusCancelled},
}

// OrderStatuses lists every order status.
var OrderStatuses = []string{
	OrderStatusCreated,
	OrderStatusPaid,
	OrderStatusConfirmed,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusDeliveryConfirmed,
	OrderStatusSettled,
	OrderStatusCancelled,
	OrderStatusDisputed,
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status string) bool {
	return status == OrderStatusSettled || status == OrderStatusCancelled
}

// IsDeliveredOrLater reports whether an order has reached delivery but is not yet settled.
func IsDeliveredOrLater(status string) bool {
	return status == OrderStatusDelivered || status == OrderStatusDeliveryConfirmed
}

var escrowTransitions = map[string][]string{
	EscrowStatusHold:   {EscrowStatusFrozen, EscrowStatusReleased, EscrowStatusRefunded},
	EscrowStatusFrozen: {EscrowStatusHold, EscrowStatusRefunded},
}

// CanTransitionEscrow reports whether escrow may move between statuses.
func CanTransitionEscrow(from, to string) bool {
	for _, next := range escrowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
