package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderPlaced             = "ORDER_PLACED"
	EventTypeOrderPaid               = "ORDER_PAID"
	EventTypeOrderConfirmed          = "ORDER_CONFIRMED"
	EventTypeOrderShipped            = "ORDER_SHIPPED"
	EventTypeOrderDelivered          = "ORDER_DELIVERED"
	EventTypeOrderDeliveryConfirmed  = "ORDER_DELIVERY_CONFIRMED"
	EventTypeOrderCancelled          = "ORDER_CANCELLED"
	EventTypeOrderSettled            = "ORDER_SETTLED"
	EventTypePaymentFailed           = "PAYMENT_FAILED"
	EventTypeEscrowReleased          = "ESCROW_RELEASED"
	EventTypeEscrowRefunded          = "ESCROW_REFUNDED"
	EventTypeEscrowPartiallyRefunded = "ESCROW_PARTIALLY_REFUNDED"
	EventTypeDisputeRaised           = "DISPUTE_RAISED"
	EventTypeDisputeResolved         = "DISPUTE_RESOLVED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// DomainEvent is emitted after a settlement operation commits.
type DomainEvent struct {
	BaseEvent
	EntityID string           `json:"entity_id"`
	OrderID  string           `json:"order_id,omitempty"`
	ActorID  string           `json:"actor_id"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// NewDomainEvent stamps a new event with an ID and time.
func NewDomainEvent(eventType, entityID, orderID, actorID string, at time.Time) *DomainEvent {
	return &DomainEvent{
		BaseEvent: BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: at,
		},
		EntityID: entityID,
		OrderID:  orderID,
		ActorID:  actorID,
	}
}

// WithAmount sets the event amount.
func (e *DomainEvent) WithAmount(amount decimal.Decimal) *DomainEvent {
	e.Amount = &amount
	return e
}

// WithReason sets the event reason.
func (e *DomainEvent) WithReason(reason string) *DomainEvent {
	e.Reason = reason
	return e
}
