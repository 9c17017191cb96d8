package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PlatformCommissionRate is the fixed share of the subtotal retained by the platform.
var PlatformCommissionRate = decimal.RequireFromString("0.05")

// MinRetailMarkup is applied to the negotiated price to get the lowest allowed retail price.
var MinRetailMarkup = decimal.RequireFromString("1.05")

// Allocation status
const (
	AllocationStatusActive   = "ACTIVE"
	AllocationStatusDepleted = "DEPLETED"
	AllocationStatusRevoked  = "REVOKED"
)

// Allocation types
const (
	AllocationTypeDirect     = "DIRECT"
	AllocationTypeNegotiated = "NEGOTIATED"
	AllocationTypeGroupBuy   = "GROUP_BUY"
)

// Order status
const (
	OrderStatusCreated           = "CREATED"
	OrderStatusPaid              = "PAID"
	OrderStatusConfirmed         = "CONFIRMED"
	OrderStatusShipped           = "SHIPPED"
	OrderStatusDelivered         = "DELIVERED"
	OrderStatusDeliveryConfirmed = "DELIVERY_CONFIRMED"
	OrderStatusSettled           = "SETTLED"
	OrderStatusCancelled         = "CANCELLED"
	OrderStatusDisputed          = "DISPUTED"
)

// Escrow status
const (
	EscrowStatusHold     = "HOLD"
	EscrowStatusFrozen   = "FROZEN"
	EscrowStatusReleased = "RELEASED"
	EscrowStatusRefunded = "REFUNDED"
)

// Escrow release conditions
const (
	ReleaseConditionSettlementWindow = "SETTLEMENT_WINDOW"
	ReleaseConditionDisputeRelease   = "DISPUTE_RELEASE"
	ReleaseConditionDisputeRefund    = "DISPUTE_REFUND"
	ReleaseConditionCancelled        = "ORDER_CANCELLED"
)

// Payment status
const (
	PaymentStatusSuccess = "SUCCESS"
	PaymentStatusFailed  = "FAILED"
)

// Allocation is a manufacturer-to-seller grant of resellable units for one product.
type Allocation struct {
	ID              string          `db:"id" json:"id"`
	ManufacturerID  string          `db:"manufacturer_id" json:"manufacturer_id"`
	SellerID        string          `db:"seller_id" json:"seller_id"`
	ProductID       string          `db:"product_id" json:"product_id"`
	NegotiationID   *string         `db:"negotiation_id" json:"negotiation_id,omitempty"`
	Type            string          `db:"allocation_type" json:"type"`
	Region          string          `db:"region" json:"region"`
	AllocatedQty    int             `db:"allocated_qty" json:"allocated_qty"`
	SoldQty         int             `db:"sold_qty" json:"sold_qty"`
	RemainingQty    int             `db:"remaining_qty" json:"remaining_qty"`
	NegotiatedPrice decimal.Decimal `db:"negotiated_price" json:"negotiated_price"`
	MinRetailPrice  decimal.Decimal `db:"min_retail_price" json:"min_retail_price"`
	Status          string          `db:"status" json:"status"`
	Version         int64           `db:"version" json:"version"`
	RevokeReason    *string         `db:"revoke_reason" json:"revoke_reason,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Balanced reports whether allocated - sold == remaining and no quantity is negative.
func (a *Allocation) Balanced() bool {
	return a.AllocatedQty-a.SoldQty == a.RemainingQty && a.RemainingQty >= 0 && a.SoldQty >= 0
}

// StatusFor returns the status an allocation should carry with the given remaining quantity.
func (a *Allocation) StatusFor(remaining int) string {
	if a.Status == AllocationStatusRevoked {
		return AllocationStatusRevoked
	}
	if remaining == 0 {
		return AllocationStatusDepleted
	}
	return AllocationStatusActive
}

// MinRetailFor computes the retail floor for a negotiated unit price.
func MinRetailFor(negotiated decimal.Decimal) decimal.Decimal {
	return negotiated.Mul(MinRetailMarkup).Round(2)
}

// InventoryListing is the seller-facing retail record.
type InventoryListing struct {
	ID           string          `db:"id" json:"id"`
	SellerID     string          `db:"seller_id" json:"seller_id"`
	ProductID    string          `db:"product_id" json:"product_id"`
	AllocationID *string         `db:"allocation_id" json:"allocation_id,omitempty"`
	Region       string          `db:"region" json:"region"`
	Stock        int             `db:"stock" json:"stock"`
	Locked       int             `db:"locked" json:"locked"`
	RetailPrice  decimal.Decimal `db:"retail_price" json:"retail_price"`
	BaseCost     decimal.Decimal `db:"base_cost" json:"base_cost"`
	Listed       bool            `db:"listed" json:"listed"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Available returns units that can still be locked by new orders.
func (l *InventoryListing) Available() int {
	return l.Stock - l.Locked
}

// Order is the transactional unit.
type Order struct {
	ID               string          `db:"id" json:"id"`
	CustomerID       string          `db:"customer_id" json:"customer_id"`
	SellerID         string          `db:"seller_id" json:"seller_id"`
	Subtotal         decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxRate          decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	TaxAmount        decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	CommissionRate   decimal.Decimal `db:"commission_rate" json:"commission_rate"`
	CommissionAmount decimal.Decimal `db:"commission_amount" json:"commission_amount"`
	SellerPayout     decimal.Decimal `db:"seller_payout" json:"seller_payout"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status           string          `db:"status" json:"status"`
	IdempotencyKey   *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`

	Items    []OrderItem     `db:"-" json:"items,omitempty"`
	Timeline []TimelineEntry `db:"-" json:"timeline,omitempty"`
}

// OrderItem captures the price and cost of a line at creation time.
type OrderItem struct {
	ID           string          `db:"id" json:"id"`
	OrderID      string          `db:"order_id" json:"order_id"`
	LineNo       int             `db:"line_no" json:"line_no"`
	ProductID    string          `db:"product_id" json:"product_id"`
	ListingID    string          `db:"listing_id" json:"listing_id"`
	AllocationID *string         `db:"allocation_id" json:"allocation_id,omitempty"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	BaseCost     decimal.Decimal `db:"base_cost" json:"base_cost"`
	LineTotal    decimal.Decimal `db:"line_total" json:"line_total"`
}

// TimelineEntry is one append-only record of an order state change.
type TimelineEntry struct {
	ID         int64     `db:"id" json:"-"`
	OrderID    string    `db:"order_id" json:"order_id"`
	FromStatus string    `db:"from_status" json:"from"`
	ToStatus   string    `db:"to_status" json:"to"`
	Reason     string    `db:"reason" json:"reason"`
	ActorID    string    `db:"actor_id" json:"actor_id,omitempty"`
	Metadata   Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"at"`
}

// Escrow holds customer funds for one order.
type Escrow struct {
	ID               string          `db:"id" json:"id"`
	OrderID          string          `db:"order_id" json:"order_id"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	RefundedAmount   decimal.Decimal `db:"refunded_amount" json:"refunded_amount"`
	Status           string          `db:"status" json:"status"`
	SettlementEndsAt *time.Time      `db:"settlement_ends_at" json:"settlement_ends_at,omitempty"`
	ReleaseCondition *string         `db:"release_condition" json:"release_condition,omitempty"`
	FrozenAt         *time.Time      `db:"frozen_at" json:"frozen_at,omitempty"`
	ReleasedAt       *time.Time      `db:"released_at" json:"released_at,omitempty"`
	RefundedAt       *time.Time      `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Settlement is the immutable ledger entry written when escrow is released.
type Settlement struct {
	ID                string          `db:"id" json:"id"`
	EscrowID          string          `db:"escrow_id" json:"escrow_id"`
	OrderID           string          `db:"order_id" json:"order_id"`
	Total             decimal.Decimal `db:"total" json:"total"`
	ManufacturerShare decimal.Decimal `db:"manufacturer_share" json:"manufacturer_share"`
	SellerShare       decimal.Decimal `db:"seller_share" json:"seller_share"`
	PlatformShare     decimal.Decimal `db:"platform_share" json:"platform_share"`
	TaxWithheld       decimal.Decimal `db:"tax_withheld" json:"tax_withheld"`
	Condition         string          `db:"release_condition" json:"release_condition"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// Payment is the latest payment outcome recorded for an order.
type Payment struct {
	ID             string          `db:"id" json:"id"`
	OrderID        string          `db:"order_id" json:"order_id"`
	TransactionRef string          `db:"transaction_ref" json:"transaction_ref"`
	Method         string          `db:"method" json:"method"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Status         string          `db:"status" json:"status"`
	FailureReason  *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// AuditRecord is a structured trace of one state-changing operation.
type AuditRecord struct {
	ID         string    `db:"id" json:"id"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	OldState   *string   `db:"old_state" json:"old_state,omitempty"`
	NewState   *string   `db:"new_state" json:"new_state,omitempty"`
	Reason     string    `db:"reason" json:"reason"`
	Metadata   Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Metadata is a small string map persisted as JSON text.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
