package store

import (
	"context"

	"settlement-service/internal/models"
)

// AllocationIssue is an allocation whose quantities do not reconcile.
type AllocationIssue struct {
	ID           string `db:"id" json:"id"`
	AllocatedQty int    `db:"allocated_qty" json:"allocated_qty"`
	SoldQty      int    `db:"sold_qty" json:"sold_qty"`
	RemainingQty int    `db:"remaining_qty" json:"remaining_qty"`
}

// ListingLockIssue is a listing whose locked count disagrees with open orders.
type ListingLockIssue struct {
	ID             string `db:"id" json:"id"`
	Stock          int    `db:"stock" json:"stock"`
	Locked         int    `db:"locked" json:"locked"`
	ExpectedLocked int    `db:"expected_locked" json:"expected_locked"`
}

// EscrowIssue is an escrow or order whose custody state is inconsistent.
type EscrowIssue struct {
	OrderID      string  `db:"order_id" json:"order_id"`
	EscrowStatus *string `db:"escrow_status" json:"escrow_status,omitempty"`
}

// FindAllocationFormulaViolations lists allocations where allocated - sold != remaining.
func (s *Store) FindAllocationFormulaViolations(ctx context.Context, limit int) ([]AllocationIssue, error) {
	var out []AllocationIssue
	err := s.list(ctx, &out, `
		SELECT id, allocated_qty, sold_qty, remaining_qty FROM allocations
		WHERE allocated_qty - sold_qty <> remaining_qty
		LIMIT ?`, limit)
	return out, err
}

// FindNegativeAllocations lists allocations with a negative quantity.
func (s *Store) FindNegativeAllocations(ctx context.Context, limit int) ([]AllocationIssue, error) {
	var out []AllocationIssue
	err := s.list(ctx, &out, `
		SELECT id, allocated_qty, sold_qty, remaining_qty FROM allocations
		WHERE remaining_qty < 0 OR sold_qty < 0 OR allocated_qty < 0
		LIMIT ?`, limit)
	return out, err
}

// FindListingLockDrift lists listings whose locked units differ from the
// units held by CREATED and PAID orders (including orders disputed while
// PAID), or exceed stock.
func (s *Store) FindListingLockDrift(ctx context.Context, limit int) ([]ListingLockIssue, error) {
	var out []ListingLockIssue
	err := s.list(ctx, &out, `
		SELECT l.id, l.stock, l.locked, COALESCE(SUM(oi.quantity), 0) AS expected_locked
		FROM inventory_listings l
		LEFT JOIN order_items oi ON oi.listing_id = l.id
			AND (oi.order_id IN (SELECT id FROM orders WHERE status IN (?, ?))
				OR oi.order_id IN (SELECT order_id FROM disputes WHERE status <> ? AND order_status_at_raise = ?))
		GROUP BY l.id, l.stock, l.locked
		HAVING l.locked <> COALESCE(SUM(oi.quantity), 0) OR l.locked > l.stock OR l.stock < 0
		LIMIT ?`,
		models.OrderStatusCreated, models.OrderStatusPaid,
		models.DisputeStatusResolved, models.OrderStatusPaid, limit)
	return out, err
}

// FindOrphanEscrows lists escrows that reference no order.
func (s *Store) FindOrphanEscrows(ctx context.Context, limit int) ([]EscrowIssue, error) {
	var out []EscrowIssue
	err := s.list(ctx, &out, `
		SELECT e.order_id, e.status AS escrow_status
		FROM escrows e LEFT JOIN orders o ON o.id = e.order_id
		WHERE o.id IS NULL
		LIMIT ?`, limit)
	return out, err
}

// FindPaidOrdersWithoutHold lists PAID orders whose escrow is missing or not in HOLD.
func (s *Store) FindPaidOrdersWithoutHold(ctx context.Context, limit int) ([]EscrowIssue, error) {
	var out []EscrowIssue
	err := s.list(ctx, &out, `
		SELECT o.id AS order_id, e.status AS escrow_status
		FROM orders o LEFT JOIN escrows e ON e.order_id = o.id
		WHERE o.status = ? AND (e.id IS NULL OR e.status <> ?)
		LIMIT ?`,
		models.OrderStatusPaid, models.EscrowStatusHold, limit)
	return out, err
}

// FindDanglingListings lists listings whose allocation no longer exists.
func (s *Store) FindDanglingListings(ctx context.Context, limit int) ([]ListingLockIssue, error) {
	var out []ListingLockIssue
	err := s.list(ctx, &out, `
		SELECT l.id, l.stock, l.locked, 0 AS expected_locked
		FROM inventory_listings l LEFT JOIN allocations a ON a.id = l.allocation_id
		WHERE l.allocation_id IS NOT NULL AND a.id IS NULL
		LIMIT ?`, limit)
	return out, err
}
