package store

import (
	"context"
	"fmt"

	"settlement-service/internal/models"
)

const allocationColumns = `id, manufacturer_id, seller_id, product_id, negotiation_id, allocation_type, region,
	allocated_qty, sold_qty, remaining_qty, negotiated_price, min_retail_price, status, version,
	revoke_reason, created_at, updated_at`

// CreateAllocation inserts a new allocation.
func (s *Store) CreateAllocation(ctx context.Context, a *models.Allocation) error {
	_, err := s.exec(ctx, `
		INSERT INTO allocations (`+allocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ManufacturerID, a.SellerID, a.ProductID, a.NegotiationID, a.Type, a.Region,
		a.AllocatedQty, a.SoldQty, a.RemainingQty, a.NegotiatedPrice, a.MinRetailPrice, a.Status, a.Version,
		a.RevokeReason, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

// GetAllocation returns the allocation or nil when it does not exist.
func (s *Store) GetAllocation(ctx context.Context, id string) (*models.Allocation, error) {
	var a models.Allocation
	err := s.get(ctx, &a, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAllocationsBySeller returns a seller's allocations, newest first.
func (s *Store) ListAllocationsBySeller(ctx context.Context, sellerID string) ([]models.Allocation, error) {
	var out []models.Allocation
	err := s.list(ctx, &out,
		`SELECT `+allocationColumns+` FROM allocations WHERE seller_id = ? ORDER BY created_at DESC`, sellerID)
	return out, err
}

// CompareAndSwapAllocation writes the quantities, price and status of a
// only if the stored version still equals expectedVersion. The version is
// incremented on success.
func (s *Store) CompareAndSwapAllocation(ctx context.Context, a *models.Allocation, expectedVersion int64) (bool, error) {
	ok, err := s.execGuarded(ctx, `
		UPDATE allocations
		SET allocated_qty = ?, sold_qty = ?, remaining_qty = ?, negotiated_price = ?, min_retail_price = ?,
			status = ?, revoke_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.AllocatedQty, a.SoldQty, a.RemainingQty, a.NegotiatedPrice, a.MinRetailPrice,
		a.Status, a.RevokeReason, a.UpdatedAt, a.ID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update allocation: %w", err)
	}
	return ok, nil
}
