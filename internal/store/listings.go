package store

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/models"
)

const listingColumns = `id, seller_id, product_id, allocation_id, region, stock, locked, retail_price,
	base_cost, listed, created_at, updated_at`

// CreateListing inserts an inventory listing.
func (s *Store) CreateListing(ctx context.Context, l *models.InventoryListing) error {
	_, err := s.exec(ctx, `
		INSERT INTO inventory_listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SellerID, l.ProductID, l.AllocationID, l.Region, l.Stock, l.Locked, l.RetailPrice,
		l.BaseCost, l.Listed, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

// GetListing returns the listing or nil when it does not exist.
func (s *Store) GetListing(ctx context.Context, id string) (*models.InventoryListing, error) {
	var l models.InventoryListing
	err := s.get(ctx, &l, `SELECT `+listingColumns+` FROM inventory_listings WHERE id = ?`, id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetListingByAllocation returns the listing backed by an allocation, if any.
func (s *Store) GetListingByAllocation(ctx context.Context, allocationID string) (*models.InventoryListing, error) {
	var l models.InventoryListing
	err := s.get(ctx, &l, `SELECT `+listingColumns+` FROM inventory_listings WHERE allocation_id = ?`, allocationID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateListingDetails writes price and listed flag.
func (s *Store) UpdateListingDetails(ctx context.Context, l *models.InventoryListing) error {
	_, err := s.exec(ctx, `
		UPDATE inventory_listings SET retail_price = ?, listed = ?, updated_at = ? WHERE id = ?`,
		l.RetailPrice, l.Listed, l.UpdatedAt, l.ID)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	return nil
}

// UnlistByAllocation clears the listed flag of listings backed by an allocation.
func (s *Store) UnlistByAllocation(ctx context.Context, allocationID string, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE inventory_listings SET listed = ?, updated_at = ? WHERE allocation_id = ?`,
		false, at, allocationID)
	return err
}

// LockListingUnits reserves qty units for an unconfirmed order. It reports
// false when fewer than qty units are unlocked.
func (s *Store) LockListingUnits(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	return s.execGuarded(ctx, `
		UPDATE inventory_listings SET locked = locked + ?, updated_at = ?
		WHERE id = ? AND stock - locked >= ?`,
		qty, at, id, qty)
}

// ReleaseListingUnits returns locked units to the free pool.
func (s *Store) ReleaseListingUnits(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	return s.execGuarded(ctx, `
		UPDATE inventory_listings SET locked = locked - ?, updated_at = ?
		WHERE id = ? AND locked >= ?`,
		qty, at, id, qty)
}

// CommitListingUnits converts locked units into a stock deduction.
func (s *Store) CommitListingUnits(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	return s.execGuarded(ctx, `
		UPDATE inventory_listings SET stock = stock - ?, locked = locked - ?, updated_at = ?
		WHERE id = ? AND locked >= ?`,
		qty, qty, at, id, qty)
}

// RestockListingUnits adds qty units back to stock.
func (s *Store) RestockListingUnits(ctx context.Context, id string, qty int, at time.Time) (bool, error) {
	return s.execGuarded(ctx, `
		UPDATE inventory_listings SET stock = stock + ?, updated_at = ? WHERE id = ?`,
		qty, at, id)
}

// AdjustListingStock sets stock for an allocation-backed listing after the
// allocation itself grew or shrank by delta units.
func (s *Store) AdjustListingStock(ctx context.Context, allocationID string, delta int, at time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE inventory_listings SET stock = stock + ?, updated_at = ?
		WHERE allocation_id = ? AND stock + ? >= locked`,
		delta, at, allocationID, delta)
	return err
}
