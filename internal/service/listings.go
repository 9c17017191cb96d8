package service

import (
	"context"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateListing opens a retail listing over an allocation. Checks run in a
// fixed order so callers see the first violated rule.
func (l *AllocationLedger) CreateListing(ctx context.Context, sellerID, allocationID string, retailPrice decimal.Decimal) (*models.InventoryListing, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.CreateListing")
	defer span.End()

	var listing *models.InventoryListing
	ob := &outbox{}
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		a, err := l.allocs.GetAllocation(ctx, allocationID)
		if err != nil {
			return fmt.Errorf("failed to get allocation: %w", err)
		}
		if a == nil || a.Status != models.AllocationStatusActive {
			return fmt.Errorf("%w: allocation %s", models.ErrNoAllocation, allocationID)
		}
		if a.SellerID != sellerID {
			return models.ErrUnauthorized
		}
		if a.RemainingQty <= 0 {
			return fmt.Errorf("%w: allocation %s", models.ErrNoStock, allocationID)
		}
		price := retailPrice.Round(2)
		if price.LessThan(a.MinRetailPrice) {
			return fmt.Errorf("%w: %s is below %s", models.ErrPriceTooLow, price, a.MinRetailPrice)
		}
		existing, err := l.store.GetListingByAllocation(ctx, allocationID)
		if err != nil {
			return fmt.Errorf("failed to check existing listing: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("%w: listing %s", models.ErrDuplicateListing, existing.ID)
		}

		now := l.clock.Now()
		listing = &models.InventoryListing{
			ID:           uuid.New().String(),
			SellerID:     sellerID,
			ProductID:    a.ProductID,
			AllocationID: &a.ID,
			Region:       a.Region,
			Stock:        a.RemainingQty,
			RetailPrice:  price,
			BaseCost:     a.NegotiatedPrice,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := l.store.CreateListing(ctx, listing); err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("%w: allocation %s", models.ErrDuplicateListing, allocationID)
			}
			return err
		}
		ob.audit("listing.create", "listing", listing.ID, sellerID, "", "UNLISTED", "", now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.emit.flush(ctx, ob)

	l.logger.Info("Listing created",
		zap.String("listing_id", listing.ID),
		zap.String("allocation_id", allocationID))
	return listing, nil
}

// CreateDirectListing opens a listing over seller-owned stock with no
// backing allocation.
func (l *AllocationLedger) CreateDirectListing(ctx context.Context, sellerID, productID string, stock int, retailPrice, baseCost decimal.Decimal) (*models.InventoryListing, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.CreateDirectListing")
	defer span.End()

	if stock < 0 {
		return nil, fmt.Errorf("%w: stock must not be negative", models.ErrValidation)
	}
	if baseCost.IsNegative() {
		return nil, fmt.Errorf("%w: base cost must not be negative", models.ErrValidation)
	}
	price := retailPrice.Round(2)
	if price.LessThan(baseCost) || !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s is below cost %s", models.ErrPriceTooLow, price, baseCost)
	}

	now := l.clock.Now()
	listing := &models.InventoryListing{
		ID:          uuid.New().String(),
		SellerID:    sellerID,
		ProductID:   productID,
		Stock:       stock,
		RetailPrice: price,
		BaseCost:    baseCost.Round(2),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.CreateListing(ctx, listing); err != nil {
		return nil, err
	}

	ob := &outbox{}
	ob.audit("listing.create", "listing", listing.ID, sellerID, "", "UNLISTED", "direct", now)
	l.emit.flush(ctx, ob)
	return listing, nil
}

// UpdateListingPrice reprices a listing, re-checking the price floor.
func (l *AllocationLedger) UpdateListingPrice(ctx context.Context, sellerID, listingID string, retailPrice decimal.Decimal) (*models.InventoryListing, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.UpdateListingPrice")
	defer span.End()

	return l.mutateListing(ctx, sellerID, listingID, "listing.reprice", func(ctx context.Context, listing *models.InventoryListing, a *models.Allocation) error {
		price := retailPrice.Round(2)
		floor := listing.BaseCost
		if a != nil {
			floor = a.MinRetailPrice
		}
		if price.LessThan(floor) || !price.IsPositive() {
			return fmt.Errorf("%w: %s is below %s", models.ErrPriceTooLow, price, floor)
		}
		listing.RetailPrice = price
		return nil
	})
}

// PublishListing makes a listing orderable.
func (l *AllocationLedger) PublishListing(ctx context.Context, sellerID, listingID string) (*models.InventoryListing, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.PublishListing")
	defer span.End()

	return l.mutateListing(ctx, sellerID, listingID, "listing.publish", func(ctx context.Context, listing *models.InventoryListing, a *models.Allocation) error {
		if a != nil && a.Status != models.AllocationStatusActive {
			return fmt.Errorf("%w: allocation %s is %s", models.ErrNoAllocation, a.ID, a.Status)
		}
		if listing.Available() <= 0 {
			return fmt.Errorf("%w: listing %s", models.ErrNoStock, listing.ID)
		}
		if a != nil && listing.RetailPrice.LessThan(a.MinRetailPrice) {
			return fmt.Errorf("%w: %s is below %s", models.ErrPriceTooLow, listing.RetailPrice, a.MinRetailPrice)
		}
		listing.Listed = true
		return nil
	})
}

// UnpublishListing hides a listing from new orders. Open orders keep their locks.
func (l *AllocationLedger) UnpublishListing(ctx context.Context, sellerID, listingID string) (*models.InventoryListing, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.UnpublishListing")
	defer span.End()

	return l.mutateListing(ctx, sellerID, listingID, "listing.unpublish", func(ctx context.Context, listing *models.InventoryListing, _ *models.Allocation) error {
		listing.Listed = false
		return nil
	})
}

func (l *AllocationLedger) mutateListing(
	ctx context.Context,
	sellerID, listingID, action string,
	fn func(ctx context.Context, listing *models.InventoryListing, a *models.Allocation) error,
) (*models.InventoryListing, error) {
	var out *models.InventoryListing
	ob := &outbox{}
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		listing, err := l.loadListing(ctx, listingID)
		if err != nil {
			return err
		}
		if listing.SellerID != sellerID {
			return models.ErrUnauthorized
		}
		var a *models.Allocation
		if listing.AllocationID != nil {
			if a, err = l.allocs.GetAllocation(ctx, *listing.AllocationID); err != nil {
				return fmt.Errorf("failed to get allocation: %w", err)
			}
		}
		before := listedState(listing)
		if err := fn(ctx, listing, a); err != nil {
			return err
		}
		listing.UpdatedAt = l.clock.Now()
		if err := l.store.UpdateListingDetails(ctx, listing); err != nil {
			return err
		}
		ob.audit(action, "listing", listing.ID, sellerID, before, listedState(listing), "", listing.UpdatedAt)
		out = listing
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.emit.flush(ctx, ob)
	return out, nil
}

func (l *AllocationLedger) loadListing(ctx context.Context, id string) (*models.InventoryListing, error) {
	listing, err := l.store.GetListing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	if listing == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrListingNotFound, id)
	}
	return listing, nil
}

// GetListing returns one listing.
func (l *AllocationLedger) GetListing(ctx context.Context, id string) (*models.InventoryListing, error) {
	return l.loadListing(ctx, id)
}

func listedState(l *models.InventoryListing) string {
	if l.Listed {
		return "LISTED"
	}
	return "UNLISTED"
}
