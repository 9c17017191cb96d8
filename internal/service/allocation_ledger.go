package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/clock"
	"settlement-service/internal/models"
	"settlement-service/internal/retry"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// allocationRepo is the version-checked persistence the ledger relies on.
type allocationRepo interface {
	GetAllocation(ctx context.Context, id string) (*models.Allocation, error)
	CompareAndSwapAllocation(ctx context.Context, a *models.Allocation, expectedVersion int64) (bool, error)
}

var errVersionConflict = errors.New("allocation version conflict")

// AllocationLedger tracks how many units of a product each seller may resell.
type AllocationLedger struct {
	store  *store.Store
	allocs allocationRepo
	clock  clock.Clock
	policy retry.Policy
	emit   emitter
	logger *zap.Logger
}

// NewAllocationLedger creates a ledger. maxAttempts and baseDelay bound the
// compare-and-swap retry loop of Reserve and Restore.
func NewAllocationLedger(st *store.Store, clk clock.Clock, maxAttempts int, baseDelay time.Duration, collab Collaborators) *AllocationLedger {
	logger := util.GetLogger()
	l := &AllocationLedger{
		store:  st,
		allocs: st,
		clock:  clk,
		emit:   emitter{collab: collab, logger: logger},
		logger: logger,
	}
	l.policy = retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    50 * baseDelay,
	}
	return l
}

// CreateAllocationRequest grants units of a product to a seller.
type CreateAllocationRequest struct {
	ManufacturerID  string          `json:"manufacturer_id" binding:"required"`
	SellerID        string          `json:"seller_id" binding:"required"`
	ProductID       string          `json:"product_id" binding:"required"`
	Quantity        int             `json:"quantity" binding:"required,min=1"`
	NegotiatedPrice decimal.Decimal `json:"negotiated_price" binding:"required"`
	Type            string          `json:"type"`
	NegotiationID   string          `json:"negotiation_id,omitempty"`
	Region          string          `json:"region,omitempty"`
}

// CreateAllocation records a new ACTIVE allocation.
func (l *AllocationLedger) CreateAllocation(ctx context.Context, req *CreateAllocationRequest) (*models.Allocation, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.CreateAllocation")
	defer span.End()

	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}
	if !req.NegotiatedPrice.IsPositive() {
		return nil, fmt.Errorf("%w: negotiated price must be positive", models.ErrValidation)
	}
	allocType := req.Type
	switch allocType {
	case "":
		allocType = models.AllocationTypeDirect
		if req.NegotiationID != "" {
			allocType = models.AllocationTypeNegotiated
		}
	case models.AllocationTypeDirect, models.AllocationTypeNegotiated, models.AllocationTypeGroupBuy:
	default:
		return nil, fmt.Errorf("%w: unknown allocation type %q", models.ErrValidation, req.Type)
	}

	now := l.clock.Now()
	price := req.NegotiatedPrice.Round(2)
	a := &models.Allocation{
		ID:              uuid.New().String(),
		ManufacturerID:  req.ManufacturerID,
		SellerID:        req.SellerID,
		ProductID:       req.ProductID,
		NegotiationID:   models.StringPtr(req.NegotiationID),
		Type:            allocType,
		Region:          req.Region,
		AllocatedQty:    req.Quantity,
		RemainingQty:    req.Quantity,
		NegotiatedPrice: price,
		MinRetailPrice:  models.MinRetailFor(price),
		Status:          models.AllocationStatusActive,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := l.store.CreateAllocation(ctx, a); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: negotiation %s", models.ErrDuplicateAllocation, req.NegotiationID)
		}
		return nil, err
	}

	ob := &outbox{}
	ob.audit("allocation.create", "allocation", a.ID, req.ManufacturerID, "", a.Status, "", now)
	l.emit.flush(ctx, ob)

	l.logger.Info("Allocation created",
		zap.String("allocation_id", a.ID),
		zap.String("seller_id", a.SellerID),
		zap.Int("quantity", a.AllocatedQty))
	return a, nil
}

// UpdateAllocationRequest changes the size or price of an allocation. Nil
// fields are left as they are.
type UpdateAllocationRequest struct {
	AllocatedQty    *int             `json:"allocated_qty,omitempty"`
	NegotiatedPrice *decimal.Decimal `json:"negotiated_price,omitempty"`
}

// UpdateAllocation resizes or reprices an allocation owned by manufacturerID.
func (l *AllocationLedger) UpdateAllocation(ctx context.Context, manufacturerID, allocationID string, req *UpdateAllocationRequest) (*models.Allocation, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.UpdateAllocation")
	defer span.End()

	var updated *models.Allocation
	ob := &outbox{}
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		a, err := l.loadAllocation(ctx, allocationID)
		if err != nil {
			return err
		}
		if a.ManufacturerID != manufacturerID {
			return models.ErrUnauthorized
		}
		if a.Status == models.AllocationStatusRevoked {
			return fmt.Errorf("%w: allocation %s is revoked", models.ErrNoAllocation, a.ID)
		}

		next := *a
		delta := 0
		if req.AllocatedQty != nil {
			if *req.AllocatedQty < a.SoldQty {
				return fmt.Errorf("%w: allocated quantity %d is below sold %d", models.ErrValidation, *req.AllocatedQty, a.SoldQty)
			}
			delta = *req.AllocatedQty - a.AllocatedQty
			next.AllocatedQty = *req.AllocatedQty
			next.RemainingQty = next.AllocatedQty - next.SoldQty
		}
		if req.NegotiatedPrice != nil {
			if !req.NegotiatedPrice.IsPositive() {
				return fmt.Errorf("%w: negotiated price must be positive", models.ErrValidation)
			}
			next.NegotiatedPrice = req.NegotiatedPrice.Round(2)
			next.MinRetailPrice = models.MinRetailFor(next.NegotiatedPrice)
		}
		next.Status = a.StatusFor(next.RemainingQty)
		next.UpdatedAt = l.clock.Now()

		ok, err := l.allocs.CompareAndSwapAllocation(ctx, &next, a.Version)
		if err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}
		if !ok {
			util.AllocationConflictsTotal.WithLabelValues("update").Inc()
			return fmt.Errorf("%w: allocation %s", models.ErrConcurrentModification, a.ID)
		}
		if delta != 0 {
			if err := l.store.AdjustListingStock(ctx, a.ID, delta, next.UpdatedAt); err != nil {
				return fmt.Errorf("failed to adjust listing stock: %w", err)
			}
		}
		next.Version = a.Version + 1
		updated = &next
		ob.audit("allocation.update", "allocation", a.ID, manufacturerID, a.Status, next.Status, "", next.UpdatedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.emit.flush(ctx, ob)
	return updated, nil
}

// RevokeAllocation withdraws an allocation and unlists its listing.
func (l *AllocationLedger) RevokeAllocation(ctx context.Context, manufacturerID, allocationID, reason string) (*models.Allocation, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.RevokeAllocation")
	defer span.End()

	var revoked *models.Allocation
	ob := &outbox{}
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		a, err := l.loadAllocation(ctx, allocationID)
		if err != nil {
			return err
		}
		if a.ManufacturerID != manufacturerID {
			return models.ErrUnauthorized
		}
		if a.Status == models.AllocationStatusRevoked {
			revoked = a
			return nil
		}

		next := *a
		next.Status = models.AllocationStatusRevoked
		next.RevokeReason = models.StringPtr(reason)
		next.UpdatedAt = l.clock.Now()
		ok, err := l.allocs.CompareAndSwapAllocation(ctx, &next, a.Version)
		if err != nil {
			return fmt.Errorf("failed to revoke allocation: %w", err)
		}
		if !ok {
			util.AllocationConflictsTotal.WithLabelValues("revoke").Inc()
			return fmt.Errorf("%w: allocation %s", models.ErrConcurrentModification, a.ID)
		}
		if err := l.store.UnlistByAllocation(ctx, a.ID, next.UpdatedAt); err != nil {
			return fmt.Errorf("failed to unlist allocation listings: %w", err)
		}
		next.Version = a.Version + 1
		revoked = &next
		ob.audit("allocation.revoke", "allocation", a.ID, manufacturerID, a.Status, next.Status, reason, next.UpdatedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.emit.flush(ctx, ob)
	return revoked, nil
}

// Reserve moves qty units of an allocation from remaining to sold. Lost
// version races are retried; a reservation that still cannot be applied
// fails with ErrInsufficientStock.
func (l *AllocationLedger) Reserve(ctx context.Context, allocationID string, qty int) (*models.Allocation, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.Reserve")
	defer span.End()

	if qty < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}

	start := time.Now()
	defer func() {
		util.AllocationReserveLatency.Observe(time.Since(start).Seconds())
	}()

	var result *models.Allocation
	err := l.casLoop(ctx, "reserve", func() error {
		a, err := l.loadAllocation(ctx, allocationID)
		if err != nil {
			return retry.Permanent(err)
		}
		if a.Status != models.AllocationStatusActive {
			return retry.Permanent(fmt.Errorf("%w: allocation %s is %s", models.ErrNoAllocation, a.ID, a.Status))
		}
		if a.RemainingQty < qty {
			return retry.Permanent(fmt.Errorf("%w: allocation %s has %d remaining, need %d",
				models.ErrInsufficientStock, a.ID, a.RemainingQty, qty))
		}

		next := *a
		next.SoldQty += qty
		next.RemainingQty -= qty
		next.Status = a.StatusFor(next.RemainingQty)
		next.UpdatedAt = l.clock.Now()
		if err := l.swap(ctx, a, &next); err != nil {
			return err
		}
		result = &next
		return nil
	})
	if errors.Is(err, errVersionConflict) {
		l.logger.Warn("Allocation reserve exhausted retries",
			zap.String("allocation_id", allocationID),
			zap.Int("quantity", qty))
		return nil, fmt.Errorf("%w: allocation %s kept changing", models.ErrInsufficientStock, allocationID)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Restore returns qty sold units to remaining and reactivates a depleted
// allocation. Revoked allocations take the units back but stay revoked.
func (l *AllocationLedger) Restore(ctx context.Context, allocationID string, qty int) (*models.Allocation, error) {
	ctx, span := util.StartSpan(ctx, "AllocationLedger.Restore")
	defer span.End()

	if qty < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}

	var result *models.Allocation
	err := l.casLoop(ctx, "restore", func() error {
		a, err := l.loadAllocation(ctx, allocationID)
		if err != nil {
			return retry.Permanent(err)
		}
		if a.SoldQty < qty {
			return retry.Permanent(fmt.Errorf("%w: restoring %d units to allocation %s with %d sold",
				models.ErrConsistencyViolation, qty, a.ID, a.SoldQty))
		}

		next := *a
		next.SoldQty -= qty
		next.RemainingQty += qty
		next.Status = a.StatusFor(next.RemainingQty)
		next.UpdatedAt = l.clock.Now()
		if err := l.swap(ctx, a, &next); err != nil {
			return err
		}
		result = &next
		return nil
	})
	if errors.Is(err, errVersionConflict) {
		return nil, fmt.Errorf("%w: allocation %s", models.ErrConcurrentModification, allocationID)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *AllocationLedger) casLoop(ctx context.Context, op string, fn func() error) error {
	p := l.policy
	p.OnRetry = func(attempt int, err error) {
		util.AllocationConflictsTotal.WithLabelValues(op).Inc()
		l.logger.Debug("Allocation version conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt))
	}
	return retry.Do(ctx, p, fn)
}

// swap writes next over current with a version check. A lost race returns
// errVersionConflict so the caller retries.
func (l *AllocationLedger) swap(ctx context.Context, current, next *models.Allocation) error {
	if !next.Balanced() {
		return retry.Permanent(fmt.Errorf("%w: allocation %s would be unbalanced", models.ErrConsistencyViolation, current.ID))
	}
	ok, err := l.allocs.CompareAndSwapAllocation(ctx, next, current.Version)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to swap allocation: %w", err))
	}
	if !ok {
		return errVersionConflict
	}
	next.Version = current.Version + 1
	return nil
}

func (l *AllocationLedger) loadAllocation(ctx context.Context, id string) (*models.Allocation, error) {
	a, err := l.allocs.GetAllocation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrAllocationNotFound, id)
	}
	return a, nil
}

// GetAllocation returns one allocation.
func (l *AllocationLedger) GetAllocation(ctx context.Context, id string) (*models.Allocation, error) {
	return l.loadAllocation(ctx, id)
}

// ListSellerAllocations returns every allocation granted to a seller.
func (l *AllocationLedger) ListSellerAllocations(ctx context.Context, sellerID string) ([]models.Allocation, error) {
	out, err := l.store.ListAllocationsBySeller(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return out, nil
}
