package service

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/clock"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Integrity states
const (
	IntegrityHealthy  = "HEALTHY"
	IntegrityDegraded = "DEGRADED"
	IntegrityCritical = "CRITICAL"
)

const integrityScanLimit = 100

// IntegrityReport lists every inconsistency found by one audit run.
type IntegrityReport struct {
	Status             string                   `json:"status"`
	TotalIssues        int                      `json:"total_issues"`
	FormulaViolations  []store.AllocationIssue  `json:"formula_violations"`
	NegativeQuantities []store.AllocationIssue  `json:"negative_quantities"`
	ListingLockDrift   []store.ListingLockIssue `json:"listing_lock_drift"`
	DanglingListings   []store.ListingLockIssue `json:"dangling_listings"`
	OrphanEscrows      []store.EscrowIssue      `json:"orphan_escrows"`
	PaidOrdersUnheld   []store.EscrowIssue      `json:"paid_orders_without_hold"`
	CheckedAt          time.Time                `json:"checked_at"`
}

// IntegrityService cross-checks the ledgers against each other.
type IntegrityService struct {
	store  *store.Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewIntegrityService creates an integrity auditor.
func NewIntegrityService(st *store.Store, clk clock.Clock) *IntegrityService {
	return &IntegrityService{store: st, clock: clk, logger: util.GetLogger()}
}

// RunAudit scans for allocation, listing and escrow inconsistencies. It
// reads only and may run at any time.
func (s *IntegrityService) RunAudit(ctx context.Context) (*IntegrityReport, error) {
	ctx, span := util.StartSpan(ctx, "IntegrityService.RunAudit")
	defer span.End()

	r := &IntegrityReport{CheckedAt: s.clock.Now()}
	var err error

	if r.FormulaViolations, err = s.store.FindAllocationFormulaViolations(ctx, integrityScanLimit); err != nil {
		return nil, fmt.Errorf("failed to check allocation formula: %w", err)
	}
	if r.NegativeQuantities, err = s.store.FindNegativeAllocations(ctx, integrityScanLimit); err != nil {
		return nil, fmt.Errorf("failed to check allocation quantities: %w", err)
	}
	if r.ListingLockDrift, err = s.store.FindListingLockDrift(ctx, integrityScanLimit); err != nil {
		return nil, fmt.Errorf("failed to check listing locks: %w", err)
	}
	if r.DanglingListings, err = s.store.FindDanglingListings(ctx, integrityScanLimit); err != nil {
		return nil, fmt.Errorf("failed to check listing allocations: %w", err)
	}
	if r.OrphanEscrows, err = s.store.FindOrphanEscrows(ctx, integrityScanLimit); err != nil {
		return nil, fmt.Errorf("failed to check escrows: %w", err)
	}
	if r.PaidOrdersUnheld, err = s.store.FindPaidOrdersWithoutHold(ctx, integrityScanLimit); err != nil {
		return nil, fmt.Errorf("failed to check paid orders: %w", err)
	}

	r.TotalIssues = len(r.FormulaViolations) + len(r.NegativeQuantities) + len(r.ListingLockDrift) +
		len(r.DanglingListings) + len(r.OrphanEscrows) + len(r.PaidOrdersUnheld)
	r.Status = integrityStatus(r.TotalIssues)
	util.IntegrityIssues.Set(float64(r.TotalIssues))

	if r.TotalIssues > 0 {
		s.logger.Warn("Integrity audit found issues",
			zap.String("status", r.Status),
			zap.Int("total", r.TotalIssues))
	}
	return r, nil
}

func integrityStatus(issues int) string {
	switch {
	case issues == 0:
		return IntegrityHealthy
	case issues <= 10:
		return IntegrityDegraded
	default:
		return IntegrityCritical
	}
}
