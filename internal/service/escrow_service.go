package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/clock"
	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	sweepLockKey = "settlement:sweep"
	sweepActor   = "system:sweep"
)

// EscrowConfig tunes settlement timing and the sweep.
type EscrowConfig struct {
	SettlementWindow time.Duration
	SweepBatchSize   int
	SweepLockTTL     time.Duration
}

// EscrowService holds customer funds per order and releases them after the
// settlement window.
type EscrowService struct {
	store  *store.Store
	clock  clock.Clock
	cfg    EscrowConfig
	locker Locker
	emit   emitter
	logger *zap.Logger
}

// NewEscrowService creates an escrow service.
func NewEscrowService(st *store.Store, clk clock.Clock, cfg EscrowConfig, collab Collaborators) *EscrowService {
	if cfg.SettlementWindow <= 0 {
		cfg.SettlementWindow = 7 * 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.SweepLockTTL <= 0 {
		cfg.SweepLockTTL = 5 * time.Minute
	}
	logger := util.GetLogger()
	return &EscrowService{
		store:  st,
		clock:  clk,
		cfg:    cfg,
		locker: collab.Locker,
		emit:   emitter{collab: collab, logger: logger},
		logger: logger,
	}
}

// GetEscrow returns the escrow of an order.
func (s *EscrowService) GetEscrow(ctx context.Context, orderID string) (*models.Escrow, error) {
	e, err := s.store.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: order %s", models.ErrEscrowNotFound, orderID)
	}
	return e, nil
}

// GetSettlement returns the ledger entry written when the escrow of an order was released.
func (s *EscrowService) GetSettlement(ctx context.Context, orderID string) (*models.Settlement, error) {
	st, err := s.store.GetSettlementByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: no settlement for order %s", models.ErrEscrowNotFound, orderID)
	}
	return st, nil
}

// hold opens a HOLD escrow for the order total.
func (s *EscrowService) hold(ctx context.Context, order *models.Order, actorID string, at time.Time, ob *outbox) (*models.Escrow, error) {
	existing, err := s.store.GetEscrowByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: order %s already has escrow in %s", models.ErrConsistencyViolation, order.ID, existing.Status)
	}

	e := &models.Escrow{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		Amount:         order.TotalAmount,
		RefundedAmount: decimal.Zero,
		Status:         models.EscrowStatusHold,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := s.store.CreateEscrow(ctx, e); err != nil {
		return nil, err
	}
	ob.audit("escrow.hold", "escrow", e.ID, actorID, "", e.Status, "", at)
	return e, nil
}

// freeze moves a HOLD escrow to FROZEN. Only dispute handling calls it.
func (s *EscrowService) freeze(ctx context.Context, orderID, actorID, reason string, at time.Time, ob *outbox) (*models.Escrow, error) {
	e, err := s.lockEscrow(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EscrowStatusHold {
		return nil, fmt.Errorf("%w: escrow of order %s is %s", models.ErrEscrowNotHeld, orderID, e.Status)
	}
	if err := s.move(ctx, e, models.EscrowStatusFrozen, nil, at); err != nil {
		return nil, err
	}
	ob.audit("escrow.freeze", "escrow", e.ID, actorID, models.EscrowStatusHold, e.Status, reason, at)
	return e, nil
}

// unfreeze returns a FROZEN escrow to HOLD with a new settlement window end.
func (s *EscrowService) unfreeze(ctx context.Context, e *models.Escrow, actorID string, at time.Time, ob *outbox) error {
	if err := s.move(ctx, e, models.EscrowStatusHold, nil, at); err != nil {
		return err
	}
	endsAt := at.Add(s.cfg.SettlementWindow)
	if err := s.store.SetSettlementWindow(ctx, e.OrderID, endsAt, at); err != nil {
		return err
	}
	e.SettlementEndsAt = &endsAt
	ob.audit("escrow.unfreeze", "escrow", e.ID, actorID, models.EscrowStatusFrozen, e.Status, "", at)
	return nil
}

// refund moves a HOLD or FROZEN escrow to REFUNDED.
func (s *EscrowService) refund(ctx context.Context, e *models.Escrow, condition, actorID, reason string, at time.Time, ob *outbox) error {
	from := e.Status
	if !models.CanTransitionEscrow(from, models.EscrowStatusRefunded) {
		return fmt.Errorf("%w: escrow %s cannot move %s -> %s", models.ErrConsistencyViolation, e.ID, from, models.EscrowStatusRefunded)
	}
	amount := e.Amount
	refunded := e.RefundedAmount.Add(amount)
	ok, err := s.store.RefundEscrow(ctx, e.ID, from, condition, refunded, at)
	if err != nil {
		return err
	}
	if !ok {
		if from == models.EscrowStatusHold {
			return fmt.Errorf("%w: escrow %s changed concurrently", models.ErrEscrowNotHeld, e.ID)
		}
		return fmt.Errorf("%w: escrow %s changed concurrently", models.ErrConcurrentModification, e.ID)
	}
	e.Status, e.ReleaseCondition, e.RefundedAmount = models.EscrowStatusRefunded, &condition, refunded
	e.RefundedAt, e.UpdatedAt = &at, at
	ob.event(models.NewDomainEvent(models.EventTypeEscrowRefunded, e.ID, e.OrderID, actorID, at).
		WithAmount(amount).WithReason(reason))
	ob.audit("escrow.refund", "escrow", e.ID, actorID, from, e.Status, reason, at)
	util.EscrowRefundedTotal.WithLabelValues("full").Inc()
	return nil
}

// move applies a guarded escrow status change and updates e in place.
func (s *EscrowService) move(ctx context.Context, e *models.Escrow, to string, condition *string, at time.Time) error {
	if !models.CanTransitionEscrow(e.Status, to) {
		return fmt.Errorf("%w: escrow %s cannot move %s -> %s", models.ErrConsistencyViolation, e.ID, e.Status, to)
	}
	ok, err := s.store.TransitionEscrow(ctx, e.ID, e.Status, to, condition, at)
	if err != nil {
		return err
	}
	if !ok {
		if e.Status == models.EscrowStatusHold {
			return fmt.Errorf("%w: escrow %s changed concurrently", models.ErrEscrowNotHeld, e.ID)
		}
		return fmt.Errorf("%w: escrow %s changed concurrently", models.ErrConcurrentModification, e.ID)
	}
	e.Status = to
	e.UpdatedAt = at
	if condition != nil {
		e.ReleaseCondition = condition
	}
	return nil
}

func (s *EscrowService) lockEscrow(ctx context.Context, orderID string) (*models.Escrow, error) {
	e, err := s.store.GetEscrowByOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: order %s", models.ErrEscrowNotFound, orderID)
	}
	return e, nil
}

// ReleaseFunds pays out the escrow of a delivered order once the settlement
// window has elapsed.
func (s *EscrowService) ReleaseFunds(ctx context.Context, orderID, actorID string) (*models.Settlement, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.ReleaseFunds")
	defer span.End()

	var settlement *models.Settlement
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		settlement, err = s.release(ctx, orderID, actorID, models.ReleaseConditionSettlementWindow, false, ob)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit.flush(ctx, ob)
	return settlement, nil
}

// release checks the release preconditions in order and, when they hold,
// writes the split and settles the order. bypassWindow skips only the
// settlement window check.
func (s *EscrowService) release(ctx context.Context, orderID, actorID, condition string, bypassWindow bool, ob *outbox) (*models.Settlement, error) {
	now := s.clock.Now()

	e, err := s.lockEscrow(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EscrowStatusHold {
		return nil, fmt.Errorf("%w: escrow of order %s is %s", models.ErrEscrowNotHeld, orderID, e.Status)
	}

	order, err := loadOrder(ctx, s.store, orderID)
	if err != nil {
		return nil, err
	}
	if !models.IsDeliveredOrLater(order.Status) {
		return nil, fmt.Errorf("%w: order %s is %s", models.ErrSettlementOrderStatus, orderID, order.Status)
	}

	dispute, err := s.store.GetActiveDispute(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check disputes: %w", err)
	}
	if dispute != nil {
		return nil, fmt.Errorf("%w: dispute %s", models.ErrActiveDispute, dispute.ID)
	}

	if !bypassWindow {
		delivered, err := s.store.LatestTransitionTo(ctx, orderID, models.OrderStatusDelivered)
		if err != nil {
			return nil, fmt.Errorf("failed to read delivery time: %w", err)
		}
		if delivered == nil {
			return nil, fmt.Errorf("%w: order %s", models.ErrDeliveryNotRecorded, orderID)
		}
		if now.Before(delivered.CreatedAt.Add(s.cfg.SettlementWindow)) {
			return nil, fmt.Errorf("%w: order %s releasable at %s", models.ErrSettlementWindowOpen,
				orderID, delivered.CreatedAt.Add(s.cfg.SettlementWindow).Format(time.RFC3339))
		}
	}

	items, err := s.store.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	split, err := computeSplit(order, items, e.Amount)
	if err != nil {
		return nil, err
	}

	if err := s.move(ctx, e, models.EscrowStatusReleased, &condition, now); err != nil {
		return nil, err
	}

	settlement := &models.Settlement{
		ID:                uuid.New().String(),
		EscrowID:          e.ID,
		OrderID:           orderID,
		Total:             e.Amount,
		ManufacturerShare: split.manufacturer,
		SellerShare:       split.seller,
		PlatformShare:     split.platform,
		TaxWithheld:       split.tax,
		Condition:         condition,
		CreatedAt:         now,
	}
	if err := s.store.CreateSettlement(ctx, settlement); err != nil {
		return nil, err
	}

	if order.Status == models.OrderStatusDelivered {
		if err := applyTransition(ctx, s.store, order, transition{
			to:      models.OrderStatusDeliveryConfirmed,
			reason:  "delivery confirmed by settlement",
			actorID: actorID,
		}, now, ob); err != nil {
			return nil, err
		}
	}
	if err := applyTransition(ctx, s.store, order, transition{
		to:       models.OrderStatusSettled,
		reason:   "escrow released",
		actorID:  actorID,
		metadata: models.Metadata{"condition": condition, "settlement_id": settlement.ID},
	}, now, ob); err != nil {
		return nil, err
	}

	ob.event(models.NewDomainEvent(models.EventTypeEscrowReleased, e.ID, orderID, actorID, now).
		WithAmount(e.Amount).WithReason(condition))
	ob.event(models.NewDomainEvent(models.EventTypeOrderSettled, orderID, orderID, actorID, now).
		WithAmount(split.seller))
	ob.audit("escrow.release", "escrow", e.ID, actorID, models.EscrowStatusHold, e.Status, condition, now)
	util.EscrowReleasedTotal.Inc()

	s.logger.Info("Escrow released",
		zap.String("order_id", orderID),
		zap.String("condition", condition),
		zap.String("seller_share", split.seller.String()))
	return settlement, nil
}

// PartialRefund returns part of a HOLD escrow to the customer. The escrow
// stays in HOLD with the reduced amount.
func (s *EscrowService) PartialRefund(ctx context.Context, orderID string, amount decimal.Decimal, actorID, reason string) (*models.Escrow, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.PartialRefund")
	defer span.End()

	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", models.ErrValidation)
	}

	var escrow *models.Escrow
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		e, err := s.lockEscrow(ctx, orderID)
		if err != nil {
			return err
		}
		if e.Status != models.EscrowStatusHold {
			return fmt.Errorf("%w: escrow of order %s is %s", models.ErrEscrowNotHeld, orderID, e.Status)
		}
		if amount.GreaterThan(e.Amount) {
			return fmt.Errorf("%w: %s requested, %s held", models.ErrRefundExceedsHeld, amount, e.Amount)
		}
		order, err := loadOrder(ctx, s.store, orderID)
		if err != nil {
			return err
		}
		items, err := s.store.ListOrderItems(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to list order items: %w", err)
		}

		held := e.Amount.Sub(amount)
		// The remaining balance must still cover tax, commission and the
		// manufacturer share, or the escrow could never settle.
		if _, err := computeSplit(order, items, held); err != nil {
			return fmt.Errorf("%w: refund %s would leave %s, below tax, commission and manufacturer cost",
				models.ErrRefundExceedsHeld, amount, held)
		}
		refunded := e.RefundedAmount.Add(amount)
		ok, err := s.store.ReduceEscrowAmount(ctx, e.ID, held, refunded, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: escrow %s changed concurrently", models.ErrEscrowNotHeld, e.ID)
		}
		e.Amount, e.RefundedAmount, e.RefundedAt, e.UpdatedAt = held, refunded, &now, now

		if err := appendNote(ctx, s.store, order, "partial refund", actorID, models.Metadata{
			"amount": amount.String(),
			"reason": reason,
		}, now); err != nil {
			return err
		}

		ob.event(models.NewDomainEvent(models.EventTypeEscrowPartiallyRefunded, e.ID, orderID, actorID, now).
			WithAmount(amount).WithReason(reason))
		ob.audit("escrow.partial_refund", "escrow", e.ID, actorID, e.Status, e.Status, reason, now)
		escrow = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.EscrowRefundedTotal.WithLabelValues("partial").Inc()
	s.emit.flush(ctx, ob)
	return escrow, nil
}

// SweepSkip names an escrow the sweep left untouched.
type SweepSkip struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// SweepFailure names an escrow whose release failed.
type SweepFailure struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

// SweepReport describes one settlement sweep run.
type SweepReport struct {
	Scanned        int            `json:"scanned"`
	Released       []string       `json:"released"`
	Skipped        []SweepSkip    `json:"skipped"`
	Failed         []SweepFailure `json:"failed"`
	LockContention bool           `json:"lock_contention,omitempty"`
}

// SweepSettlements releases every escrow whose settlement window has ended.
// Frozen and disputed escrows are reported as skipped. Each release re-checks
// its preconditions in its own transaction, so the sweep is safe to run
// alongside manual releases and dispute handling.
func (s *EscrowService) SweepSettlements(ctx context.Context) (*SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.SweepSettlements")
	defer span.End()

	report := &SweepReport{Released: []string{}, Skipped: []SweepSkip{}, Failed: []SweepFailure{}}

	if s.locker != nil {
		token, ok, err := s.locker.Acquire(ctx, sweepLockKey, s.cfg.SweepLockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Info("Settlement sweep already running elsewhere")
			report.LockContention = true
			return report, nil
		}
		defer func() {
			if err := s.locker.Release(context.Background(), sweepLockKey, token); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	due, err := s.store.ListDueEscrows(ctx, s.clock.Now(), s.cfg.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due escrows: %w", err)
	}
	report.Scanned = len(due)

	for _, e := range due {
		if e.Status == models.EscrowStatusFrozen {
			report.Skipped = append(report.Skipped, SweepSkip{OrderID: e.OrderID, Reason: "escrow frozen"})
			util.SweepOutcomesTotal.WithLabelValues("skipped").Inc()
			continue
		}

		_, err := s.ReleaseFunds(ctx, e.OrderID, sweepActor)
		switch {
		case err == nil:
			report.Released = append(report.Released, e.OrderID)
			util.SweepOutcomesTotal.WithLabelValues("released").Inc()
		case errors.Is(err, models.ErrActiveDispute):
			report.Skipped = append(report.Skipped, SweepSkip{OrderID: e.OrderID, Reason: "active dispute"})
			util.SweepOutcomesTotal.WithLabelValues("skipped").Inc()
		case errors.Is(err, models.ErrEscrowNotHeld):
			report.Skipped = append(report.Skipped, SweepSkip{OrderID: e.OrderID, Reason: "escrow no longer held"})
			util.SweepOutcomesTotal.WithLabelValues("skipped").Inc()
		default:
			report.Failed = append(report.Failed, SweepFailure{OrderID: e.OrderID, Error: err.Error()})
			util.SweepOutcomesTotal.WithLabelValues("failed").Inc()
			s.logger.Error("Settlement release failed",
				zap.String("order_id", e.OrderID),
				zap.Error(err))
		}
	}

	s.logger.Info("Settlement sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("released", len(report.Released)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

type split struct {
	manufacturer decimal.Decimal
	seller       decimal.Decimal
	platform     decimal.Decimal
	tax          decimal.Decimal
}

// computeSplit divides held between the manufacturer (sum of line base
// costs), the platform (commission) and the seller (the rest after tax).
func computeSplit(order *models.Order, items []models.OrderItem, held decimal.Decimal) (split, error) {
	manufacturer := decimal.Zero
	for _, it := range items {
		manufacturer = manufacturer.Add(it.BaseCost.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	manufacturer = manufacturer.Round(2)

	out := split{
		manufacturer: manufacturer,
		platform:     order.CommissionAmount,
		tax:          order.TaxAmount,
	}
	out.seller = held.Sub(order.TaxAmount).Sub(order.CommissionAmount).Sub(manufacturer)
	if out.seller.IsNegative() {
		return split{}, fmt.Errorf("%w: seller share %s for order %s", models.ErrConsistencyViolation, out.seller, order.ID)
	}
	return out, nil
}
