package store

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/shopspring/decimal"
)

const escrowColumns = `id, order_id, amount, refunded_amount, status, settlement_ends_at, release_condition,
	frozen_at, released_at, refunded_at, created_at, updated_at`

// CreateEscrow inserts an escrow record.
func (s *Store) CreateEscrow(ctx context.Context, e *models.Escrow) error {
	_, err := s.exec(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, e.Amount, e.RefundedAmount, e.Status, e.SettlementEndsAt, e.ReleaseCondition,
		e.FrozenAt, e.ReleasedAt, e.RefundedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

// GetEscrowByOrder returns the escrow of an order or nil.
func (s *Store) GetEscrowByOrder(ctx context.Context, orderID string) (*models.Escrow, error) {
	var e models.Escrow
	err := s.get(ctx, &e, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = ?`, orderID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEscrowByOrderForUpdate is GetEscrowByOrder with a row lock where supported.
func (s *Store) GetEscrowByOrderForUpdate(ctx context.Context, orderID string) (*models.Escrow, error) {
	var e models.Escrow
	err := s.get(ctx, &e, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = ?`+s.forUpdate(), orderID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListDueEscrows returns HOLD or FROZEN escrows whose settlement window
// ended at or before now. HOLD escrows come first so frozen ones cannot
// crowd releasable ones out of a batch.
func (s *Store) ListDueEscrows(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	var out []models.Escrow
	err := s.list(ctx, &out, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN (?, ?) AND settlement_ends_at IS NOT NULL AND settlement_ends_at <= ?
		ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, settlement_ends_at
		LIMIT ?`,
		models.EscrowStatusHold, models.EscrowStatusFrozen, now, models.EscrowStatusHold, limit)
	return out, err
}

// TransitionEscrow moves an escrow between statuses if it is still in from.
// The timestamp column matching the target status is stamped with at.
func (s *Store) TransitionEscrow(ctx context.Context, id, from, to string, condition *string, at time.Time) (bool, error) {
	var stampCol string
	switch to {
	case models.EscrowStatusFrozen:
		stampCol = "frozen_at"
	case models.EscrowStatusReleased:
		stampCol = "released_at"
	case models.EscrowStatusRefunded:
		stampCol = "refunded_at"
	default:
		stampCol = "updated_at"
	}
	ok, err := s.execGuarded(ctx, `
		UPDATE escrows
		SET status = ?, release_condition = COALESCE(?, release_condition), `+stampCol+` = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, condition, at, at, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition escrow: %w", err)
	}
	return ok, nil
}

// RefundEscrow moves an escrow from from to REFUNDED and writes its new
// refunded total in the same guarded update.
func (s *Store) RefundEscrow(ctx context.Context, id, from, condition string, refunded decimal.Decimal, at time.Time) (bool, error) {
	ok, err := s.execGuarded(ctx, `
		UPDATE escrows
		SET status = ?, release_condition = ?, refunded_amount = ?, refunded_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.EscrowStatusRefunded, condition, refunded, at, at, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to refund escrow: %w", err)
	}
	return ok, nil
}

// ReduceEscrowAmount writes the held and refunded amounts after a partial
// refund, provided the escrow is still in HOLD.
func (s *Store) ReduceEscrowAmount(ctx context.Context, id string, held, refunded decimal.Decimal, at time.Time) (bool, error) {
	ok, err := s.execGuarded(ctx, `
		UPDATE escrows
		SET amount = ?, refunded_amount = ?, refunded_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		held, refunded, at, at, id, models.EscrowStatusHold)
	if err != nil {
		return false, fmt.Errorf("failed to reduce escrow: %w", err)
	}
	return ok, nil
}

// SetSettlementWindow sets when the escrow of an order becomes releasable.
func (s *Store) SetSettlementWindow(ctx context.Context, orderID string, endsAt, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE escrows SET settlement_ends_at = ?, updated_at = ? WHERE order_id = ?`,
		endsAt, at, orderID)
	if err != nil {
		return fmt.Errorf("failed to set settlement window: %w", err)
	}
	return nil
}

// CreateSettlement writes the immutable ledger entry of a release.
func (s *Store) CreateSettlement(ctx context.Context, st *models.Settlement) error {
	_, err := s.exec(ctx, `
		INSERT INTO settlements (id, escrow_id, order_id, total, manufacturer_share, seller_share,
			platform_share, tax_withheld, release_condition, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.EscrowID, st.OrderID, st.Total, st.ManufacturerShare, st.SellerShare,
		st.PlatformShare, st.TaxWithheld, st.Condition, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

// GetSettlementByOrder returns the ledger entry for an order or nil.
func (s *Store) GetSettlementByOrder(ctx context.Context, orderID string) (*models.Settlement, error) {
	var st models.Settlement
	err := s.get(ctx, &st, `
		SELECT id, escrow_id, order_id, total, manufacturer_share, seller_share, platform_share,
			tax_withheld, release_condition, created_at
		FROM settlements WHERE order_id = ?`, orderID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
