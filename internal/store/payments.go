package store

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/shopspring/decimal"
)

// UpsertPayment records the latest payment outcome for an order.
func (s *Store) UpsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := s.exec(ctx, `
		INSERT INTO payments (id, order_id, transaction_ref, method, amount, status, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			transaction_ref = excluded.transaction_ref,
			method = excluded.method,
			amount = excluded.amount,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at`,
		p.ID, p.OrderID, p.TransactionRef, p.Method, p.Amount, p.Status, p.FailureReason, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert payment: %w", err)
	}
	return nil
}

// GetPaymentByOrder returns the payment record of an order or nil.
func (s *Store) GetPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	var p models.Payment
	err := s.get(ctx, &p, `
		SELECT id, order_id, transaction_ref, method, amount, status, failure_reason, created_at, updated_at
		FROM payments WHERE order_id = ?`, orderID)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkEventProcessed records an inbound event ID. It reports false when the
// event was already recorded.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, source string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO processed_events (event_id, source, processed_at) VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, source, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ActiveTaxRate returns the active tax rate, or ok=false when none is configured.
func (s *Store) ActiveTaxRate(ctx context.Context) (rate decimal.Decimal, ok bool, err error) {
	err = s.get(ctx, &rate,
		`SELECT rate FROM tax_rates WHERE active = ? ORDER BY created_at DESC LIMIT 1`, true)
	if notFound(err) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return rate, true, nil
}

// SetTaxRate adds a tax rate and makes it the only active one.
func (s *Store) SetTaxRate(ctx context.Context, id, name string, rate decimal.Decimal, at time.Time) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.exec(ctx, `UPDATE tax_rates SET active = ?`, false); err != nil {
			return err
		}
		_, err := s.exec(ctx,
			`INSERT INTO tax_rates (id, name, rate, active, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, name, rate, true, at)
		return err
	})
}
