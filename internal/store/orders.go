package store

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/models"
)

const orderColumns = `id, customer_id, seller_id, subtotal, tax_rate, tax_amount, commission_rate,
	commission_amount, seller_payout, total_amount, status, idempotency_key, created_at, updated_at`

const orderItemColumns = `id, order_id, line_no, product_id, listing_id, allocation_id, quantity, unit_price,
	base_cost, line_total`

const timelineColumns = `id, order_id, from_status, to_status, reason, actor_id, metadata, created_at`

// CreateOrder inserts an order and its items.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.SellerID, order.Subtotal, order.TaxRate, order.TaxAmount,
		order.CommissionRate, order.CommissionAmount, order.SellerPayout, order.TotalAmount,
		order.Status, order.IdempotencyKey, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err := s.exec(ctx, `
			INSERT INTO order_items (`+orderItemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, order.ID, item.LineNo, item.ProductID, item.ListingID, item.AllocationID, item.Quantity,
			item.UnitPrice, item.BaseCost, item.LineTotal)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

// GetOrder returns the order header or nil when it does not exist.
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.get(ctx, &order, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderForUpdate is GetOrder with a row lock where the driver supports it.
func (s *Store) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.get(ctx, &order, `SELECT `+orderColumns+` FROM orders WHERE id = ?`+s.forUpdate(), id)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey finds a customer's order created under key.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error) {
	var order models.Order
	err := s.get(ctx, &order,
		`SELECT `+orderColumns+` FROM orders WHERE customer_id = ? AND idempotency_key = ?`, customerID, key)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrderItems returns the lines of an order.
func (s *Store) ListOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.list(ctx, &items,
		`SELECT `+orderItemColumns+` FROM order_items WHERE order_id = ? ORDER BY line_no`, orderID)
	return items, err
}

// ListOrdersByStatus returns orders in the given status, oldest first.
func (s *Store) ListOrdersByStatus(ctx context.Context, status string, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.list(ctx, &orders,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at LIMIT ?`, status, limit)
	return orders, err
}

// UpdateOrderStatus moves an order from one status to another. It reports
// false when the stored status is no longer from.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, from, to string, at time.Time) (bool, error) {
	ok, err := s.execGuarded(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, at, orderID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	return ok, nil
}

// AppendTimeline appends an entry to an order's timeline.
func (s *Store) AppendTimeline(ctx context.Context, e *models.TimelineEntry) error {
	_, err := s.exec(ctx, `
		INSERT INTO order_timeline (order_id, from_status, to_status, reason, actor_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.OrderID, e.FromStatus, e.ToStatus, e.Reason, e.ActorID, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append timeline: %w", err)
	}
	return nil
}

// ListTimeline returns an order's timeline in insertion order.
func (s *Store) ListTimeline(ctx context.Context, orderID string) ([]models.TimelineEntry, error) {
	var entries []models.TimelineEntry
	err := s.list(ctx, &entries,
		`SELECT `+timelineColumns+` FROM order_timeline WHERE order_id = ? ORDER BY id`, orderID)
	return entries, err
}

// LatestTransitionTo returns the most recent timeline entry into status.
func (s *Store) LatestTransitionTo(ctx context.Context, orderID, status string) (*models.TimelineEntry, error) {
	var e models.TimelineEntry
	err := s.get(ctx, &e, `
		SELECT `+timelineColumns+` FROM order_timeline
		WHERE order_id = ? AND to_status = ? AND from_status <> to_status
		ORDER BY id DESC LIMIT 1`, orderID, status)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
