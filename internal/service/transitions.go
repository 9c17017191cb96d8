package service

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
)

// transition describes one order status change and its timeline entry.
type transition struct {
	to       string
	reason   string
	actorID  string
	metadata models.Metadata
}

// applyTransition validates order.Status -> t.to against the state table,
// applies it with a guarded update and appends the timeline entry. order is
// updated in place. It must run inside a transaction.
func applyTransition(ctx context.Context, st *store.Store, order *models.Order, t transition, at time.Time, ob *outbox) error {
	from := order.Status
	if !models.CanTransition(from, t.to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, t.to)
	}

	ok, err := st.UpdateOrderStatus(ctx, order.ID, from, t.to, at)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: order %s is no longer %s", models.ErrConcurrentModification, order.ID, from)
	}

	entry := &models.TimelineEntry{
		OrderID:    order.ID,
		FromStatus: from,
		ToStatus:   t.to,
		Reason:     t.reason,
		ActorID:    t.actorID,
		Metadata:   t.metadata,
		CreatedAt:  at,
	}
	if err := st.AppendTimeline(ctx, entry); err != nil {
		return fmt.Errorf("failed to append timeline: %w", err)
	}

	order.Status = t.to
	order.UpdatedAt = at
	util.OrderTransitionsTotal.WithLabelValues(t.to).Inc()
	ob.audit("order.transition", "order", order.ID, t.actorID, from, t.to, t.reason, at)
	return nil
}

// appendNote records a timeline entry that does not change status.
func appendNote(ctx context.Context, st *store.Store, order *models.Order, reason, actorID string, meta models.Metadata, at time.Time) error {
	entry := &models.TimelineEntry{
		OrderID:    order.ID,
		FromStatus: order.Status,
		ToStatus:   order.Status,
		Reason:     reason,
		ActorID:    actorID,
		Metadata:   meta,
		CreatedAt:  at,
	}
	if err := st.AppendTimeline(ctx, entry); err != nil {
		return fmt.Errorf("failed to append timeline: %w", err)
	}
	return nil
}

func loadOrder(ctx context.Context, st *store.Store, orderID string) (*models.Order, error) {
	order, err := st.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	return order, nil
}
