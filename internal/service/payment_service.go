package service

import (
	"context"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/payment"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentService applies verified payment callbacks to orders exactly once.
type PaymentService struct {
	store  *store.Store
	orders *OrderService
	emit   emitter
	logger *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(st *store.Store, orders *OrderService, collab Collaborators) *PaymentService {
	logger := util.GetLogger()
	return &PaymentService{
		store:  st,
		orders: orders,
		emit:   emitter{collab: collab, logger: logger},
		logger: logger,
	}
}

// PaymentResult reports what a callback did.
type PaymentResult struct {
	Order     *models.Order `json:"order,omitempty"`
	Duplicate bool          `json:"duplicate"`
}

// Process records the callback's event ID and applies it in the same
// transaction, so a redelivered event is acknowledged without effect.
// Callers must verify the callback signature first.
func (ps *PaymentService) Process(ctx context.Context, cb *payment.Callback) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Process")
	defer span.End()

	if cb.EventID == "" || cb.OrderID == "" {
		return nil, fmt.Errorf("%w: callback needs an event and order id", models.ErrValidation)
	}

	result := &PaymentResult{}
	ob := &outbox{}
	err := ps.store.WithTx(ctx, func(ctx context.Context) error {
		first, err := ps.store.MarkEventProcessed(ctx, cb.EventID, cb.Provider, ps.orders.clock.Now())
		if err != nil {
			return err
		}
		if !first {
			result.Duplicate = true
			return nil
		}
		if cb.Success {
			result.Order, err = ps.orders.applyPaymentSuccess(ctx, cb, ob)
		} else {
			result.Order, err = ps.orders.applyPaymentFailure(ctx, cb, ob)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		ps.logger.Info("Duplicate payment callback ignored",
			zap.String("event_id", cb.EventID),
			zap.String("order_id", cb.OrderID))
		return result, nil
	}
	ps.emit.flush(ctx, ob)
	return result, nil
}

// HandlePaymentSuccess marks an order PAID and opens its escrow.
func (s *OrderService) HandlePaymentSuccess(ctx context.Context, cb *payment.Callback) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.HandlePaymentSuccess")
	defer span.End()

	var order *models.Order
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.applyPaymentSuccess(ctx, cb, ob)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit.flush(ctx, ob)
	return order, nil
}

// HandlePaymentFailure records a failed payment attempt without changing
// order state.
func (s *OrderService) HandlePaymentFailure(ctx context.Context, cb *payment.Callback) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.HandlePaymentFailure")
	defer span.End()

	var order *models.Order
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.applyPaymentFailure(ctx, cb, ob)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit.flush(ctx, ob)
	return order, nil
}

func (s *OrderService) applyPaymentSuccess(ctx context.Context, cb *payment.Callback, ob *outbox) (*models.Order, error) {
	now := s.clock.Now()
	order, err := loadOrder(ctx, s.store, cb.OrderID)
	if err != nil {
		return nil, err
	}

	if order.Status != models.OrderStatusCreated {
		prior, err := s.store.GetPaymentByOrder(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get payment: %w", err)
		}
		if prior != nil && prior.Status == models.PaymentStatusSuccess {
			if prior.TransactionRef == cb.TransactionRef {
				return order, nil
			}
			return nil, fmt.Errorf("%w: order %s paid by %s", models.ErrAlreadyPaid, order.ID, prior.TransactionRef)
		}
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.OrderStatusPaid)
	}

	if cb.Amount != nil && !cb.Amount.Equal(order.TotalAmount) {
		return nil, fmt.Errorf("%w: paid %s, total %s", models.ErrPaymentAmountMismatch, cb.Amount, order.TotalAmount)
	}

	p := &models.Payment{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		TransactionRef: cb.TransactionRef,
		Method:         cb.Method,
		Amount:         order.TotalAmount,
		Status:         models.PaymentStatusSuccess,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.UpsertPayment(ctx, p); err != nil {
		return nil, err
	}

	if err := applyTransition(ctx, s.store, order, transition{
		to:       models.OrderStatusPaid,
		reason:   "payment captured",
		actorID:  "payment:" + cb.Provider,
		metadata: models.Metadata{"transaction_ref": cb.TransactionRef, "method": cb.Method},
	}, now, ob); err != nil {
		return nil, err
	}
	if _, err := s.escrow.hold(ctx, order, "payment:"+cb.Provider, now, ob); err != nil {
		return nil, err
	}

	ob.event(models.NewDomainEvent(models.EventTypeOrderPaid, order.ID, order.ID, order.CustomerID, now).
		WithAmount(order.TotalAmount))
	util.OrdersPaidTotal.Inc()
	s.logger.Info("Order paid",
		zap.String("order_id", order.ID),
		zap.String("transaction_ref", cb.TransactionRef))
	return order, nil
}

func (s *OrderService) applyPaymentFailure(ctx context.Context, cb *payment.Callback, ob *outbox) (*models.Order, error) {
	now := s.clock.Now()
	order, err := loadOrder(ctx, s.store, cb.OrderID)
	if err != nil {
		return nil, err
	}

	util.PaymentFailedTotal.Inc()
	if order.Status != models.OrderStatusCreated {
		s.logger.Warn("Payment failure for an order past CREATED ignored",
			zap.String("order_id", order.ID),
			zap.String("status", order.Status))
		return order, nil
	}

	amount := order.TotalAmount
	if cb.Amount != nil {
		amount = *cb.Amount
	}
	p := &models.Payment{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		TransactionRef: cb.TransactionRef,
		Method:         cb.Method,
		Amount:         amount,
		Status:         models.PaymentStatusFailed,
		FailureReason:  models.StringPtr(cb.FailureReason),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.UpsertPayment(ctx, p); err != nil {
		return nil, err
	}

	ob.event(models.NewDomainEvent(models.EventTypePaymentFailed, order.ID, order.ID, order.CustomerID, now).
		WithAmount(amount).WithReason(cb.FailureReason))
	ob.audit("payment.failed", "order", order.ID, "payment:"+cb.Provider, order.Status, order.Status, cb.FailureReason, now)
	return order, nil
}

// GetPayment returns the payment record of an order.
func (ps *PaymentService) GetPayment(ctx context.Context, orderID string) (*models.Payment, error) {
	p, err := ps.store.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: no payment for order %s", models.ErrOrderNotFound, orderID)
	}
	return p, nil
}
