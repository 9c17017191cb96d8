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

// OrderConfig carries order pricing and caching settings.
type OrderConfig struct {
	DefaultTaxRate   decimal.Decimal
	SettlementWindow time.Duration
	IdempotencyTTL   time.Duration
}

// OrderService owns the order state machine.
type OrderService struct {
	store  *store.Store
	ledger *AllocationLedger
	escrow *EscrowService
	clock  clock.Clock
	cfg    OrderConfig
	cache  IdempotencyCache
	emit   emitter
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	st *store.Store,
	ledger *AllocationLedger,
	escrow *EscrowService,
	clk clock.Clock,
	cfg OrderConfig,
	collab Collaborators,
) *OrderService {
	if cfg.SettlementWindow <= 0 {
		cfg.SettlementWindow = 7 * 24 * time.Hour
	}
	logger := util.GetLogger()
	return &OrderService{
		store:  st,
		ledger: ledger,
		escrow: escrow,
		clock:  clk,
		cfg:    cfg,
		cache:  collab.Cache,
		emit:   emitter{collab: collab, logger: logger},
		logger: logger,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID     string             `json:"customer_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order. Prices are never taken
// from the client.
type OrderItemRequest struct {
	ListingID string `json:"listing_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse is the created order, or the earlier order when the
// idempotency key was already used.
type CreateOrderResponse struct {
	Order    *models.Order `json:"order"`
	Replayed bool          `json:"replayed"`
}

var errIdempotencyRace = errors.New("idempotency key claimed concurrently")

// CreateOrder reserves stock for every line and creates the order in one
// transaction. Any failing line rolls back every reservation.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer is required", models.ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", models.ErrValidation)
	}
	for _, it := range req.Items {
		if it.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, req.CustomerID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID))
			return &CreateOrderResponse{Order: existing, Replayed: true}, nil
		}
	}

	var order *models.Order
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.placeOrder(ctx, req, ob)
		return err
	})
	if errors.Is(err, errIdempotencyRace) {
		winner, lerr := s.store.GetOrderByIdempotencyKey(ctx, req.CustomerID, req.IdempotencyKey)
		if lerr != nil {
			return nil, fmt.Errorf("failed to load order for idempotency key: %w", lerr)
		}
		if winner != nil {
			return &CreateOrderResponse{Order: s.withDetails(ctx, winner), Replayed: true}, nil
		}
	}
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" && s.cache != nil {
		if err := s.cache.Remember(ctx, req.CustomerID, req.IdempotencyKey, order.ID, s.cfg.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to cache idempotency key", zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	s.emit.flush(ctx, ob)
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.String("total", order.TotalAmount.String()))
	return &CreateOrderResponse{Order: order}, nil
}

func (s *OrderService) placeOrder(ctx context.Context, req *CreateOrderRequest, ob *outbox) (*models.Order, error) {
	now := s.clock.Now()
	order := &models.Order{
		ID:             uuid.New().String(),
		CustomerID:     req.CustomerID,
		Status:         models.OrderStatusCreated,
		IdempotencyKey: models.StringPtr(req.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	subtotal := decimal.Zero
	for i, it := range req.Items {
		listing, err := s.store.GetListing(ctx, it.ListingID)
		if err != nil {
			return nil, fmt.Errorf("failed to get listing: %w", err)
		}
		if listing == nil {
			return nil, fmt.Errorf("%w: %s", models.ErrListingNotFound, it.ListingID)
		}
		if !listing.Listed {
			return nil, fmt.Errorf("%w: %s", models.ErrListingUnavailable, listing.ID)
		}
		if order.SellerID == "" {
			order.SellerID = listing.SellerID
		} else if order.SellerID != listing.SellerID {
			return nil, fmt.Errorf("%w: items from more than one seller", models.ErrValidation)
		}

		if listing.AllocationID != nil {
			if _, err := s.ledger.Reserve(ctx, *listing.AllocationID, it.Quantity); err != nil {
				return nil, err
			}
		}
		ok, err := s.store.LockListingUnits(ctx, listing.ID, it.Quantity, now)
		if err != nil {
			return nil, fmt.Errorf("failed to lock listing units: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: listing %s has %d available, need %d",
				models.ErrInsufficientStock, listing.ID, listing.Available(), it.Quantity)
		}

		lineTotal := listing.RetailPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
		subtotal = subtotal.Add(lineTotal)
		order.Items = append(order.Items, models.OrderItem{
			ID:           uuid.New().String(),
			OrderID:      order.ID,
			LineNo:       i + 1,
			ProductID:    listing.ProductID,
			ListingID:    listing.ID,
			AllocationID: listing.AllocationID,
			Quantity:     it.Quantity,
			UnitPrice:    listing.RetailPrice,
			BaseCost:     listing.BaseCost,
			LineTotal:    lineTotal,
		})
	}

	rate, err := s.taxRate(ctx)
	if err != nil {
		return nil, err
	}
	applyPricing(order, subtotal, rate)

	if err := s.store.CreateOrder(ctx, order); err != nil {
		if store.IsUniqueViolation(err) && req.IdempotencyKey != "" {
			return nil, errIdempotencyRace
		}
		return nil, err
	}
	if err := appendNote(ctx, s.store, order, "order placed", req.CustomerID, nil, now); err != nil {
		return nil, err
	}

	ob.event(models.NewDomainEvent(models.EventTypeOrderPlaced, order.ID, order.ID, req.CustomerID, now).
		WithAmount(order.TotalAmount))
	ob.audit("order.create", "order", order.ID, req.CustomerID, "", order.Status, "", now)
	return order, nil
}

// applyPricing fills the server-side totals of an order.
func applyPricing(order *models.Order, subtotal, taxRate decimal.Decimal) {
	order.Subtotal = subtotal.Round(2)
	order.TaxRate = taxRate
	order.TaxAmount = order.Subtotal.Mul(taxRate).Round(2)
	order.CommissionRate = models.PlatformCommissionRate
	order.CommissionAmount = order.Subtotal.Mul(models.PlatformCommissionRate).Round(2)
	order.SellerPayout = order.Subtotal.Sub(order.CommissionAmount)
	order.TotalAmount = order.Subtotal.Add(order.TaxAmount)
}

func (s *OrderService) taxRate(ctx context.Context) (decimal.Decimal, error) {
	rate, ok, err := s.store.ActiveTaxRate(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read tax rate: %w", err)
	}
	if !ok {
		return s.cfg.DefaultTaxRate, nil
	}
	return rate, nil
}

func (s *OrderService) findByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Order, error) {
	if s.cache != nil {
		orderID, ok, err := s.cache.Lookup(ctx, customerID, key)
		if err != nil {
			s.logger.Warn("Idempotency cache lookup failed", zap.Error(err))
		}
		if ok {
			order, err := s.store.GetOrder(ctx, orderID)
			if err != nil {
				return nil, fmt.Errorf("failed to get order: %w", err)
			}
			if order != nil && order.CustomerID == customerID {
				return s.withDetails(ctx, order), nil
			}
		}
	}
	order, err := s.store.GetOrderByIdempotencyKey(ctx, customerID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if order == nil {
		return nil, nil
	}
	return s.withDetails(ctx, order), nil
}

// withDetails attaches items and timeline, logging rather than failing on
// read errors since the header is already authoritative.
func (s *OrderService) withDetails(ctx context.Context, order *models.Order) *models.Order {
	items, err := s.store.ListOrderItems(ctx, order.ID)
	if err != nil {
		s.logger.Warn("Failed to load order items", zap.String("order_id", order.ID), zap.Error(err))
	}
	timeline, err := s.store.ListTimeline(ctx, order.ID)
	if err != nil {
		s.logger.Warn("Failed to load order timeline", zap.String("order_id", order.ID), zap.Error(err))
	}
	order.Items = items
	order.Timeline = timeline
	return order
}

// GetOrder returns an order with its items and timeline.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	items, err := s.store.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	timeline, err := s.store.ListTimeline(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order timeline: %w", err)
	}
	order.Items = items
	order.Timeline = timeline
	return order, nil
}

// StatusUpdate is a requested order transition.
type StatusUpdate struct {
	Status         string          `json:"status" binding:"required"`
	ActorID        string          `json:"-"`
	Reason         string          `json:"reason,omitempty"`
	Carrier        string          `json:"carrier,omitempty"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	Metadata       models.Metadata `json:"metadata,omitempty"`
}

// UpdateStatus validates a requested transition against the state table and
// dispatches it to the operation that owns its side effects.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, upd *StatusUpdate) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	current, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderID)
	}
	if !models.CanTransition(current.Status, upd.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current.Status, upd.Status)
	}

	switch upd.Status {
	case models.OrderStatusConfirmed:
		return s.ConfirmOrder(ctx, orderID, upd.ActorID)
	case models.OrderStatusShipped:
		return s.ShipOrder(ctx, orderID, upd.ActorID, upd.Carrier, upd.TrackingNumber)
	case models.OrderStatusDelivered:
		return s.MarkDelivered(ctx, orderID, upd.ActorID, upd.Metadata)
	case models.OrderStatusDeliveryConfirmed:
		return s.ConfirmDelivery(ctx, orderID, upd.ActorID)
	case models.OrderStatusCancelled:
		return s.CancelOrder(ctx, orderID, upd.ActorID, upd.Reason)
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrTransitionRequiresFlow, upd.Status)
	}
}

// ConfirmOrder accepts a paid order and converts its listing locks into
// stock deductions.
func (s *OrderService) ConfirmOrder(ctx context.Context, orderID, actorID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmOrder")
	defer span.End()

	return s.mutate(ctx, orderID, func(ctx context.Context, order *models.Order, now time.Time, ob *outbox) error {
		if order.Status == models.OrderStatusPaid {
			if err := s.commitUnits(ctx, order.ID, now); err != nil {
				return err
			}
		}
		if err := applyTransition(ctx, s.store, order, transition{
			to: models.OrderStatusConfirmed, reason: "seller confirmed", actorID: actorID,
		}, now, ob); err != nil {
			return err
		}
		ob.event(models.NewDomainEvent(models.EventTypeOrderConfirmed, order.ID, order.ID, actorID, now))
		return nil
	})
}

// ShipOrder records dispatch of a confirmed order.
func (s *OrderService) ShipOrder(ctx context.Context, orderID, actorID, carrier, trackingNumber string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ShipOrder")
	defer span.End()

	return s.mutate(ctx, orderID, func(ctx context.Context, order *models.Order, now time.Time, ob *outbox) error {
		meta := models.Metadata{}
		if carrier != "" {
			meta["carrier"] = carrier
		}
		if trackingNumber != "" {
			meta["tracking_number"] = trackingNumber
		}
		if err := applyTransition(ctx, s.store, order, transition{
			to: models.OrderStatusShipped, reason: "shipped", actorID: actorID, metadata: meta,
		}, now, ob); err != nil {
			return err
		}
		ob.event(models.NewDomainEvent(models.EventTypeOrderShipped, order.ID, order.ID, actorID, now))
		return nil
	})
}

// AddTrackingUpdate appends a carrier update to a shipped order's timeline.
func (s *OrderService) AddTrackingUpdate(ctx context.Context, orderID, actorID, carrier, trackingNumber, note string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.AddTrackingUpdate")
	defer span.End()

	return s.mutate(ctx, orderID, func(ctx context.Context, order *models.Order, now time.Time, ob *outbox) error {
		if order.Status != models.OrderStatusShipped {
			return fmt.Errorf("%w: tracking updates need a SHIPPED order, got %s", models.ErrInvalidTransition, order.Status)
		}
		reason := note
		if reason == "" {
			reason = "tracking update"
		}
		return appendNote(ctx, s.store, order, reason, actorID, models.Metadata{
			"carrier":         carrier,
			"tracking_number": trackingNumber,
		}, now)
	})
}

// MarkDelivered records delivery and starts the settlement window.
func (s *OrderService) MarkDelivered(ctx context.Context, orderID, actorID string, meta models.Metadata) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.MarkDelivered")
	defer span.End()

	return s.mutate(ctx, orderID, func(ctx context.Context, order *models.Order, now time.Time, ob *outbox) error {
		if order.Status == models.OrderStatusDisputed {
			return fmt.Errorf("%w: disputed orders return to DELIVERED through resolution", models.ErrTransitionRequiresFlow)
		}
		if err := applyTransition(ctx, s.store, order, transition{
			to: models.OrderStatusDelivered, reason: "delivered", actorID: actorID, metadata: meta,
		}, now, ob); err != nil {
			return err
		}
		if err := s.store.SetSettlementWindow(ctx, order.ID, now.Add(s.cfg.SettlementWindow), now); err != nil {
			return err
		}
		ob.event(models.NewDomainEvent(models.EventTypeOrderDelivered, order.ID, order.ID, actorID, now))
		return nil
	})
}

// ConfirmDelivery records the customer's acknowledgement of delivery. It
// does not shorten the settlement window.
func (s *OrderService) ConfirmDelivery(ctx context.Context, orderID, actorID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmDelivery")
	defer span.End()

	return s.mutate(ctx, orderID, func(ctx context.Context, order *models.Order, now time.Time, ob *outbox) error {
		if err := applyTransition(ctx, s.store, order, transition{
			to: models.OrderStatusDeliveryConfirmed, reason: "customer confirmed delivery", actorID: actorID,
		}, now, ob); err != nil {
			return err
		}
		ob.event(models.NewDomainEvent(models.EventTypeOrderDeliveryConfirmed, order.ID, order.ID, actorID, now))
		return nil
	})
}

// CancelOrder cancels a pre-shipment order. Allocation and listing units
// are returned and a HOLD escrow is refunded in the same transaction.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, actorID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := s.mutate(ctx, orderID, func(ctx context.Context, order *models.Order, now time.Time, ob *outbox) error {
		if order.Status == models.OrderStatusDisputed {
			return fmt.Errorf("%w: order %s is cancelled only through dispute resolution", models.ErrActiveDispute, order.ID)
		}
		if !models.CanTransition(order.Status, models.OrderStatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.OrderStatusCancelled)
		}

		if err := s.reverseUnits(ctx, order.ID, order.Status, now); err != nil {
			return err
		}

		e, err := s.store.GetEscrowByOrderForUpdate(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to get escrow: %w", err)
		}
		if e != nil && e.Status == models.EscrowStatusHold {
			if err := s.escrow.refund(ctx, e, models.ReleaseConditionCancelled, actorID, reason, now, ob); err != nil {
				return err
			}
		}

		if err := applyTransition(ctx, s.store, order, transition{
			to: models.OrderStatusCancelled, reason: reason, actorID: actorID,
		}, now, ob); err != nil {
			return err
		}
		ob.event(models.NewDomainEvent(models.EventTypeOrderCancelled, order.ID, order.ID, actorID, now).
			WithReason(reason))
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.OrdersCancelledTotal.Inc()
	return order, nil
}

// mutate runs fn on a row-locked order inside a transaction and emits the
// collected side effects after commit.
func (s *OrderService) mutate(ctx context.Context, orderID string, fn func(ctx context.Context, order *models.Order, now time.Time, ob *outbox) error) (*models.Order, error) {
	var order *models.Order
	ob := &outbox{}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = loadOrder(ctx, s.store, orderID)
		if err != nil {
			return err
		}
		return fn(ctx, order, s.clock.Now(), ob)
	})
	if err != nil {
		return nil, err
	}
	s.emit.flush(ctx, ob)
	return order, nil
}

// commitUnits turns the listing locks of an order into stock deductions.
func (s *OrderService) commitUnits(ctx context.Context, orderID string, now time.Time) error {
	items, err := s.store.ListOrderItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to list order items: %w", err)
	}
	for _, it := range items {
		ok, err := s.store.CommitListingUnits(ctx, it.ListingID, it.Quantity, now)
		if err != nil {
			return fmt.Errorf("failed to commit listing units: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: listing %s holds fewer than %d locked units", models.ErrConsistencyViolation, it.ListingID, it.Quantity)
		}
	}
	return nil
}

// reverseUnits undoes the stock effects of an order that never shipped.
// heldStatus is the status whose stock effects are being reversed: CREATED
// and PAID orders hold listing locks, CONFIRMED orders have deducted stock.
func (s *OrderService) reverseUnits(ctx context.Context, orderID, heldStatus string, now time.Time) error {
	items, err := s.store.ListOrderItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to list order items: %w", err)
	}
	for _, it := range items {
		if it.AllocationID != nil {
			if _, err := s.ledger.Restore(ctx, *it.AllocationID, it.Quantity); err != nil {
				return err
			}
		}

		var ok bool
		switch heldStatus {
		case models.OrderStatusCreated, models.OrderStatusPaid:
			ok, err = s.store.ReleaseListingUnits(ctx, it.ListingID, it.Quantity, now)
		case models.OrderStatusConfirmed:
			ok, err = s.store.RestockListingUnits(ctx, it.ListingID, it.Quantity, now)
		default:
			return fmt.Errorf("%w: units of a %s order cannot be reversed", models.ErrConsistencyViolation, heldStatus)
		}
		if err != nil {
			return fmt.Errorf("failed to return listing units: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: listing %s could not take back %d units", models.ErrConsistencyViolation, it.ListingID, it.Quantity)
		}
	}
	return nil
}

func failureReason(err error) string {
	var de *models.DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}
