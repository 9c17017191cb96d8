package broker

import (
	"context"
	"errors"

	"settlement-service/internal/models"
	"settlement-service/internal/payment"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes settlement domain events keyed by order.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish implements service.EventPublisher.
func (ep *EventPublisher) Publish(ctx context.Context, event *models.DomainEvent) error {
	key := event.OrderID
	if key == "" {
		key = event.EntityID
	}
	return ep.producer.PublishEvent(ctx, key, event.EventType, event)
}

// PaymentProcessor applies verified payment callbacks.
type PaymentProcessor interface {
	Process(ctx context.Context, cb *payment.Callback) (*service.PaymentResult, error)
}

// PaymentHandler consumes raw gateway callbacks relayed through kafka. The
// message value is the provider body; the provider and signature headers
// carry what the gateway sent over HTTP.
type PaymentHandler struct {
	verifiers map[string]payment.Verifier
	processor PaymentProcessor
	logger    *zap.Logger
}

// NewPaymentHandler creates a handler that accepts callbacks from the given
// verifiers' providers.
func NewPaymentHandler(processor PaymentProcessor, verifiers ...payment.Verifier) *PaymentHandler {
	byProvider := make(map[string]payment.Verifier, len(verifiers))
	for _, v := range verifiers {
		byProvider[v.Provider()] = v
	}
	return &PaymentHandler{verifiers: byProvider, processor: processor, logger: util.GetLogger()}
}

// HandleMessage verifies and applies one callback. Messages that can never
// succeed are dropped so they do not block the partition; other failures
// are returned and the message is not committed.
func (h *PaymentHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	provider := header(msg, HeaderProvider)
	v, ok := h.verifiers[provider]
	if !ok {
		util.PaymentCallbacksRejected.WithLabelValues("provider").Inc()
		h.logger.Warn("Payment callback from unknown provider dropped", zap.String("provider", provider))
		return nil
	}

	cb, err := v.Verify(msg.Value, header(msg, HeaderSignature))
	switch {
	case errors.Is(err, models.ErrInvalidSignature):
		util.PaymentCallbacksRejected.WithLabelValues("signature").Inc()
		h.logger.Warn("Payment callback with invalid signature dropped",
			zap.String("provider", provider),
			zap.Int64("offset", msg.Offset))
		return nil
	case errors.Is(err, payment.ErrUnsupportedEvent):
		return nil
	case err != nil:
		util.PaymentCallbacksRejected.WithLabelValues("malformed").Inc()
		h.logger.Warn("Malformed payment callback dropped", zap.Error(err))
		return nil
	}

	res, err := h.processor.Process(ctx, cb)
	if err != nil {
		if _, domain := models.KindOf(err); domain {
			h.logger.Warn("Payment callback rejected",
				zap.String("event_id", cb.EventID),
				zap.String("order_id", cb.OrderID),
				zap.Error(err))
			return nil
		}
		return err
	}
	h.logger.Info("Payment callback applied",
		zap.String("event_id", cb.EventID),
		zap.String("order_id", cb.OrderID),
		zap.Bool("duplicate", res.Duplicate))
	return nil
}
