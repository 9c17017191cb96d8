package worker

import (
	"context"

	"settlement-service/internal/broker"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// PaymentWorker applies payment callbacks relayed through kafka
type PaymentWorker struct {
	consumer *broker.Consumer
	handler  *broker.PaymentHandler
	logger   *zap.Logger
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(consumer *broker.Consumer, handler *broker.PaymentHandler) *PaymentWorker {
	return &PaymentWorker{
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger(),
	}
}

// Start blocks consuming callbacks until ctx is cancelled
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}
