package service

import (
	"context"
	"testing"

	"settlement-service/internal/models"
	"settlement-service/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessPaymentOpensEscrowOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.listing(t, h.allocation(t, 12))
	o := h.order(t, l.ID, 10)
	cb := paidCallback(o)

	res, err := h.payments.Process(ctx, cb)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)

	e := h.escrowOf(t, o.ID)
	assert.Equal(t, models.EscrowStatusHold, e.Status)
	assertDec(t, "1180", e.Amount)

	res, err = h.payments.Process(ctx, cb)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	p, err := h.payments.GetPayment(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, p.Status)
	assert.Equal(t, cb.TransactionRef, p.TransactionRef)
}

func TestProcessPaymentRejectsSecondCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, _, _ := h.paidOrder(t)

	// A new event for the same capture is a no-op.
	again := paidCallback(o)
	again.EventID = "payment.captured:retry"
	res, err := h.payments.Process(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)

	other := paidCallback(o)
	other.EventID = "payment.captured:pay_other"
	other.TransactionRef = "pay_other"
	_, err = h.payments.Process(ctx, other)
	assert.ErrorIs(t, err, models.ErrAlreadyPaid)

	// The failed event was rolled back and can be retried.
	_, err = h.payments.Process(ctx, other)
	assert.ErrorIs(t, err, models.ErrAlreadyPaid)
}

func TestProcessPaymentAmountMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.listing(t, h.allocation(t, 12))
	o := h.order(t, l.ID, 10)

	cb := paidCallback(o)
	wrong := dec("1000")
	cb.Amount = &wrong
	_, err := h.payments.Process(ctx, cb)
	assert.ErrorIs(t, err, models.ErrPaymentAmountMismatch)
	assert.Equal(t, models.OrderStatusCreated, h.status(t, o.ID))

	_, err = h.escrow.GetEscrow(ctx, o.ID)
	assert.ErrorIs(t, err, models.ErrEscrowNotFound)
}

func TestProcessPaymentFailureKeepsOrderOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.listing(t, h.allocation(t, 12))
	o := h.order(t, l.ID, 2)

	res, err := h.payments.Process(ctx, &payment.Callback{
		EventID:        "payment.failed:pay_1",
		Provider:       payment.ProviderRazorpay,
		OrderID:        o.ID,
		TransactionRef: "pay_1",
		Method:         "upi",
		Success:        false,
		FailureReason:  "BAD_REQUEST_ERROR",
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCreated, res.Order.Status)
	assert.Contains(t, h.pub.types(), models.EventTypePaymentFailed)

	p, err := h.payments.GetPayment(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	require.NotNil(t, p.FailureReason)
	assert.Equal(t, "BAD_REQUEST_ERROR", *p.FailureReason)

	// A later success still pays the order.
	h.pay(t, o)
	assert.Equal(t, models.OrderStatusPaid, h.status(t, o.ID))
}

func TestProcessPaymentValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.payments.Process(context.Background(), &payment.Callback{OrderID: "o-1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = h.payments.Process(context.Background(), &payment.Callback{EventID: "e-1", OrderID: "missing", Success: true})
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}
