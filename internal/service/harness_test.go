package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/clock"
	"settlement-service/internal/models"
	"settlement-service/internal/payment"
	"settlement-service/internal/store"
	"settlement-service/internal/store/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e *models.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (a *recordingAuditor) Record(rec models.AuditRecord) {
	a.mu.Lock()
	a.records = append(a.records, rec)
	a.mu.Unlock()
}

type harness struct {
	st        *store.Store
	clock     *clock.Manual
	pub       *recordingPublisher
	audits    *recordingAuditor
	ledger    *AllocationLedger
	escrow    *EscrowService
	orders    *OrderService
	payments  *PaymentService
	disputes  *DisputeService
	integrity *IntegrityService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storetest.New(t)
	clk := clock.NewManual(t0)
	pub := &recordingPublisher{}
	audits := &recordingAuditor{}
	collab := Collaborators{Publisher: pub, Auditor: audits}

	ledger := NewAllocationLedger(st, clk, 5, time.Millisecond, collab)
	escrow := NewEscrowService(st, clk, EscrowConfig{SettlementWindow: week, SweepBatchSize: 50}, collab)
	orders := NewOrderService(st, ledger, escrow, clk, OrderConfig{
		DefaultTaxRate:   decimal.RequireFromString("0.18"),
		SettlementWindow: week,
	}, collab)

	return &harness{
		st:        st,
		clock:     clk,
		pub:       pub,
		audits:    audits,
		ledger:    ledger,
		escrow:    escrow,
		orders:    orders,
		payments:  NewPaymentService(st, orders, collab),
		disputes:  NewDisputeService(st, orders, escrow, clk, DisputeConfig{Thresholds: DefaultRuleThresholds(), AutoRefundOnSLA: true}, collab),
		integrity: NewIntegrityService(st, clk),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// allocation grants qty units at a negotiated price of 80 to seller-1.
func (h *harness) allocation(t *testing.T, qty int) *models.Allocation {
	t.Helper()
	a, err := h.ledger.CreateAllocation(context.Background(), &CreateAllocationRequest{
		ManufacturerID:  "mfg-1",
		SellerID:        "seller-1",
		ProductID:       "prod-1",
		Quantity:        qty,
		NegotiatedPrice: dec("80"),
	})
	require.NoError(t, err)
	return a
}

// listing opens and publishes a listing at a retail price of 100.
func (h *harness) listing(t *testing.T, a *models.Allocation) *models.InventoryListing {
	t.Helper()
	ctx := context.Background()
	l, err := h.ledger.CreateListing(ctx, a.SellerID, a.ID, dec("100"))
	require.NoError(t, err)
	l, err = h.ledger.PublishListing(ctx, a.SellerID, l.ID)
	require.NoError(t, err)
	return l
}

func (h *harness) order(t *testing.T, listingID string, qty int) *models.Order {
	t.Helper()
	resp, err := h.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		CustomerID: "cust-1",
		Items:      []OrderItemRequest{{ListingID: listingID, Quantity: qty}},
	})
	require.NoError(t, err)
	return resp.Order
}

func paidCallback(o *models.Order) *payment.Callback {
	amount := o.TotalAmount
	return &payment.Callback{
		EventID:        "payment.captured:pay_" + o.ID,
		Provider:       payment.ProviderRazorpay,
		OrderID:        o.ID,
		TransactionRef: "pay_" + o.ID,
		Method:         "card",
		Amount:         &amount,
		Success:        true,
	}
}

func (h *harness) pay(t *testing.T, o *models.Order) {
	t.Helper()
	res, err := h.payments.Process(context.Background(), paidCallback(o))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	h.clock.Advance(time.Minute)
}

// paidOrder places and pays for 10 units of a fresh 12-unit allocation.
func (h *harness) paidOrder(t *testing.T) (*models.Order, *models.Allocation, *models.InventoryListing) {
	t.Helper()
	a := h.allocation(t, 12)
	l := h.listing(t, a)
	o := h.order(t, l.ID, 10)
	h.pay(t, o)
	return o, a, l
}

func (h *harness) deliver(t *testing.T, orderID string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.orders.ConfirmOrder(ctx, orderID, "seller-1")
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.orders.ShipOrder(ctx, orderID, "seller-1", "bluedart", "BD123")
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.orders.MarkDelivered(ctx, orderID, "carrier:bluedart", nil)
	require.NoError(t, err)
}

func (h *harness) status(t *testing.T, orderID string) string {
	t.Helper()
	o, err := h.st.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o.Status
}

func (h *harness) escrowOf(t *testing.T, orderID string) *models.Escrow {
	t.Helper()
	e, err := h.escrow.GetEscrow(context.Background(), orderID)
	require.NoError(t, err)
	return e
}
