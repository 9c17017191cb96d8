package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func seedAllocation(t *testing.T, s *store.Store, remaining int) *models.Allocation {
	t.Helper()
	a := &models.Allocation{
		ID:              uuid.New().String(),
		ManufacturerID:  "mfg-1",
		SellerID:        "seller-1",
		ProductID:       "prod-1",
		Type:            models.AllocationTypeDirect,
		AllocatedQty:    remaining,
		RemainingQty:    remaining,
		NegotiatedPrice: decimal.NewFromInt(80),
		MinRetailPrice:  models.MinRetailFor(decimal.NewFromInt(80)),
		Status:          models.AllocationStatusActive,
		Version:         1,
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
	require.NoError(t, s.CreateAllocation(context.Background(), a))
	return a
}

func seedOrder(t *testing.T, s *store.Store, key string) *models.Order {
	t.Helper()
	return seedOrderCtx(context.Background(), t, s, key)
}

func seedOrderCtx(ctx context.Context, t *testing.T, s *store.Store, key string) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:               uuid.New().String(),
		CustomerID:       "cust-1",
		SellerID:         "seller-1",
		Subtotal:         decimal.NewFromInt(1000),
		TaxRate:          decimal.RequireFromString("0.18"),
		TaxAmount:        decimal.NewFromInt(180),
		CommissionRate:   models.PlatformCommissionRate,
		CommissionAmount: decimal.NewFromInt(50),
		SellerPayout:     decimal.NewFromInt(950),
		TotalAmount:      decimal.NewFromInt(1180),
		Status:           models.OrderStatusCreated,
		IdempotencyKey:   models.StringPtr(key),
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
	require.NoError(t, s.CreateOrder(ctx, o))
	return o
}

func TestAllocationCompareAndSwap(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	a := seedAllocation(t, s, 12)

	next := *a
	next.SoldQty, next.RemainingQty = 10, 2
	ok, err := s.CompareAndSwapAllocation(ctx, &next, a.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	// A writer holding the old version loses.
	stale := *a
	stale.SoldQty, stale.RemainingQty = 3, 9
	ok, err = s.CompareAndSwapAllocation(ctx, &stale, a.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RemainingQty)
	assert.Equal(t, 10, got.SoldQty)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.Balanced())
	assert.True(t, got.NegotiatedPrice.Equal(decimal.NewFromInt(80)))
	assert.True(t, got.MinRetailPrice.Equal(decimal.NewFromInt(84)))
}

func TestGetMissingRecordsReturnNil(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	a, err := s.GetAllocation(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, a)

	o, err := s.GetOrder(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, o)

	e, err := s.GetEscrowByOrder(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestListingLockGuards(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	l := &models.InventoryListing{
		ID:          uuid.New().String(),
		SellerID:    "seller-1",
		ProductID:   "prod-1",
		Stock:       5,
		RetailPrice: decimal.NewFromInt(100),
		BaseCost:    decimal.NewFromInt(80),
		Listed:      true,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	require.NoError(t, s.CreateListing(ctx, l))

	ok, err := s.LockListingUnits(ctx, l.ID, 3, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.LockListingUnits(ctx, l.ID, 3, t0)
	require.NoError(t, err)
	assert.False(t, ok, "only 2 units remain unlocked")

	ok, err = s.CommitListingUnits(ctx, l.ID, 3, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Stock)
	assert.Equal(t, 0, got.Locked)
	assert.True(t, got.Listed)

	ok, err = s.ReleaseListingUnits(ctx, l.ID, 1, t0)
	require.NoError(t, err)
	assert.False(t, ok, "nothing is locked")
}

func TestIdempotencyKeyUniquePerCustomer(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	first := seedOrder(t, s, "key-1")

	dup := *first
	dup.ID = uuid.New().String()
	err := s.CreateOrder(ctx, &dup)
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))

	other := *first
	other.ID = uuid.New().String()
	other.CustomerID = "cust-2"
	require.NoError(t, s.CreateOrder(ctx, &other))

	found, err := s.GetOrderByIdempotencyKey(ctx, "cust-1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
	assert.True(t, found.TotalAmount.Equal(decimal.NewFromInt(1180)))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	boom := errors.New("boom")
	var orderID string

	err := s.WithTx(ctx, func(ctx context.Context) error {
		assert.True(t, store.InTx(ctx))
		o := seedOrderCtx(ctx, t, s, "")
		orderID = o.ID
		// Nested calls join the outer transaction.
		return s.WithTx(ctx, func(ctx context.Context) error {
			ok, err := s.UpdateOrderStatus(ctx, o.ID, models.OrderStatusCreated, models.OrderStatusPaid, t0)
			require.NoError(t, err)
			assert.True(t, ok)
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEscrowTransitionsAndDueScan(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	o := seedOrder(t, s, "k")
	ends := t0.Add(7 * 24 * time.Hour)
	e := &models.Escrow{
		ID:               uuid.New().String(),
		OrderID:          o.ID,
		Amount:           o.TotalAmount,
		Status:           models.EscrowStatusHold,
		SettlementEndsAt: &ends,
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
	require.NoError(t, s.CreateEscrow(ctx, e))

	due, err := s.ListDueEscrows(ctx, ends.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueEscrows(ctx, ends.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, e.ID, due[0].ID)
	require.NotNil(t, due[0].SettlementEndsAt)
	assert.True(t, ends.Equal(*due[0].SettlementEndsAt))

	ok, err := s.TransitionEscrow(ctx, e.ID, models.EscrowStatusHold, models.EscrowStatusFrozen, nil, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionEscrow(ctx, e.ID, models.EscrowStatusHold, models.EscrowStatusReleased, nil, t0)
	require.NoError(t, err)
	assert.False(t, ok, "frozen escrow cannot be released")

	got, err := s.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFrozen, got.Status)
	assert.NotNil(t, got.FrozenAt)

	ok, err = s.RefundEscrow(ctx, e.ID, models.EscrowStatusHold, models.ReleaseConditionDisputeRefund, o.TotalAmount, t0)
	require.NoError(t, err)
	assert.False(t, ok, "refund is guarded on the current status")

	ok, err = s.RefundEscrow(ctx, e.ID, models.EscrowStatusFrozen, models.ReleaseConditionDisputeRefund, o.TotalAmount, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetEscrowByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, got.Status)
	assert.True(t, o.TotalAmount.Equal(got.RefundedAmount))
	require.NotNil(t, got.ReleaseCondition)
	assert.Equal(t, models.ReleaseConditionDisputeRefund, *got.ReleaseCondition)
	assert.NotNil(t, got.RefundedAt)
}

func TestTimelineLatestTransition(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	o := seedOrder(t, s, "k")

	entries := []models.TimelineEntry{
		{OrderID: o.ID, FromStatus: "SHIPPED", ToStatus: "DELIVERED", CreatedAt: t0},
		{OrderID: o.ID, FromStatus: "DELIVERED", ToStatus: "DISPUTED", CreatedAt: t0.Add(time.Hour)},
		{OrderID: o.ID, FromStatus: "DISPUTED", ToStatus: "DELIVERED", CreatedAt: t0.Add(2 * time.Hour),
			Metadata: models.Metadata{"dispute_id": "d-1"}},
	}
	for i := range entries {
		require.NoError(t, s.AppendTimeline(ctx, &entries[i]))
	}

	latest, err := s.LatestTransitionTo(ctx, o.ID, models.OrderStatusDelivered)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, t0.Add(2*time.Hour).Equal(latest.CreatedAt))
	assert.Equal(t, "d-1", latest.Metadata["dispute_id"])

	all, err := s.ListTimeline(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMarkEventProcessedOnce(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	first, err := s.MarkEventProcessed(ctx, "evt-1", "razorpay", t0)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkEventProcessed(ctx, "evt-1", "razorpay", t0)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestActiveTaxRate(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	_, ok, err := s.ActiveTaxRate(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetTaxRate(ctx, "gst-12", "GST 12", decimal.RequireFromString("0.12"), t0))
	require.NoError(t, s.SetTaxRate(ctx, "gst-18", "GST 18", decimal.RequireFromString("0.18"), t0.Add(time.Minute)))

	rate, ok, err := s.ActiveTaxRate(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.18")))
}

func TestIntegrityQueries(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	o := seedOrder(t, s, "k")
	ok, err := s.UpdateOrderStatus(ctx, o.ID, models.OrderStatusCreated, models.OrderStatusPaid, t0)
	require.NoError(t, err)
	require.True(t, ok)

	missing, err := s.FindPaidOrdersWithoutHold(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, o.ID, missing[0].OrderID)
	assert.Nil(t, missing[0].EscrowStatus)

	orphan := &models.Escrow{
		ID: uuid.New().String(), OrderID: "ghost-order", Amount: decimal.NewFromInt(5),
		Status: models.EscrowStatusHold, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.CreateEscrow(ctx, orphan))

	orphans, err := s.FindOrphanEscrows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "ghost-order", orphans[0].OrderID)

	violations, err := s.FindAllocationFormulaViolations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
