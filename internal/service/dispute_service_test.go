package service

import (
	"context"
	"testing"
	"time"

	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) raise(t *testing.T, orderID, reason string) *models.Dispute {
	t.Helper()
	d, err := h.disputes.RaiseDispute(context.Background(), &RaiseDisputeRequest{
		OrderID:  orderID,
		RaisedBy: "cust-1",
		Reason:   reason,
	})
	require.NoError(t, err)
	return d
}

func TestRaiseDisputeFreezesEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, _, _ := h.paidOrder(t)
	h.deliver(t, o.ID)

	d := h.raise(t, o.ID, "NOT_RECEIVED parcel never arrived")
	assert.Equal(t, models.DisputeStatusOpen, d.Status)
	assert.Equal(t, models.ClaimNotReceived, d.Claim)
	assert.Equal(t, models.TriggerCustomerToSeller, d.TriggerType)
	assert.Equal(t, models.OrderStatusDelivered, d.OrderStatusAtRaise)

	assert.Equal(t, models.OrderStatusDisputed, h.status(t, o.ID))
	assert.Equal(t, models.EscrowStatusFrozen, h.escrowOf(t, o.ID).Status)
	assert.Contains(t, h.pub.types(), models.EventTypeDisputeRaised)

	_, err := h.disputes.RaiseDispute(ctx, &RaiseDisputeRequest{OrderID: o.ID, RaisedBy: "cust-1", Reason: "again"})
	assert.ErrorIs(t, err, models.ErrDisputeAlreadyOpen)

	h.clock.Advance(2 * week)
	_, err = h.escrow.ReleaseFunds(ctx, o.ID, "admin-1")
	assert.ErrorIs(t, err, models.ErrEscrowNotHeld)

	_, err = h.orders.CancelOrder(ctx, o.ID, "cust-1", "")
	assert.ErrorIs(t, err, models.ErrActiveDispute)

	_, err = h.orders.MarkDelivered(ctx, o.ID, "carrier", nil)
	assert.ErrorIs(t, err, models.ErrTransitionRequiresFlow)
}

func TestRaiseDisputeRejectedForUndisputableOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.listing(t, h.allocation(t, 12))
	o := h.order(t, l.ID, 1)

	_, err := h.disputes.RaiseDispute(ctx, &RaiseDisputeRequest{OrderID: o.ID, RaisedBy: "cust-1", Reason: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = h.disputes.RaiseDispute(ctx, &RaiseDisputeRequest{OrderID: o.ID, RaisedBy: "cust-1", Reason: "x", TriggerType: "NOPE"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = h.disputes.RaiseDispute(ctx, &RaiseDisputeRequest{OrderID: "missing", RaisedBy: "cust-1", Reason: "x"})
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestEvidenceAndReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, _, _ := h.paidOrder(t)
	h.deliver(t, o.ID)
	d := h.raise(t, o.ID, "WRONG_ITEM sent blue not red")

	_, err := h.disputes.AddEvidence(ctx, d.ID, &EvidenceRequest{UploadedBy: "cust-1", FileRef: "s3://v.mp4", Type: "SELFIE"})
	assert.ErrorIs(t, err, models.ErrValidation)

	ev, err := h.disputes.AddEvidence(ctx, d.ID, &EvidenceRequest{UploadedBy: "cust-1", FileRef: "s3://v.mp4", Type: models.EvidenceUnboxingVideo})
	require.NoError(t, err)
	assert.Equal(t, d.ID, ev.DisputeID)

	got, err := h.disputes.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusEvidenceCollection, got.Status)
	require.Len(t, got.Evidence, 1)

	outcome, err := h.disputes.Evaluate(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecommendRefundPendingReturn, outcome.Recommendation)

	got, err = h.disputes.MarkUnderReview(ctx, d.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusUnderReview, got.Status)

	got, err = h.disputes.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Recommendation)
	assert.Equal(t, models.RecommendRefundPendingReturn, *got.Recommendation)

	_, err = h.disputes.GetDispute(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrDisputeNotFound)
}

func TestResolveRefundCancelsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, a, l := h.paidOrder(t)
	_, err := h.orders.ConfirmOrder(ctx, o.ID, "seller-1")
	require.NoError(t, err)
	d := h.raise(t, o.ID, "seller stopped responding")

	_, err = h.disputes.ResolveDispute(ctx, d.ID, &ResolveRequest{Resolution: "MAYBE", ReviewerID: "admin-1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	too := dec("5000")
	_, err = h.disputes.ResolveDispute(ctx, d.ID, &ResolveRequest{Resolution: models.ResolutionRefund, ReviewerID: "admin-1", Compensation: &too})
	assert.ErrorIs(t, err, models.ErrRefundExceedsHeld)

	got, err := h.disputes.ResolveDispute(ctx, d.ID, &ResolveRequest{Resolution: models.ResolutionRefund, ReviewerID: "admin-1", Note: "refund approved"})
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusResolved, got.Status)
	require.NotNil(t, got.CompensationAmount)
	assertDec(t, "1180", *got.CompensationAmount)

	assert.Equal(t, models.OrderStatusCancelled, h.status(t, o.ID))
	e := h.escrowOf(t, o.ID)
	assert.Equal(t, models.EscrowStatusRefunded, e.Status)
	require.NotNil(t, e.ReleaseCondition)
	assert.Equal(t, models.ReleaseConditionDisputeRefund, *e.ReleaseCondition)

	alloc, err := h.ledger.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, alloc.RemainingQty)
	listing, err := h.ledger.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, listing.Stock)

	_, err = h.disputes.ResolveDispute(ctx, d.ID, &ResolveRequest{Resolution: models.ResolutionRefund, ReviewerID: "admin-1"})
	assert.ErrorIs(t, err, models.ErrDisputeResolved)
	_, err = h.disputes.AddEvidence(ctx, d.ID, &EvidenceRequest{UploadedBy: "seller-1", FileRef: "s3://pod.pdf", Type: models.EvidencePOD})
	assert.ErrorIs(t, err, models.ErrDisputeResolved)
	assert.Contains(t, h.pub.types(), models.EventTypeDisputeResolved)
}

func TestResolveRefundOfPaidOrderReleasesLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, a, l := h.paidOrder(t)
	d := h.raise(t, o.ID, "charged twice")

	_, err := h.disputes.ResolveDispute(ctx, d.ID, &ResolveRequest{Resolution: models.ResolutionRefund, ReviewerID: "admin-1"})
	require.NoError(t, err)

	listing, err := h.ledger.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, listing.Locked)
	assert.Equal(t, 12, listing.Stock)
	alloc, err := h.ledger.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, alloc.RemainingQty)
}

func TestResolveReleaseRestartsWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, _, _ := h.paidOrder(t)
	h.deliver(t, o.ID)
	h.clock.Advance(6 * 24 * time.Hour)
	d := h.raise(t, o.ID, "DAMAGED corner")

	h.clock.Advance(24 * time.Hour)
	_, err := h.disputes.ResolveDispute(ctx, d.ID, &ResolveRequest{Resolution: models.ResolutionRelease, ReviewerID: "admin-1"})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusDelivered, h.status(t, o.ID))
	e := h.escrowOf(t, o.ID)
	assert.Equal(t, models.EscrowStatusHold, e.Status)
	require.NotNil(t, e.SettlementEndsAt)
	assert.True(t, e.SettlementEndsAt.Equal(h.clock.Now().Add(week)))

	_, err = h.escrow.ReleaseFunds(ctx, o.ID, "admin-1")
	assert.ErrorIs(t, err, models.ErrSettlementWindowOpen)

	h.clock.Advance(week)
	st, err := h.escrow.ReleaseFunds(ctx, o.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseConditionSettlementWindow, st.Condition)
}

func TestResolveReleaseFinalizePaysOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, _, l := h.paidOrder(t)
	d := h.raise(t, o.ID, "seller says shipped")

	_, err := h.disputes.ResolveDispute(ctx, d.ID, &ResolveRequest{
		Resolution: models.ResolutionRelease,
		ReviewerID: "admin-1",
		Finalize:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusSettled, h.status(t, o.ID))
	st, err := h.escrow.GetSettlement(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseConditionDisputeRelease, st.Condition)
	assertDec(t, "150", st.SellerShare)

	// Raised while PAID, so the locked units are committed on release.
	listing, err := h.ledger.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, listing.Locked)
	assert.Equal(t, 2, listing.Stock)
}

func TestCheckSLAAutoRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale, _, _ := h.paidOrder(t)
	h.deliver(t, stale.ID)
	staleDispute := h.raise(t, stale.ID, "DAMAGED on arrival")

	answered, _, _ := h.paidOrder(t)
	h.deliver(t, answered.ID)
	answeredDispute := h.raise(t, answered.ID, "DAMAGED on arrival")
	_, err := h.disputes.AddEvidence(ctx, answeredDispute.ID, &EvidenceRequest{UploadedBy: "seller-1", FileRef: "s3://inv.pdf", Type: models.EvidenceInvoice})
	require.NoError(t, err)

	h.clock.Advance(73 * time.Hour)
	report, err := h.disputes.CheckSLA(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, []string{staleDispute.ID}, report.AutoRefunded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, report.Recommendations[models.RecommendAdminReview])

	got, err := h.disputes.GetDispute(ctx, staleDispute.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusResolved, got.Status)
	require.NotNil(t, got.ReviewerID)
	assert.Equal(t, slaActor, *got.ReviewerID)
	assert.Equal(t, models.EscrowStatusRefunded, h.escrowOf(t, stale.ID).Status)
	assert.Equal(t, models.EscrowStatusFrozen, h.escrowOf(t, answered.ID).Status)

	report, err = h.disputes.CheckSLA(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Empty(t, report.AutoRefunded)
}
