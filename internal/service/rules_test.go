package service

import (
	"testing"
	"time"

	"settlement-service/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateRules(t *testing.T) {
	raised := t0
	th := DefaultRuleThresholds()
	delivered := func(at time.Time) []models.TimelineEntry {
		return []models.TimelineEntry{
			{FromStatus: models.OrderStatusShipped, ToStatus: models.OrderStatusDelivered, CreatedAt: at},
		}
	}
	ev := func(types ...string) []models.Evidence {
		out := make([]models.Evidence, 0, len(types))
		for _, typ := range types {
			out = append(out, models.Evidence{Type: typ})
		}
		return out
	}

	tests := []struct {
		name     string
		claim    string
		evidence []models.Evidence
		timeline []models.TimelineEntry
		age      time.Duration
		want     string
	}{
		{"sla breach without proof", models.ClaimDamaged, nil, nil, 73 * time.Hour, models.RecommendAutoRefund},
		{"sla not yet breached", models.ClaimDamaged, nil, nil, 72 * time.Hour, models.RecommendAdminReview},
		{"invoice defeats sla breach", models.ClaimDamaged, ev(models.EvidenceInvoice), nil, 100 * time.Hour, models.RecommendAdminReview},
		{"not received without pod", models.ClaimNotReceived, ev(models.EvidencePhoto), nil, 49 * time.Hour, models.RecommendFavorCustomer},
		{"not received with pod", models.ClaimNotReceived, ev(models.EvidencePOD), nil, 49 * time.Hour, models.RecommendAdminReview},
		{"not received too early", models.ClaimNotReceived, nil, nil, 47 * time.Hour, models.RecommendAdminReview},
		{"sla beats not received", models.ClaimNotReceived, nil, nil, 80 * time.Hour, models.RecommendAutoRefund},
		{"wrong item with unboxing", models.ClaimWrongItem, ev(models.EvidenceUnboxingVideo), nil, time.Hour, models.RecommendRefundPendingReturn},
		{"wrong item without unboxing", models.ClaimWrongItem, ev(models.EvidencePhoto), nil, time.Hour, models.RecommendAdminReview},
		{"raised after return window", models.ClaimDamaged, nil, delivered(raised.Add(-15 * 24 * time.Hour)), time.Hour, models.RecommendRejectDispute},
		{"raised inside return window", models.ClaimDamaged, nil, delivered(raised.Add(-13 * 24 * time.Hour)), time.Hour, models.RecommendAdminReview},
		{"no delivery recorded", models.ClaimOther, nil, nil, time.Hour, models.RecommendAdminReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &models.Dispute{Claim: tt.claim, CreatedAt: raised}
			got := EvaluateRules(RuleInput{Dispute: d, Evidence: tt.evidence, Timeline: tt.timeline}, th, raised.Add(tt.age))
			assert.Equal(t, tt.want, got.Recommendation)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestDeliveredBeforeIgnoresNotesAndLaterEntries(t *testing.T) {
	timeline := []models.TimelineEntry{
		{FromStatus: models.OrderStatusShipped, ToStatus: models.OrderStatusDelivered, CreatedAt: t0},
		{FromStatus: models.OrderStatusDelivered, ToStatus: models.OrderStatusDelivered, CreatedAt: t0.Add(time.Hour)},
		{FromStatus: models.OrderStatusDisputed, ToStatus: models.OrderStatusDelivered, CreatedAt: t0.Add(48 * time.Hour)},
	}

	got, ok := deliveredBefore(timeline, t0.Add(24*time.Hour))
	assert.True(t, ok)
	assert.True(t, got.Equal(t0))

	_, ok = deliveredBefore(timeline, t0.Add(-time.Minute))
	assert.False(t, ok)
}
