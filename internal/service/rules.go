package service

import (
	"time"

	"settlement-service/internal/models"
)

// RuleThresholds are the time limits used by dispute rule evaluation.
type RuleThresholds struct {
	SLABreach    time.Duration
	NotReceived  time.Duration
	ReturnWindow time.Duration
}

// DefaultRuleThresholds returns 72 hours, 48 hours and 14 days.
func DefaultRuleThresholds() RuleThresholds {
	return RuleThresholds{
		SLABreach:    72 * time.Hour,
		NotReceived:  48 * time.Hour,
		ReturnWindow: 14 * 24 * time.Hour,
	}
}

// RuleInput is the dispute state rules are evaluated over.
type RuleInput struct {
	Dispute  *models.Dispute
	Evidence []models.Evidence
	Timeline []models.TimelineEntry
}

// RuleOutcome is a recommendation and the reason for it.
type RuleOutcome struct {
	Recommendation string `json:"recommendation"`
	Reason         string `json:"reason"`
}

// EvaluateRules returns the first matching recommendation for a dispute.
// It reads nothing but its arguments.
func EvaluateRules(in RuleInput, th RuleThresholds, now time.Time) RuleOutcome {
	d := in.Dispute
	hasPOD := hasEvidence(in.Evidence, models.EvidencePOD)
	hasInvoice := hasEvidence(in.Evidence, models.EvidenceInvoice)
	hasUnboxing := hasEvidence(in.Evidence, models.EvidenceUnboxingVideo)
	age := now.Sub(d.CreatedAt)

	if age > th.SLABreach && !hasPOD && !hasInvoice {
		return RuleOutcome{models.RecommendAutoRefund, "seller provided no proof of delivery or invoice within the response window"}
	}
	if d.Claim == models.ClaimNotReceived && age > th.NotReceived && !hasPOD {
		return RuleOutcome{models.RecommendFavorCustomer, "no proof of delivery uploaded for a not-received claim"}
	}
	if d.Claim == models.ClaimWrongItem && hasUnboxing {
		return RuleOutcome{models.RecommendRefundPendingReturn, "unboxing video supports the wrong-item claim"}
	}
	if delivered, ok := deliveredBefore(in.Timeline, d.CreatedAt); ok && d.CreatedAt.Sub(delivered) > th.ReturnWindow {
		return RuleOutcome{models.RecommendRejectDispute, "dispute raised after the return window closed"}
	}
	return RuleOutcome{models.RecommendAdminReview, "requires manual review of evidence"}
}

func hasEvidence(evidence []models.Evidence, kind string) bool {
	for _, e := range evidence {
		if e.Type == kind {
			return true
		}
	}
	return false
}

// deliveredBefore returns the latest transition into DELIVERED at or before t.
func deliveredBefore(timeline []models.TimelineEntry, t time.Time) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, e := range timeline {
		if e.ToStatus != models.OrderStatusDelivered || e.FromStatus == e.ToStatus || e.CreatedAt.After(t) {
			continue
		}
		if !found || e.CreatedAt.After(latest) {
			latest, found = e.CreatedAt, true
		}
	}
	return latest, found
}
