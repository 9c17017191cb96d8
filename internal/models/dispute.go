package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Dispute status
const (
	DisputeStatusOpen               = "OPEN"
	DisputeStatusEvidenceCollection = "EVIDENCE_COLLECTION"
	DisputeStatusUnderReview        = "UNDER_REVIEW"
	DisputeStatusResolved           = "RESOLVED"
)

// Dispute trigger types
const (
	TriggerCustomerToSeller     = "CUSTOMER_TO_SELLER"
	TriggerSellerToManufacturer = "SELLER_TO_MANUFACTURER"
	TriggerAdminInternal        = "ADMIN_INTERNAL"
)

// Claim categories
const (
	ClaimNotReceived = "NOT_RECEIVED"
	ClaimWrongItem   = "WRONG_ITEM"
	ClaimDamaged     = "DAMAGED"
	ClaimOther       = "OTHER"
)

// Evidence types
const (
	EvidencePOD           = "POD"
	EvidenceUnboxingVideo = "UNBOXING_VIDEO"
	EvidenceInvoice       = "INVOICE"
	EvidencePhoto         = "PHOTO"
	EvidenceOther         = "OTHER"
)

// Resolutions applied by a reviewer
const (
	ResolutionRefund  = "REFUND"
	ResolutionRelease = "RELEASE"
)

// Rule engine recommendations
const (
	RecommendAutoRefund          = "AUTO_REFUND_CUSTOMER"
	RecommendFavorCustomer       = "FAVOR_CUSTOMER"
	RecommendRefundPendingReturn = "REFUND_PENDING_RETURN"
	RecommendRejectDispute       = "REJECT_DISPUTE"
	RecommendAdminReview         = "PENDING_ADMIN_REVIEW"
)

// Dispute is a claim against an order that freezes its escrow.
type Dispute struct {
	ID                 string           `db:"id" json:"id"`
	OrderID            string           `db:"order_id" json:"order_id"`
	RaisedBy           string           `db:"raised_by" json:"raised_by"`
	Reason             string           `db:"reason" json:"reason"`
	Claim              string           `db:"claim" json:"claim"`
	TriggerType        string           `db:"trigger_type" json:"trigger_type"`
	Status             string           `db:"status" json:"status"`
	OrderStatusAtRaise string           `db:"order_status_at_raise" json:"order_status_at_raise"`
	Recommendation     *string          `db:"recommendation" json:"recommendation,omitempty"`
	Resolution         *string          `db:"resolution" json:"resolution,omitempty"`
	ReviewerID         *string          `db:"reviewer_id" json:"reviewer_id,omitempty"`
	CompensationAmount *decimal.Decimal `db:"compensation_amount" json:"compensation_amount,omitempty"`
	ResolutionNote     *string          `db:"resolution_note" json:"resolution_note,omitempty"`
	ResolvedAt         *time.Time       `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`

	Evidence []Evidence `db:"-" json:"evidence,omitempty"`
}

// Active reports whether the dispute still blocks settlement.
func (d *Dispute) Active() bool {
	return d.Status != DisputeStatusResolved
}

// Evidence is a file attached to a dispute.
type Evidence struct {
	ID         string     `db:"id" json:"id"`
	DisputeID  string     `db:"dispute_id" json:"dispute_id"`
	FileRef    string     `db:"file_ref" json:"file_ref"`
	Type       string     `db:"evidence_type" json:"type"`
	UploadedBy string     `db:"uploaded_by" json:"uploaded_by"`
	CapturedAt *time.Time `db:"captured_at" json:"captured_at,omitempty"`
	Latitude   *float64   `db:"latitude" json:"latitude,omitempty"`
	Longitude  *float64   `db:"longitude" json:"longitude,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// InferClaim derives a claim category from free-text reason tokens.
func InferClaim(reason string) string {
	upper := strings.ToUpper(reason)
	switch {
	case strings.Contains(upper, ClaimNotReceived):
		return ClaimNotReceived
	case strings.Contains(upper, ClaimWrongItem):
		return ClaimWrongItem
	case strings.Contains(upper, ClaimDamaged):
		return ClaimDamaged
	default:
		return ClaimOther
	}
}

// ValidEvidenceType reports whether t is a known evidence type.
func ValidEvidenceType(t string) bool {
	switch t {
	case EvidencePOD, EvidenceUnboxingVideo, EvidenceInvoice, EvidencePhoto, EvidenceOther:
		return true
	}
	return false
}

// ValidTriggerType reports whether t is a known trigger type.
func ValidTriggerType(t string) bool {
	switch t {
	case TriggerCustomerToSeller, TriggerSellerToManufacturer, TriggerAdminInternal:
		return true
	}
	return false
}
