package models

import "errors"

// ErrorKind groups domain errors by how callers should react to them.
type ErrorKind string

const (
	KindValidation    ErrorKind = "VALIDATION"
	KindNotFound      ErrorKind = "NOT_FOUND"
	KindUnauthorized  ErrorKind = "UNAUTHORIZED"
	KindStateConflict ErrorKind = "STATE_CONFLICT"
	KindConsistency   ErrorKind = "CONSISTENCY"
	KindSignature     ErrorKind = "SIGNATURE"
)

// DomainError is a coded, expected failure of a settlement operation.
type DomainError struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *DomainError) Error() string {
	return e.Code + ": " + e.Message
}

func newErr(kind ErrorKind, code, msg string) *DomainError {
	return &DomainError{Code: code, Kind: kind, Message: msg}
}

var (
	ErrValidation = newErr(KindValidation, "VALIDATION_FAILED", "invalid request")

	ErrOrderNotFound      = newErr(KindNotFound, "ORDER_NOT_FOUND", "order not found")
	ErrAllocationNotFound = newErr(KindNotFound, "ALLOCATION_NOT_FOUND", "allocation not found")
	ErrListingNotFound    = newErr(KindNotFound, "LISTING_NOT_FOUND", "inventory listing not found")
	ErrEscrowNotFound     = newErr(KindNotFound, "ESCROW_NOT_FOUND", "escrow not found")
	ErrDisputeNotFound    = newErr(KindNotFound, "DISPUTE_NOT_FOUND", "dispute not found")

	ErrNoAllocation = newErr(KindStateConflict, "NO_ALLOCATION", "no active allocation")
	ErrUnauthorized = newErr(KindUnauthorized, "UNAUTHORIZED", "requester does not own this resource")
	ErrNoStock      = newErr(KindStateConflict, "NO_STOCK", "allocation has no remaining units")
	ErrPriceTooLow  = newErr(KindStateConflict, "PRICE_TOO_LOW", "retail price below minimum")

	ErrDuplicateListing    = newErr(KindStateConflict, "DUPLICATE_LISTING", "allocation already has a listing")
	ErrDuplicateAllocation = newErr(KindStateConflict, "DUPLICATE_ALLOCATION", "negotiation already allocated")
	ErrListingUnavailable  = newErr(KindStateConflict, "LISTING_UNAVAILABLE", "listing is not available for sale")

	ErrInsufficientStock      = newErr(KindStateConflict, "INSUFFICIENT_STOCK", "insufficient stock")
	ErrConcurrentModification = newErr(KindStateConflict, "CONCURRENT_MODIFICATION", "record changed concurrently")

	ErrInvalidTransition      = newErr(KindStateConflict, "INVALID_TRANSITION", "order status transition not allowed")
	ErrTransitionRequiresFlow = newErr(KindStateConflict, "TRANSITION_REQUIRES_FLOW", "transition reachable only through its dedicated flow")
	ErrAlreadyPaid            = newErr(KindStateConflict, "ALREADY_PAID", "order already paid")
	ErrPaymentAmountMismatch  = newErr(KindValidation, "PAYMENT_AMOUNT_MISMATCH", "payment amount differs from order total")

	ErrEscrowNotHeld         = newErr(KindStateConflict, "ESCROW_NOT_HELD", "escrow is not in HOLD")
	ErrSettlementOrderStatus = newErr(KindStateConflict, "SETTLEMENT_ORDER_STATUS", "order is not delivered")
	ErrActiveDispute         = newErr(KindStateConflict, "ACTIVE_DISPUTE", "order has an active dispute")
	ErrDeliveryNotRecorded   = newErr(KindStateConflict, "DELIVERY_NOT_RECORDED", "no delivery recorded for order")
	ErrSettlementWindowOpen  = newErr(KindStateConflict, "SETTLEMENT_WINDOW_OPEN", "settlement window has not elapsed")
	ErrRefundExceedsHeld     = newErr(KindValidation, "REFUND_EXCEEDS_HELD", "refund exceeds held amount")

	ErrDisputeAlreadyOpen = newErr(KindStateConflict, "DISPUTE_ALREADY_OPEN", "order already has an active dispute")
	ErrDisputeResolved    = newErr(KindStateConflict, "DISPUTE_RESOLVED", "dispute already resolved")

	ErrConsistencyViolation = newErr(KindConsistency, "CONSISTENCY_VIOLATION", "ledger consistency violated")

	ErrInvalidSignature = newErr(KindSignature, "INVALID_SIGNATURE", "payment callback signature invalid")
)

// KindOf returns the kind of the first DomainError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
