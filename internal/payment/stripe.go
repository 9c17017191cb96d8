package payment

import (
	"encoding/json"
	"fmt"

	"settlement-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeVerifier checks the Stripe-Signature header of payment intent webhooks.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a verifier for a Stripe endpoint secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

func (v *StripeVerifier) Provider() string { return ProviderStripe }

func (v *StripeVerifier) Verify(payload []byte, signature string) (*Callback, error) {
	if v.secret == "" || signature == "" {
		return nil, models.ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}

	var success bool
	switch string(event.Type) {
	case "payment_intent.succeeded":
		success = true
	case "payment_intent.payment_failed":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event without data", models.ErrValidation)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: malformed payment intent", models.ErrValidation)
	}

	cb := &Callback{
		EventID:        event.ID,
		Provider:       ProviderStripe,
		OrderID:        intent.Metadata["order_id"],
		TransactionRef: intent.ID,
		Success:        success,
	}
	if len(intent.PaymentMethodTypes) > 0 {
		cb.Method = intent.PaymentMethodTypes[0]
	}
	if intent.Amount > 0 {
		amount := decimal.New(intent.Amount, -2)
		cb.Amount = &amount
	}
	if !success && intent.LastPaymentError != nil {
		cb.FailureReason = intent.LastPaymentError.Msg
	}

	if cb.OrderID == "" || cb.TransactionRef == "" {
		return nil, fmt.Errorf("%w: callback without order or transaction reference", models.ErrValidation)
	}
	return cb, nil
}
