// Package payment verifies inbound payment-gateway callbacks and turns them
// into provider-neutral outcomes.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"settlement-service/internal/models"

	"github.com/shopspring/decimal"
)

// Providers
const (
	ProviderRazorpay = "razorpay"
	ProviderStripe   = "stripe"
)

// ErrUnsupportedEvent is returned for correctly signed callbacks the
// settlement flow has no use for.
var ErrUnsupportedEvent = errors.New("unsupported payment event")

// Callback is a verified payment outcome for one order.
type Callback struct {
	EventID        string           `json:"event_id"`
	Provider       string           `json:"provider"`
	OrderID        string           `json:"order_id"`
	TransactionRef string           `json:"transaction_ref"`
	Method         string           `json:"method"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Success        bool             `json:"success"`
	FailureReason  string           `json:"failure_reason,omitempty"`
}

// Verifier authenticates a raw callback body against its signature header.
type Verifier interface {
	Provider() string
	Verify(payload []byte, signature string) (*Callback, error)
}

// NewVerifier returns the verifier for a provider name.
func NewVerifier(provider, secret string) (Verifier, error) {
	switch provider {
	case ProviderRazorpay:
		return NewHMACVerifier(secret), nil
	case ProviderStripe:
		return NewStripeVerifier(secret), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", provider)
	}
}

// HMACVerifier checks a hex HMAC-SHA256 of the raw body, as sent in the
// X-Razorpay-Signature header.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for the shared webhook secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Provider() string { return ProviderRazorpay }

// Sign returns the signature header value for payload.
func (v *HMACVerifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID               string            `json:"id"`
				OrderID          string            `json:"order_id"`
				Method           string            `json:"method"`
				Amount           int64             `json:"amount"`
				ErrorDescription *string           `json:"error_description"`
				Notes            map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func (v *HMACVerifier) Verify(payload []byte, signature string) (*Callback, error) {
	if len(v.secret) == 0 || signature == "" {
		return nil, models.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return nil, models.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, models.ErrInvalidSignature
	}

	var hook razorpayWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("%w: malformed callback body", models.ErrValidation)
	}

	entity := hook.Payload.Payment.Entity
	cb := &Callback{
		EventID:        hook.Event + ":" + entity.ID,
		Provider:       ProviderRazorpay,
		OrderID:        entity.Notes["order_id"],
		TransactionRef: entity.ID,
		Method:         entity.Method,
	}
	if cb.OrderID == "" {
		cb.OrderID = entity.OrderID
	}
	if entity.Amount > 0 {
		amount := decimal.New(entity.Amount, -2)
		cb.Amount = &amount
	}

	switch hook.Event {
	case "payment.captured":
		cb.Success = true
	case "payment.failed":
		if entity.ErrorDescription != nil {
			cb.FailureReason = *entity.ErrorDescription
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, hook.Event)
	}

	if cb.OrderID == "" || cb.TransactionRef == "" {
		return nil, fmt.Errorf("%w: callback without order or transaction reference", models.ErrValidation)
	}
	return cb, nil
}
