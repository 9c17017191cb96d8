package api

import (
	"errors"
	"fmt"
	"net/http"

	"settlement-service/internal/models"
	"settlement-service/internal/payment"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var signatureHeaders = map[string]string{
	payment.ProviderRazorpay: "X-Razorpay-Signature",
	payment.ProviderStripe:   "Stripe-Signature",
}

// paymentWebhook verifies a gateway callback before it reaches the order
// lifecycle. Unverified callbacks never touch the services.
func (h *Handler) paymentWebhook(c *gin.Context) {
	provider := c.Param("provider")
	v, ok := h.verifiers[provider]
	if !ok {
		respondError(c, fmt.Errorf("%w: unknown payment provider %q", models.ErrValidation, provider))
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		respondError(c, fmt.Errorf("%w: unreadable body", models.ErrValidation))
		return
	}

	cb, err := v.Verify(body, c.GetHeader(signatureHeaders[provider]))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrUnsupportedEvent):
			c.JSON(http.StatusOK, gin.H{"ignored": true})
			return
		case errors.Is(err, models.ErrInvalidSignature):
			util.PaymentCallbacksRejected.WithLabelValues("signature").Inc()
			h.logger.Warn("Rejected payment webhook", zap.String("provider", provider), zap.Error(err))
		default:
			util.PaymentCallbacksRejected.WithLabelValues("malformed").Inc()
		}
		respondError(c, err)
		return
	}

	res, err := h.svc.Payments.Process(c.Request.Context(), cb)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getEscrow(c *gin.Context) {
	e, err := h.svc.Escrow.GetEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handler) getSettlement(c *gin.Context) {
	s, err := h.svc.Escrow.GetSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) releaseEscrow(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	s, err := h.svc.Escrow.ReleaseFunds(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type partialRefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"required"`
}

func (h *Handler) partialRefund(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req partialRefundRequest
	if !bindJSON(c, &req) {
		return
	}

	e, err := h.svc.Escrow.PartialRefund(c.Request.Context(), c.Param("id"), req.Amount, caller, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handler) sweepSettlements(c *gin.Context) {
	report, err := h.svc.Escrow.SweepSettlements(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) integrityAudit(c *gin.Context) {
	report, err := h.svc.Integrity.RunAudit(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
