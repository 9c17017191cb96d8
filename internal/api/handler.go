package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/payment"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HeaderActorID names the authenticated caller. An upstream gateway sets it.
const HeaderActorID = "X-Actor-ID"

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the settlement services served over HTTP.
type Services struct {
	Ledger    *service.AllocationLedger
	Orders    *service.OrderService
	Payments  *service.PaymentService
	Escrow    *service.EscrowService
	Disputes  *service.DisputeService
	Integrity *service.IntegrityService
}

// Handler contains HTTP handlers
type Handler struct {
	svc       Services
	verifiers map[string]payment.Verifier
	deps      map[string]Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. Payment webhooks are accepted only
// for providers that have a verifier.
func NewHandler(svc Services, verifiers ...payment.Verifier) *Handler {
	byProvider := make(map[string]payment.Verifier, len(verifiers))
	for _, v := range verifiers {
		byProvider[v.Provider()] = v
	}
	return &Handler{
		svc:       svc,
		verifiers: byProvider,
		deps:      map[string]Pinger{},
		logger:    util.GetLogger(),
	}
}

// CheckReady adds a dependency to the readiness endpoint.
func (h *Handler) CheckReady(name string, p Pinger) {
	h.deps[name] = p
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/allocations", h.createAllocation)
		v1.GET("/allocations/:id", h.getAllocation)
		v1.PATCH("/allocations/:id", h.updateAllocation)
		v1.POST("/allocations/:id/revoke", h.revokeAllocation)
		v1.GET("/sellers/:id/allocations", h.listSellerAllocations)

		v1.POST("/listings", h.createListing)
		v1.GET("/listings/:id", h.getListing)
		v1.PATCH("/listings/:id/price", h.updateListingPrice)
		v1.POST("/listings/:id/publish", h.publishListing)
		v1.POST("/listings/:id/unpublish", h.unpublishListing)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/status", h.updateOrderStatus)
		v1.POST("/orders/:id/tracking", h.addTracking)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.GET("/orders/:id/payment", h.getPayment)
		v1.GET("/orders/:id/escrow", h.getEscrow)
		v1.GET("/orders/:id/settlement", h.getSettlement)
		v1.POST("/orders/:id/escrow/release", h.releaseEscrow)
		v1.POST("/orders/:id/escrow/partial-refund", h.partialRefund)

		v1.POST("/webhooks/payments/:provider", h.paymentWebhook)

		v1.POST("/disputes", h.raiseDispute)
		v1.GET("/disputes/:id", h.getDispute)
		v1.POST("/disputes/:id/evidence", h.addEvidence)
		v1.POST("/disputes/:id/review", h.markUnderReview)
		v1.POST("/disputes/:id/evaluate", h.evaluateDispute)
		v1.POST("/disputes/:id/resolve", h.resolveDispute)
	}

	admin := v1.Group("/admin")
	{
		admin.POST("/settlements/sweep", h.sweepSettlements)
		admin.POST("/disputes/sla", h.checkSLA)
		admin.GET("/integrity", h.integrityAudit)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"failing": failing,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
