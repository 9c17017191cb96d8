package api

import (
	"fmt"
	"net/http"

	"settlement-service/internal/models"
	"settlement-service/internal/service"

	"github.com/gin-gonic/gin"
)

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req service.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.CustomerID != caller {
		respondError(c, fmt.Errorf("%w: orders are placed by their customer", models.ErrUnauthorized))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.svc.Orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// getOrder returns an order with its items and timeline
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.svc.Orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req service.StatusUpdate
	if !bindJSON(c, &req) {
		return
	}
	req.ActorID = caller

	order, err := h.svc.Orders.UpdateStatus(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type trackingRequest struct {
	Carrier        string `json:"carrier" binding:"required"`
	TrackingNumber string `json:"tracking_number" binding:"required"`
	Note           string `json:"note,omitempty"`
}

func (h *Handler) addTracking(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req trackingRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.svc.Orders.AddTrackingUpdate(c.Request.Context(), c.Param("id"), caller, req.Carrier, req.TrackingNumber, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req cancelRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	order, err := h.svc.Orders.CancelOrder(c.Request.Context(), c.Param("id"), caller, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getPayment(c *gin.Context) {
	p, err := h.svc.Payments.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
