package api

import (
	"fmt"
	"net/http"

	"settlement-service/internal/models"
	"settlement-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h *Handler) createAllocation(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req service.CreateAllocationRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.ManufacturerID != caller {
		respondError(c, fmt.Errorf("%w: allocations are granted by their manufacturer", models.ErrUnauthorized))
		return
	}

	a, err := h.svc.Ledger.CreateAllocation(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) getAllocation(c *gin.Context) {
	a, err := h.svc.Ledger.GetAllocation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) updateAllocation(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req service.UpdateAllocationRequest
	if !bindJSON(c, &req) {
		return
	}

	a, err := h.svc.Ledger.UpdateAllocation(c.Request.Context(), caller, c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type revokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) revokeAllocation(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req revokeRequest
	if !bindJSON(c, &req) {
		return
	}

	a, err := h.svc.Ledger.RevokeAllocation(c.Request.Context(), caller, c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) listSellerAllocations(c *gin.Context) {
	out, err := h.svc.Ledger.ListSellerAllocations(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": out})
}

// createListingRequest creates an allocation-backed listing, or a direct
// listing when no allocation is named.
type createListingRequest struct {
	AllocationID string          `json:"allocation_id,omitempty"`
	RetailPrice  decimal.Decimal `json:"retail_price"`
	ProductID    string          `json:"product_id,omitempty"`
	Stock        int             `json:"stock,omitempty"`
	BaseCost     decimal.Decimal `json:"base_cost,omitempty"`
}

func (h *Handler) createListing(c *gin.Context) {
	seller, ok := actor(c)
	if !ok {
		return
	}
	var req createListingRequest
	if !bindJSON(c, &req) {
		return
	}

	var (
		l   *models.InventoryListing
		err error
	)
	if req.AllocationID != "" {
		l, err = h.svc.Ledger.CreateListing(c.Request.Context(), seller, req.AllocationID, req.RetailPrice)
	} else {
		l, err = h.svc.Ledger.CreateDirectListing(c.Request.Context(), seller, req.ProductID, req.Stock, req.RetailPrice, req.BaseCost)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *Handler) getListing(c *gin.Context) {
	l, err := h.svc.Ledger.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type priceRequest struct {
	RetailPrice decimal.Decimal `json:"retail_price"`
}

func (h *Handler) updateListingPrice(c *gin.Context) {
	seller, ok := actor(c)
	if !ok {
		return
	}
	var req priceRequest
	if !bindJSON(c, &req) {
		return
	}

	l, err := h.svc.Ledger.UpdateListingPrice(c.Request.Context(), seller, c.Param("id"), req.RetailPrice)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) publishListing(c *gin.Context) {
	seller, ok := actor(c)
	if !ok {
		return
	}
	l, err := h.svc.Ledger.PublishListing(c.Request.Context(), seller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) unpublishListing(c *gin.Context) {
	seller, ok := actor(c)
	if !ok {
		return
	}
	l, err := h.svc.Ledger.UnpublishListing(c.Request.Context(), seller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}
