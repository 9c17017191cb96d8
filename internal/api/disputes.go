package api

import (
	"net/http"

	"settlement-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) raiseDispute(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req service.RaiseDisputeRequest
	if !bindJSON(c, &req) {
		return
	}
	req.RaisedBy = caller

	d, err := h.svc.Disputes.RaiseDispute(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handler) getDispute(c *gin.Context) {
	d, err := h.svc.Disputes.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) addEvidence(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req service.EvidenceRequest
	if !bindJSON(c, &req) {
		return
	}
	req.UploadedBy = caller

	ev, err := h.svc.Disputes.AddEvidence(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *Handler) markUnderReview(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	d, err := h.svc.Disputes.MarkUnderReview(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) evaluateDispute(c *gin.Context) {
	out, err := h.svc.Disputes.Evaluate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) resolveDispute(c *gin.Context) {
	caller, ok := actor(c)
	if !ok {
		return
	}
	var req service.ResolveRequest
	if !bindJSON(c, &req) {
		return
	}
	req.ReviewerID = caller

	d, err := h.svc.Disputes.ResolveDispute(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) checkSLA(c *gin.Context) {
	report, err := h.svc.Disputes.CheckSLA(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
