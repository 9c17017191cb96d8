package api

import (
	"errors"
	"fmt"
	"net/http"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindUnauthorized:
		return http.StatusForbidden
	case models.KindStateConflict:
		return http.StatusConflict
	case models.KindSignature:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes a domain error as {"error": code, "message": ...}.
// Anything else is logged and reported as an opaque internal error.
func respondError(c *gin.Context, err error) {
	var de *models.DomainError
	if errors.As(err, &de) {
		if de.Kind == models.KindConsistency {
			util.GetLogger().Error("Consistency violation",
				zap.String("path", c.FullPath()),
				zap.Error(err))
		}
		c.JSON(statusFor(de.Kind), gin.H{
			"error":   de.Code,
			"message": err.Error(),
		})
		return
	}

	util.GetLogger().Error("Request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL",
		"message": "internal error",
	})
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return false
	}
	return true
}

// actor returns the caller from the actor header, writing a 400 when absent.
func actor(c *gin.Context) (string, bool) {
	id := c.GetHeader(HeaderActorID)
	if id == "" {
		respondError(c, fmt.Errorf("%w: %s header is required", models.ErrValidation, HeaderActorID))
		return "", false
	}
	return id, true
}
