package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	usagedomain "github.com/pollstack/billing/internal/usage/domain"
)

func (s *Server) TrackUsage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req usagedomain.TrackUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}
	req.UserID = userID

	charge, err := s.usagesvc.Track(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if charge == nil {
		// Usage on a non-metered plan is accepted but not billed.
		c.JSON(http.StatusOK, gin.H{"tracked": false})
		return
	}
	respondData(c, charge)
}

func (s *Server) GetUnpaidUsage(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		if header, ok := requireUser(c); ok {
			userID = header
		} else {
			return
		}
	}

	summary, err := s.usagesvc.UnpaidTotal(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, summary)
}

func (s *Server) SettleUsage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req struct {
		PaymentID string `json:"payment_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}
	paymentID, err := parseSnowflake(req.PaymentID)
	if err != nil {
		AbortWithError(c, newValidationError("payment_id", "invalid", "payment_id must be a valid id"))
		return
	}

	result, err := s.usagesvc.Settle(c.Request.Context(), userID, paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}
