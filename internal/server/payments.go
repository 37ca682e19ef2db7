package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

// RoutePayment is the payment entry point. Pay-as-you-go plans never touch a
// gateway: the subscription activates immediately and usage accrues against it.
func (s *Server) RoutePayment(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req paymentdomain.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}
	req.UserID = userID
	req.UserEmail = strings.TrimSpace(c.GetHeader("x-user-email"))

	plan, err := s.plansvc.Get(c.Request.Context(), req.PlanID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if plan.PaymentType == plandomain.PaymentTypePayAsYouGo {
		subscription, err := s.subscriptions.ActivatePayAsYouGo(c.Request.Context(), userID, plan)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		respondData(c, gin.H{
			"type":         paymentdomain.RouteTypePayAsYouGo,
			"subscription": subscription,
		})
		return
	}

	result, err := s.router.RoutePayment(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

func (s *Server) GetRecommendation(c *gin.Context) {
	country := strings.TrimSpace(c.Query("country"))
	if country == "" {
		AbortWithError(c, newValidationError("country", "required", "country is required"))
		return
	}

	var planID *snowflake.ID
	if raw := strings.TrimSpace(c.Query("plan_id")); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("plan_id", "invalid", "plan_id must be a valid id"))
			return
		}
		planID = &parsed
	}

	recommendation, err := s.routingsvc.GetRecommendation(c.Request.Context(), country, planID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, recommendation)
}

func (s *Server) GetPaymentMethods(c *gin.Context) {
	gateway, err := routingdomain.ParseGateway(strings.ToLower(strings.TrimSpace(c.Query("gateway"))))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{
		"gateway": gateway,
		"methods": s.routingsvc.PaymentMethods(gateway),
	})
}

func (s *Server) VerifyPayment(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("external_id"))
	if externalID == "" {
		AbortWithError(c, newValidationError("external_id", "required", "external payment id is required"))
		return
	}

	payment, err := s.router.VerifyPayment(c.Request.Context(), externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}
