package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	regiondomain "github.com/pollstack/billing/internal/region/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
	subscriptiondomain "github.com/pollstack/billing/internal/subscription/domain"
	usagedomain "github.com/pollstack/billing/internal/usage/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

func newValidationError(field, code, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message}
}

// AbortWithError maps domain sentinels onto HTTP statuses and writes the
// error envelope.
func AbortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest
	}
	var unsupported *paymentdomain.UnsupportedMethodError
	if errors.As(err, &unsupported) {
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, regiondomain.ErrInvalidCountryCode),
		errors.Is(err, regiondomain.ErrInvalidRegion),
		errors.Is(err, regiondomain.ErrInvalidGatewayType),
		errors.Is(err, regiondomain.ErrInvalidPrice),
		errors.Is(err, plandomain.ErrInvalidPlan),
		errors.Is(err, plandomain.ErrInvalidPaymentType),
		errors.Is(err, routingdomain.ErrUnknownGateway),
		errors.Is(err, subscriptiondomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrInvalidUnits),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, paymentdomain.ErrPayAsYouGoNotRoutable):
		return http.StatusBadRequest

	case errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrStaleTimestamp):
		return http.StatusUnauthorized

	case errors.Is(err, regiondomain.ErrCountryNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, subscriptiondomain.ErrNoSubscription),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, usagedomain.ErrNothingToSettle):
		return http.StatusNotFound

	case errors.Is(err, regiondomain.ErrPolicyNotConfigured),
		errors.Is(err, regiondomain.ErrInconsistentPolicy),
		errors.Is(err, plandomain.ErrMissingProviderPrice):
		return http.StatusUnprocessableEntity

	case errors.Is(err, paymentdomain.ErrProvider):
		return http.StatusBadGateway

	case errors.Is(err, gorm.ErrInvalidData):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}
