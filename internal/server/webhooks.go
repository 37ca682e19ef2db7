package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

// IngestWebhook accepts raw provider webhooks. The body is passed to the
// verifier byte-for-byte; any framework parsing would break the signature.
func (s *Server) IngestWebhook(c *gin.Context) {
	provider := c.Param("provider")

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.webhooks.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header); err != nil {
		// Stripe's contract treats a bad signature as a malformed request;
		// Paddle's keeps the default 401 mapping.
		if provider == string(routingdomain.GatewayStripe) && errors.Is(err, paymentdomain.ErrInvalidSignature) {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
