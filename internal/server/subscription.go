package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) GetCurrentSubscription(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	subscription, err := s.subscriptions.GetCurrent(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, subscription)
}

// CancelSubscription cancels on the provider first, then locally. A gateway
// failure leaves the subscription untouched so the client can retry.
func (s *Server) CancelSubscription(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	if err := s.router.CancelSubscription(c.Request.Context(), userID); err != nil {
		AbortWithError(c, err)
		return
	}

	subscription, err := s.subscriptions.GetCurrent(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, subscription)
}
