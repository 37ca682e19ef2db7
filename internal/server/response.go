package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func respondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// requireUser pulls the authenticated user from the request headers. Identity
// is terminated upstream; the service trusts x-user-id.
func requireUser(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.GetHeader("x-user-id"))
	if userID == "" {
		AbortWithError(c, newValidationError("x-user-id", "required", "x-user-id header is required"))
		return "", false
	}
	return userID, true
}

func parseSnowflake(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
