package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	regiondomain "github.com/pollstack/billing/internal/region/domain"
)

func (s *Server) UpsertCountryMapping(c *gin.Context) {
	var req regiondomain.UpsertCountryMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}

	mapping, err := s.regionsvc.UpsertCountryMapping(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, mapping)
}

func (s *Server) UpsertGatewayPolicy(c *gin.Context) {
	region := regiondomain.Region(strings.ToLower(strings.TrimSpace(c.Param("region"))))
	if !region.Valid() {
		AbortWithError(c, regiondomain.ErrInvalidRegion)
		return
	}

	var req regiondomain.UpsertPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}

	policy, err := s.regionsvc.UpsertPolicy(c.Request.Context(), region, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, policy)
}

func (s *Server) ReplaceRegionalPrices(c *gin.Context) {
	planID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid", "plan id must be a valid id"))
		return
	}

	var req struct {
		Prices []regiondomain.RegionalPriceInput `json:"prices" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, err)
		return
	}

	prices, err := s.regionsvc.ReplaceRegionalPrices(c.Request.Context(), planID, req.Prices)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, prices)
}
