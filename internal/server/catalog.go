package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
)

func (s *Server) ListActionCosts(c *gin.Context) {
	costs, err := s.catalogSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"action_costs": costs})
}

func (s *Server) UpdateActionCost(c *gin.Context) {
	var req catalogdomain.UpdateCostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	req.CostID = c.Param("costId")

	cost, err := s.catalogSvc.UpdateCost(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, cost)
}
