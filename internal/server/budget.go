package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	budgetdomain "github.com/formlane/meterbill/internal/budget/domain"
	catalogdomain "github.com/formlane/meterbill/internal/catalog/domain"
	"github.com/shopspring/decimal"
)

type checkAvailabilityRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	ActionType string `json:"action_type" binding:"required"`
}

func (s *Server) CheckBudgetAvailability(c *gin.Context) {
	var req checkAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	c.Set("action_type", req.ActionType)
	c.Set("user_id", req.UserID)

	result, err := s.budgetSvc.CheckAvailability(
		c.Request.Context(),
		req.UserID,
		catalogdomain.ActionType(strings.TrimSpace(req.ActionType)),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ChargeUserBudget(c *gin.Context) {
	var req budgetdomain.ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	c.Set("action_type", string(req.ActionType))
	c.Set("user_id", req.UserID)

	result, err := s.budgetSvc.Charge(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !result.Success {
		// Denials are business outcomes: the payload explains the reason,
		// the status signals "payment required" to generic clients.
		c.JSON(http.StatusPaymentRequired, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type createBudgetRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	InitialBudget string `json:"initial_budget"`
}

func (s *Server) CreateUserBudget(c *gin.Context) {
	var req createBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}

	initial := decimal.Zero
	if amount := strings.TrimSpace(req.InitialBudget); amount != "" {
		parsed, err := decimal.NewFromString(amount)
		if err != nil {
			AbortWithError(c, newValidationError("initial_budget", "invalid_budget", "must be a decimal amount"))
			return
		}
		initial = parsed
	}

	budget, err := s.budgetSvc.CreateDefaultBudget(c.Request.Context(), req.UserID, initial)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, budget)
}

func (s *Server) GetUserBudget(c *gin.Context) {
	summary, err := s.budgetSvc.GetBudget(c.Request.Context(), c.Param("userId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) UpdateUserBudget(c *gin.Context) {
	var req budgetdomain.UpdateBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	req.UserID = c.Param("userId")

	budget, err := s.budgetSvc.UpdateBudget(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, budget)
}

func (s *Server) ListUserBudgets(c *gin.Context) {
	summaries, err := s.budgetSvc.ListSummaries(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"budgets": summaries})
}
