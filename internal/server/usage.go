package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/formlane/meterbill/internal/usage/domain"
)

func (s *Server) GetUserMonthlyStats(c *gin.Context) {
	stats, err := s.usageSvc.GetMonthlyStats(
		c.Request.Context(),
		c.Param("userId"),
		strings.TrimSpace(c.Query("billing_month")),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) ListUsageEntries(c *gin.Context) {
	req := usagedomain.ListEntriesRequest{
		UserID:       c.Param("userId"),
		BillingMonth: strings.TrimSpace(c.Query("billing_month")),
	}
	req.PageToken = strings.TrimSpace(c.Query("page_token"))
	if size := strings.TrimSpace(c.Query("page_size")); size != "" {
		parsed, err := strconv.Atoi(size)
		if err != nil || parsed < 0 {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "must be a positive integer"))
			return
		}
		req.PageSize = parsed
	}

	resp, err := s.usageSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
