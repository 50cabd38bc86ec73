package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaflow/internal/forecast"
)

func (s *Server) CreateForecast(c *gin.Context) {
	var req forecast.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	tenantID, _ := tenantFromRequest(c)
	req.TenantID = tenantID

	result, err := s.forecastSvc.Forecast(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
