package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	anomalydomain "github.com/smallbiznis/quotaflow/internal/anomaly/domain"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

func (s *Server) DetectAnomalies(c *gin.Context) {
	var req anomalydomain.DetectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	tenantID, _ := tenantFromRequest(c)
	req.TenantID = tenantID

	findings, err := s.anomalySvc.Detect(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"anomalies": findings,
		"count":     len(findings),
	})
}

func (s *Server) ListAnomalies(c *gin.Context) {
	tenantID, _ := tenantFromRequest(c)

	filter := anomalydomain.ListFilter{TenantID: tenantID}
	if raw := c.Query("metric_type"); raw != "" {
		metricType, err := metric.Parse(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.MetricType = metricType
	}
	if raw := c.Query("status"); raw != "" {
		filter.Status = anomalydomain.Status(raw)
	}

	rows, err := s.anomalySvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"anomalies": rows})
}

type transitionAnomalyRequest struct {
	Status anomalydomain.Status `json:"status"`
}

func (s *Server) TransitionAnomaly(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req transitionAnomalyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	row, err := s.anomalySvc.Transition(c.Request.Context(), id, req.Status)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, row)
}
