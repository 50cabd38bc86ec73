package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"github.com/smallbiznis/quotaflow/internal/providers/render"
	"github.com/smallbiznis/quotaflow/internal/reporting"
)

func (s *Server) ReportSummary(c *gin.Context) {
	tenantID, _ := tenantFromRequest(c)

	summary, err := s.reportingSvc.Summary(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) ReportTrends(c *gin.Context) {
	tenantID, _ := tenantFromRequest(c)

	metricType, err := metric.Parse(c.Query("metric_type"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	days := 0
	if raw := c.Query("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	trends, err := s.reportingSvc.Trends(c.Request.Context(), tenantID, metricType, days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, trends)
}

type generateReportRequest struct {
	Format        render.Format `json:"format"`
	IncludeSeries bool          `json:"include_series"`
	Days          int           `json:"days"`
}

func (s *Server) GenerateReport(c *gin.Context) {
	tenantID, _ := tenantFromRequest(c)

	var req generateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	handle, err := s.reportingSvc.GenerateReport(c.Request.Context(), reporting.GenerateRequest{
		TenantID:      tenantID,
		Format:        req.Format,
		IncludeSeries: req.IncludeSeries,
		Days:          req.Days,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=usage-report-%s.%s", handle.ID, handle.Format))
	c.Data(http.StatusOK, handle.ContentType, handle.Bytes)
}
