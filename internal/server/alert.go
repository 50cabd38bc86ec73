package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

func (s *Server) ListAlerts(c *gin.Context) {
	tenantID, _ := tenantFromRequest(c)

	filter := alertdomain.ListFilter{TenantID: tenantID}
	if raw := c.Query("metric_type"); raw != "" {
		metricType, err := metric.Parse(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.MetricType = metricType
	}
	if raw := c.Query("status"); raw != "" {
		filter.Status = alertdomain.Status(raw)
	}
	if raw := c.Query("alert_type"); raw != "" {
		filter.AlertType = alertdomain.AlertType(raw)
	}

	rows, err := s.alertSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": rows})
}

func (s *Server) AcknowledgeAlert(c *gin.Context) {
	tenantID, _ := tenantFromRequest(c)

	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	row, err := s.alertSvc.Acknowledge(c.Request.Context(), tenantID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, row)
}
