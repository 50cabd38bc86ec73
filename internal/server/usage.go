package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaflow/internal/metric"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"github.com/smallbiznis/quotaflow/pkg/db/pagination"
)

func (s *Server) TrackUsage(c *gin.Context) {
	var req usagedomain.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	tenantID, _ := tenantFromRequest(c)
	req.TenantID = tenantID

	result, err := s.usageSvc.Track(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	tenantID, _ := tenantFromRequest(c)

	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	filter := usagedomain.ListFilter{
		TenantID:   tenantID,
		Pagination: pg,
	}
	if raw := c.Query("metric_type"); raw != "" {
		metricType, err := metric.Parse(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.MetricType = metricType
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		filter.From = from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		filter.To = to
	}

	events, pageInfo, err := s.usageSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"page_info": pageInfo,
	})
}
