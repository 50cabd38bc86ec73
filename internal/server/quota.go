package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaflow/internal/metric"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"go.uber.org/zap"
)

func (s *Server) CheckAvailability(c *gin.Context) {
	tenantID, _ := tenantFromRequest(c)

	metricType, err := metric.Parse(c.Query("metric_type"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	quantity := 1.0
	if raw := c.Query("quantity"); raw != "" {
		quantity, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			AbortWithError(c, quotadomain.ErrInvalidQuantity)
			return
		}
	}

	availability, err := s.quotaSvc.CheckAvailability(c.Request.Context(), quotadomain.CheckAvailabilityRequest{
		TenantID:   tenantID,
		MetricType: metricType,
		Quantity:   quantity,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, availability)
}

type resetQuotaRequest struct {
	TenantID   snowflake.ID `json:"tenant_id"`
	MetricType metric.Type  `json:"metric_type"`
}

// ResetQuota starts a fresh period for one (tenant, metric) pair and closes
// quota alerts whose condition no longer holds.
func (s *Server) ResetQuota(c *gin.Context) {
	var req resetQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.quotaSvc.ResetPeriod(c.Request.Context(), req.TenantID, req.MetricType); err != nil {
		AbortWithError(c, err)
		return
	}

	if _, err := s.alertSvc.ResolveCleared(c.Request.Context()); err != nil {
		// The scheduler sweep retries; the reset itself succeeded.
		s.log.Warn("post-reset alert sweep failed", zap.Error(err))
	}

	snapshot, err := s.quotaSvc.Snapshot(c.Request.Context(), req.TenantID, req.MetricType)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}
