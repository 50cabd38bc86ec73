package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	anomalydomain "github.com/smallbiznis/quotaflow/internal/anomaly/domain"
	"github.com/smallbiznis/quotaflow/internal/forecast"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"github.com/smallbiznis/quotaflow/internal/providers/render"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, usagedomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "tenant ingest rate exceeded",
		}
	case errors.Is(err, quotadomain.ErrQuotaExceeded):
		return http.StatusConflict, errorPayload{
			Type:    "quota_exceeded",
			Message: "quota limit reached",
		}
	case errors.Is(err, quotadomain.ErrQuotaContention):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "quota_contention",
			Message: "concurrent quota updates, retry",
		}
	case errors.Is(err, forecast.ErrInsufficientData):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_data",
			Message: "not enough usage history",
		}
	case errors.Is(err, alertdomain.ErrInvalidTransition),
		errors.Is(err, anomalydomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, quotadomain.ErrInvalidTenant),
		errors.Is(err, quotadomain.ErrInvalidQuantity),
		errors.Is(err, metric.ErrInvalidMetric),
		errors.Is(err, aggdomain.ErrInvalidBucket),
		errors.Is(err, forecast.ErrUnknownModel),
		errors.Is(err, render.ErrInvalidFormat):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, alertdomain.ErrNotFound),
		errors.Is(err, anomalydomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
