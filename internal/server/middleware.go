package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"github.com/smallbiznis/quotaflow/internal/tenantctx"
)

const HeaderTenant = "X-Tenant-ID"

// TenantRequired resolves the tenant from the request header and injects it
// into the request context. Every /v1 route is tenant-scoped.
func (s *Server) TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if raw == "" {
			AbortWithError(c, quotadomain.ErrInvalidTenant)
			return
		}

		tenantID, err := snowflake.ParseString(raw)
		if err != nil || tenantID == 0 {
			AbortWithError(c, quotadomain.ErrInvalidTenant)
			return
		}

		c.Request = c.Request.WithContext(tenantctx.WithTenantID(c.Request.Context(), tenantID))
		c.Next()
	}
}

func tenantFromRequest(c *gin.Context) (snowflake.ID, bool) {
	return tenantctx.TenantIDFromContext(c.Request.Context())
}
