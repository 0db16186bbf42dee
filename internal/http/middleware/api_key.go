package middleware

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const ctxTenantID = "tenant_id"

// TenantIDFromCtx extracts the tenant set by APIKeyMiddleware.
func TenantIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxTenantID).(string)
	return id, ok && id != ""
}

// APIKeyMiddleware authenticates requests using the X-API-Key header against
// a static key → tenant table.
func APIKeyMiddleware(keys map[string]string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			tenant, ok := keys[key]
			if !ok || strings.TrimSpace(tenant) == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxTenantID, tenant)
			return next(c)
		}
	}
}
