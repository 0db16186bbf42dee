package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestAPIKeyMiddleware(t *testing.T) {
	e := echo.New()
	mw := APIKeyMiddleware(map[string]string{"k-a": "tenant-a", "k-empty": ""})
	h := mw(func(c echo.Context) error {
		tenant, ok := TenantIDFromCtx(c)
		assert.True(t, ok)
		return c.String(http.StatusOK, tenant)
	})

	cases := []struct {
		name string
		key  string
		code int
		body string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"unknown", "nope", http.StatusUnauthorized, ""},
		{"blank tenant", "k-empty", http.StatusUnauthorized, ""},
		{"valid", " k-a ", http.StatusOK, "tenant-a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.key != "" {
				req.Header.Set("X-API-Key", tc.key)
			}
			rec := httptest.NewRecorder()

			_ = h(e.NewContext(req, rec))
			assert.Equal(t, tc.code, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestRateLimitWithoutRedisAllows(t *testing.T) {
	e := echo.New()
	h := RateLimitMiddleware(RateLimitConfig{RPS: 1})(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		c.Set(ctxTenantID, "tenant-a")
		_ = h(c)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}
