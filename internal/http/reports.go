package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/event-outbox/internal/http/middleware"
	"github.com/jmehdipour/event-outbox/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const reportDay = "2006-01-02"

// eventStatsHandler reports daily event counts from the ClickHouse replica.
// from/to are days (2006-01-02); the default window is the last 7 days.
func eventStatsHandler(chRepo repository.CHEventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		to := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		from := to.AddDate(0, 0, -7)
		if v := strings.TrimSpace(c.QueryParam("from")); v != "" {
			t, err := time.Parse(reportDay, v)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid from"})
			}
			from = t
		}
		if v := strings.TrimSpace(c.QueryParam("to")); v != "" {
			t, err := time.Parse(reportDay, v)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid to"})
			}
			to = t.Add(24 * time.Hour)
		}
		if !from.Before(to) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty range"})
		}

		limit := queryInt(c, "limit", 100, 1, 1000)
		eventType := strings.TrimSpace(c.QueryParam("event_type"))

		stats, err := chRepo.DailyStats(c.Request().Context(), tenant, eventType, from, to, limit)
		if err != nil {
			loggerFrom(c).Error("clickhouse report failed", zap.Error(err), zap.String("tenant_id", tenant))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"from":    from.Format(reportDay),
			"to":      to.Add(-24 * time.Hour).Format(reportDay),
			"count":   len(stats),
			"results": stats,
		})
	}
}
