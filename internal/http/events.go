package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/event-outbox/internal/audit"
	"github.com/jmehdipour/event-outbox/internal/eventstore"
	"github.com/jmehdipour/event-outbox/internal/http/middleware"
	"github.com/jmehdipour/event-outbox/internal/model"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func queryInt(c echo.Context, name string, def, lo, hi int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return def
	}
	return n
}

// listEventsHandler serves the audit trail of the caller's tenant, filtered by
// aggregate_id or correlation_id when given.
func listEventsHandler(svc *audit.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		aggregateID := strings.TrimSpace(c.QueryParam("aggregate_id"))
		correlationID := strings.TrimSpace(c.QueryParam("correlation_id"))

		var (
			recs []model.EventRecord
			err  error
		)
		// aggregate and correlation histories are returned whole; only the
		// tenant listing is paged
		body := map[string]any{}
		ctx := c.Request().Context()
		switch {
		case aggregateID != "":
			recs, err = svc.ByAggregate(ctx, tenant, aggregateID)
		case correlationID != "":
			recs, err = svc.ByCorrelation(ctx, tenant, correlationID)
		default:
			page := eventstore.Page{
				Limit:  queryInt(c, "limit", eventstore.DefaultPageSize, 1, eventstore.MaxPageSize),
				Offset: queryInt(c, "offset", 0, 0, 1<<31-1),
			}
			body["limit"], body["offset"] = page.Limit, page.Offset
			recs, err = svc.ByTenant(ctx, tenant, page)
		}
		if err != nil {
			loggerFrom(c).Error("audit query failed", zap.Error(err), zap.String("tenant_id", tenant))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		body["count"] = len(recs)
		body["results"] = recs
		return c.JSON(http.StatusOK, body)
	}
}

func deadLettersHandler(svc *audit.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		limit := queryInt(c, "limit", eventstore.DefaultPageSize, 1, eventstore.MaxPageSize)
		recs, err := svc.DeadLetters(c.Request().Context(), tenant, limit)
		if err != nil {
			loggerFrom(c).Error("dead letter query failed", zap.Error(err), zap.String("tenant_id", tenant))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"count":   len(recs),
			"results": recs,
		})
	}
}
