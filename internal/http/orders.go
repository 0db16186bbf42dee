package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/event-outbox/internal/http/middleware"
	"github.com/jmehdipour/event-outbox/internal/model"
	"github.com/jmehdipour/event-outbox/internal/repository"
	"github.com/jmehdipour/event-outbox/internal/service/orders"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type placeOrderReq struct {
	CustomerID string `json:"customer_id" validate:"required,max=64"`
	TotalCents int64  `json:"total_cents" validate:"gte=0"`
	Currency   string `json:"currency" validate:"required,len=3,alpha"`
}

type commentReq struct {
	Author string `json:"author" validate:"max=128"`
	Text   string `json:"text" validate:"required,max=2000"`
}

type cancelReq struct {
	Reason string `json:"reason" validate:"max=512"`
}

// actorFromRequest builds the audit context of the caller.
func actorFromRequest(c echo.Context) *model.ActorContext {
	h := c.Request().Header
	return &model.ActorContext{
		ActorID:       strings.TrimSpace(h.Get("X-Actor-ID")),
		ActorName:     strings.TrimSpace(h.Get("X-Actor-Name")),
		SourceAddress: c.RealIP(),
		CorrelationID: strings.TrimSpace(h.Get("X-Correlation-ID")),
	}
}

// decode binds and validates req. A non-nil result is the 400 body to send.
func decode(c echo.Context, req any) map[string]string {
	if err := c.Bind(req); err != nil {
		return map[string]string{"error": "bad request"}
	}
	if err := c.Validate(req); err != nil {
		return map[string]string{"error": "validation failed", "description": err.Error()}
	}
	return nil
}

func placeOrderHandler(svc *orders.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req placeOrderReq
		if bad := decode(c, &req); bad != nil {
			return c.JSON(http.StatusBadRequest, bad)
		}

		res, err := svc.PlaceOrder(c.Request().Context(), tenant, orders.PlaceOrderInput{
			CustomerID: req.CustomerID,
			TotalCents: req.TotalCents,
			Currency:   req.Currency,
		}, actorFromRequest(c))
		if err != nil {
			return orderError(c, err)
		}

		return c.JSON(http.StatusCreated, res)
	}
}

func getOrderHandler(svc *orders.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		order, err := svc.Get(c.Request().Context(), tenant, c.Param("id"))
		if err != nil {
			return orderError(c, err)
		}

		return c.JSON(http.StatusOK, order)
	}
}

func addCommentHandler(svc *orders.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req commentReq
		if bad := decode(c, &req); bad != nil {
			return c.JSON(http.StatusBadRequest, bad)
		}

		res, err := svc.AddComment(c.Request().Context(), tenant, c.Param("id"), req.Author, req.Text, actorFromRequest(c))
		if err != nil {
			return orderError(c, err)
		}

		return c.JSON(http.StatusCreated, res)
	}
}

func cancelOrderHandler(svc *orders.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req cancelReq
		if bad := decode(c, &req); bad != nil {
			return c.JSON(http.StatusBadRequest, bad)
		}

		res, err := svc.CancelOrder(c.Request().Context(), tenant, c.Param("id"), req.Reason, actorFromRequest(c))
		if err != nil {
			return orderError(c, err)
		}

		return c.JSON(http.StatusOK, res)
	}
}

// orderError maps service errors to responses; anything unexpected is logged
// and reported as a 500.
func orderError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "order not found"})
	case errors.Is(err, orders.ErrInvalidOrder):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid order"})
	case errors.Is(err, orders.ErrOrderNotPayable):
		return c.JSON(http.StatusConflict, map[string]string{"error": "order_not_payable"})
	case errors.Is(err, orders.ErrOrderNotCancellable):
		return c.JSON(http.StatusConflict, map[string]string{"error": "order_not_cancellable"})
	case errors.Is(err, orders.ErrAmountMismatch):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "amount_mismatch"})
	}

	loggerFrom(c).Error("order operation failed", zap.Error(err), zap.String("path", c.Path()))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
}
