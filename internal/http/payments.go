package http

import (
	"net/http"

	"github.com/jmehdipour/event-outbox/internal/http/middleware"
	"github.com/jmehdipour/event-outbox/internal/service/orders"
	echo "github.com/labstack/echo/v4"
)

type paymentReq struct {
	PaymentRef  string `json:"payment_ref" validate:"required,max=128"`
	AmountCents int64  `json:"amount_cents" validate:"gte=0"`
}

// paymentHandler settles a placed order. Retrying a settled order answers 409.
func paymentHandler(svc *orders.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req paymentReq
		if bad := decode(c, &req); bad != nil {
			return c.JSON(http.StatusBadRequest, bad)
		}

		res, err := svc.ProcessPayment(c.Request().Context(), tenant, c.Param("id"), req.PaymentRef, req.AmountCents, actorFromRequest(c))
		if err != nil {
			return orderError(c, err)
		}

		return c.JSON(http.StatusOK, res)
	}
}
