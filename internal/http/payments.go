package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func paymentStatusHandler(payments repository.PaymentsRepository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("checkout_id"))
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		p, err := payments.GetByCheckoutID(c.Request().Context(), id)
		if err != nil {
			logger.Error("load payment request failed", zap.String("checkout_request_id", id), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if p == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		return c.JSON(http.StatusOK, p)
	}
}
