package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/coursepay/internal/service/checkout"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func initiateHandler(initiator PaymentInitiator, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req checkout.Request
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.UserID = strings.TrimSpace(req.UserID)
		req.CourseID = strings.TrimSpace(req.CourseID)

		res := initiator.Initiate(c.Request().Context(), req)
		status := initiateStatus(res)
		if status >= http.StatusInternalServerError {
			logger.Error("stk push initiation failed", zap.Int("status", status), zap.Error(res.Err))
		}
		return c.JSON(status, res)
	}
}

func initiateStatus(res checkout.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case errors.Is(res.Err, checkout.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(res.Err, checkout.ErrGatewayRejection):
		return http.StatusUnprocessableEntity
	case errors.Is(res.Err, checkout.ErrAuth):
		return http.StatusBadGateway
	case errors.Is(res.Err, checkout.ErrConfiguration), errors.Is(res.Err, checkout.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
