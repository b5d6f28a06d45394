package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jmehdipour/coursepay/internal/service/settlement"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const maxCallbackBody = 64 << 10

// callbackAck is the body the gateway expects back from a webhook.
type callbackAck struct {
	ResultCode  int    `json:"ResultCode"`
	ResultDesc  string `json:"ResultDesc"`
	Disposition string `json:"disposition,omitempty"`
}

func callbackHandler(receiver CallbackReceiver, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := strings.TrimSpace(c.QueryParam("userId"))
		courseID := strings.TrimSpace(c.QueryParam("courseId"))

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallbackBody))
		if err != nil {
			return c.JSON(http.StatusBadRequest, callbackAck{ResultCode: 1, ResultDesc: "unreadable body"})
		}

		rcpt, err := receiver.HandleCallback(c.Request().Context(), userID, courseID, body)
		if err != nil {
			status := callbackStatus(err)
			logger.Warn("stk callback refused",
				zap.Int("status", status),
				zap.String("user_id", userID),
				zap.String("course_id", courseID),
				zap.Error(err))
			return c.JSON(status, callbackAck{ResultCode: 1, ResultDesc: "Rejected"})
		}

		return c.JSON(http.StatusOK, callbackAck{
			ResultCode:  0,
			ResultDesc:  "Accepted",
			Disposition: string(rcpt.Disposition),
		})
	}
}

func callbackStatus(err error) int {
	switch {
	case errors.Is(err, settlement.ErrMissingCorrelation), errors.Is(err, settlement.ErrCorrelationMismatch):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrUnknownCheckout):
		return http.StatusNotFound
	default:
		// malformed bodies and storage errors: let the gateway retry
		return http.StatusInternalServerError
	}
}
