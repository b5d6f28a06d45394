package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/coursepay/internal/service/enrollment"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type enrollReq struct {
	UserID   string `json:"user_id"`
	CourseID string `json:"course_id"`
}

// enrollHandler grants free access; repeating a grant is a successful no-op.
func enrollHandler(enroller Enroller, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req enrollReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.UserID = strings.TrimSpace(req.UserID)
		req.CourseID = strings.TrimSpace(req.CourseID)

		created, err := enroller.Grant(c.Request().Context(), req.UserID, req.CourseID)
		if errors.Is(err, enrollment.ErrInvalidGrant) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		}
		if err != nil {
			logger.Error("grant enrollment failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"enrolled":   true,
			"idempotent": !created,
			"user_id":    req.UserID,
			"course_id":  req.CourseID,
		})
	}
}
