package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func listPaymentsHandler(chRepo repository.CHPaymentsRepository, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := strings.TrimSpace(c.QueryParam("user_id"))
		if userID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var st model.PaymentStatus
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			tmp := model.PaymentStatus(raw)
			if tmp.Valid() {
				st = tmp
			}
		}

		rows, err := chRepo.ListByUser(c.Request().Context(), userID, st, limit, offset)
		if err != nil {
			logger.Error("clickhouse list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
