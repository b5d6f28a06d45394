package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/coursepay/internal/config"
	"github.com/jmehdipour/coursepay/internal/http/middleware"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmehdipour/coursepay/internal/service/checkout"
	"github.com/jmehdipour/coursepay/internal/service/settlement"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type PaymentInitiator interface {
	Initiate(ctx context.Context, req checkout.Request) checkout.Result
}

type CallbackReceiver interface {
	HandleCallback(ctx context.Context, userID, courseID string, body []byte) (settlement.Receipt, error)
}

type Enroller interface {
	Grant(ctx context.Context, userID, courseID string) (bool, error)
}

// Deps are the services behind the routes.
type Deps struct {
	Initiator PaymentInitiator
	Receiver  CallbackReceiver
	Enroller  Enroller
	Payments  repository.PaymentsRepository
	Reports   repository.CHPaymentsRepository
	Redis     *redis.Client // nil disables rate limiting
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLogLevel(cfg.Log.Level))
	e.Use(echoMid.Recover(), requestLogger(logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// gateway webhook; correlation comes from the callback URL
	callbackPath := cfg.Mpesa.CallbackPath
	if callbackPath == "" {
		callbackPath = "/v1/mpesa/callback"
	}
	e.POST(callbackPath, callbackHandler(d.Receiver, logger))

	// middlewares
	authMW := middleware.ServiceKeyMiddleware(cfg.HTTP.ServiceKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:stk:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW)
	v1.POST("/payments/stk", initiateHandler(d.Initiator, logger), rlMW)
	v1.GET("/payments/:checkout_id", paymentStatusHandler(d.Payments, logger))
	v1.POST("/enrollments", enrollHandler(d.Enroller, logger))
	v1.GET("/reports/payments", listPaymentsHandler(d.Reports, logger))

	return &Server{e: e, log: logger}
}

func (s *Server) Start(addr string) error {
	s.log.Info("http listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("http request", fields...)
			return nil
		},
	})
}

func echoLogLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}
