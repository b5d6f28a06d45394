package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/coursepay/internal/app"
	"github.com/jmehdipour/coursepay/internal/config"
	"github.com/jmehdipour/coursepay/internal/db"
	httpSrv "github.com/jmehdipour/coursepay/internal/http"
	"github.com/jmehdipour/coursepay/internal/logger"
	"github.com/jmehdipour/coursepay/internal/metrics"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server (payment API and gateway callback)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)
		defer func() { _ = log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() {
			_ = chDB.Close()
		}()

		svc := app.NewServices(cfg, mysqlDB, redisClient, log)
		if !svc.Configured {
			log.Warn("mpesa short code, passkey or callback url missing; stk pushes will be refused")
		}

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Initiator: svc.Initiator,
			Receiver:  svc.Receiver,
			Enroller:  svc.Settler,
			Payments:  svc.Payments,
			Reports:   repository.NewCHPaymentsRepository(chDB),
			Redis:     redisClient,
		}, log)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
