package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/coursepay/internal/app"
	"github.com/jmehdipour/coursepay/internal/config"
	"github.com/jmehdipour/coursepay/internal/db"
	"github.com/jmehdipour/coursepay/internal/logger"
	"github.com/jmehdipour/coursepay/internal/metrics"
	"github.com/jmehdipour/coursepay/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileOnce bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Query the gateway for pending payments whose callback never arrived",
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileOnce, "once", false, "run a single pass and exit")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.Init(cfg.Log.Level, cfg.Log.Encoding).Named("reconciler")
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connection (MySQL)
	dbx, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	// 3) shared token cache when configured
	var rdb *redis.Client
	if cfg.Mpesa.TokenCache == "redis" {
		rdb, err = db.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = rdb.Close() }()
	}

	svc := app.NewServices(cfg, dbx, rdb, log)
	if !svc.Configured {
		return fmt.Errorf("mpesa short code, passkey and callback url are required for status queries")
	}

	r := worker.NewReconciler(svc.Payments, svc.Initiator, svc.Receiver, log)

	// tune knobs
	if cfg.Reconcile.Interval > 0 {
		r.Interval = cfg.Reconcile.Interval
	}
	if cfg.Reconcile.PendingAfter > 0 {
		r.PendingAfter = cfg.Reconcile.PendingAfter
	}
	if cfg.Reconcile.ExpireAfter > 0 {
		r.ExpireAfter = cfg.Reconcile.ExpireAfter
	}
	if cfg.Reconcile.RetryBackoff > 0 {
		r.RetryBackoff = cfg.Reconcile.RetryBackoff
	}
	if cfg.Reconcile.BatchSize > 0 {
		r.BatchSize = cfg.Reconcile.BatchSize
	}
	if cfg.Reconcile.Workers > 0 {
		r.Workers = cfg.Reconcile.Workers
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if reconcileOnce {
		sum, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked=%d settled=%d expired=%d waiting=%d errors=%d\n",
			sum.Checked, sum.Settled, sum.Expired, sum.Waiting, sum.Errors)
		return nil
	}

	log.Info("reconciler started",
		zap.Duration("interval", r.Interval),
		zap.Duration("pending_after", r.PendingAfter),
		zap.Duration("expire_after", r.ExpireAfter),
		zap.Int("workers", r.Workers))

	return r.Run(ctx)
}
