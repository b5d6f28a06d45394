package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/coursepay/internal/config"
	"github.com/jmehdipour/coursepay/internal/db"
	"github.com/jmehdipour/coursepay/internal/kafka"
	"github.com/jmehdipour/coursepay/internal/logger"
	"github.com/jmehdipour/coursepay/internal/metrics"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmehdipour/coursepay/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var projectorCmd = &cobra.Command{
	Use:   "projector",
	Short: "Project payment events from Kafka into ClickHouse",
	RunE:  runProjector,
}

func runProjector(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.Init(cfg.Log.Level, cfg.Log.Encoding).Named("projector")
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) ClickHouse
	chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer chDB.Close()

	// 3) kafka consumer
	topic := cfg.Kafka.Topic
	if topic == "" {
		topic = repository.PaymentEventsTopic
	}
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "coursepay-projector"
	}

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	p := worker.NewProjector(consumer, repository.NewCHPaymentsRepository(chDB), log)

	// tune knobs
	if cfg.Projector.BatchSize > 0 {
		p.BatchSize = cfg.Projector.BatchSize
	}
	if cfg.Projector.BatchWait > 0 {
		p.BatchWait = cfg.Projector.BatchWait
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("projector started",
		zap.String("topic", topic),
		zap.String("group", groupID),
		zap.Int("batch_size", p.BatchSize),
		zap.Duration("batch_wait", p.BatchWait))

	err = p.Run(ctx)
	log.Info("projector stopped", zap.Int64("lag", consumer.Lag()))
	return err
}
