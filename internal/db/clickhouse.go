package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/coursepay/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the analytics store holding projected payment events.
// DSN e.g. clickhouse://default:@localhost:9000/default?dial_timeout=5s; tables are qualified with coursepay.
func NewClickHouseConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, err
	}

	applyPool(db, cfg)

	if err := ping(db, cfg.PingTimeout, 3*time.Second); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return db, nil
}
