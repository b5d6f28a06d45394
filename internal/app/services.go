// Package app wires repositories, the gateway client and the payment services
// from configuration.
package app

import (
	"time"

	"github.com/jmehdipour/coursepay/internal/config"
	"github.com/jmehdipour/coursepay/internal/mpesa"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmehdipour/coursepay/internal/service/checkout"
	"github.com/jmehdipour/coursepay/internal/service/enrollment"
	"github.com/jmehdipour/coursepay/internal/service/settlement"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const tokenCacheKey = "coursepay:mpesa:token"

type Services struct {
	// Configured is false when STK pushes cannot be sent with this config.
	Configured bool

	Gateway   *mpesa.Client
	Payments  *repository.PaymentsRepositoryImpl
	Initiator *checkout.Initiator
	Settler   *enrollment.Settler
	Receiver  *settlement.Receiver
}

// NewServices builds the payment services. rdb may be nil when the token
// cache is in memory.
func NewServices(cfg config.Config, mysqlDB *sqlx.DB, rdb *redis.Client, log *zap.Logger) *Services {
	mcfg := MpesaClientConfig(cfg.Mpesa)

	var cache mpesa.TokenCache
	if cfg.Mpesa.TokenCache == "redis" && rdb != nil {
		cache = mpesa.NewRedisTokenCache(rdb, tokenCacheKey)
	} else {
		cache = mpesa.NewMemoryTokenCache()
	}
	tokens := mpesa.NewTokenSource(mcfg, cache, nil, log.Named("mpesa"))
	gateway := mpesa.NewClient(mcfg, tokens, log.Named("mpesa"))

	tx := repository.NewTransactor(mysqlDB)
	payments := repository.NewPaymentsRepository(mysqlDB)
	outbox := repository.NewOutboxRepository(mysqlDB)
	enrollments := repository.NewEnrollmentsRepository(mysqlDB)

	settler := enrollment.New(enrollments, log.Named("enrollment"))
	ccfg := CheckoutConfig(cfg.Mpesa)

	return &Services{
		Configured: ccfg.ShortCode != "" && ccfg.Passkey != "" && ccfg.CallbackBaseURL != "",
		Gateway:    gateway,
		Payments:   payments,
		Initiator:  checkout.New(ccfg, gateway, tx, payments, outbox, log.Named("checkout")),
		Settler:    settler,
		Receiver:   settlement.New(tx, payments, outbox, settler, log.Named("settlement")),
	}
}

func MpesaClientConfig(m config.MpesaConfig) mpesa.Config {
	return mpesa.Config{
		Environment:    m.Environment,
		BaseURL:        m.BaseURL,
		ConsumerKey:    m.ConsumerKey,
		ConsumerSecret: m.ConsumerSecret,
		Timeout:        time.Duration(m.TimeoutMs) * time.Millisecond,
		TokenTTL:       m.TokenTTL,
		FailThreshold:  m.Breaker.FailThreshold,
		OpenFor:        time.Duration(m.Breaker.OpenForMs) * time.Millisecond,
	}
}

func CheckoutConfig(m config.MpesaConfig) checkout.Config {
	return checkout.Config{
		ShortCode:        m.ShortCode,
		Passkey:          m.Passkey,
		PartyB:           m.PartyB,
		TransactionType:  m.TransactionType,
		AccountReference: m.AccountReference,
		CallbackBaseURL:  m.CallbackBaseURL,
		CallbackPath:     m.CallbackPath,
		CountryCode:      m.CountryCode,
	}
}
