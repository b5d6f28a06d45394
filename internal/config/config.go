package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// EnvPrefix is prepended to every env override, e.g. COURSEPAY_MPESA_PASSKEY.
const EnvPrefix = "COURSEPAY"

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Mpesa      MpesaConfig     `mapstructure:"mpesa"`
	Reconcile  ReconcileConfig `mapstructure:"reconcile"`
	Projector  ProjectorConfig `mapstructure:"projector"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json | console
}

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	ServiceKeys []string `mapstructure:"service_keys"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type MpesaConfig struct {
	Environment      string        `mapstructure:"environment"` // sandbox | production
	BaseURL          string        `mapstructure:"base_url"`    // overrides environment
	ConsumerKey      string        `mapstructure:"consumer_key"`
	ConsumerSecret   string        `mapstructure:"consumer_secret"`
	ShortCode        string        `mapstructure:"short_code"`
	PartyB           string        `mapstructure:"party_b"` // till number for buy goods; defaults to short_code
	Passkey          string        `mapstructure:"passkey"`
	TransactionType  string        `mapstructure:"transaction_type"`
	AccountReference string        `mapstructure:"account_reference"`
	CallbackBaseURL  string        `mapstructure:"callback_base_url"`
	CallbackPath     string        `mapstructure:"callback_path"`
	CountryCode      string        `mapstructure:"country_code"`
	TimeoutMs        int           `mapstructure:"timeout_ms"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	TokenCache       string        `mapstructure:"token_cache"` // memory | redis
	Breaker          BreakerConfig `mapstructure:"breaker"`
}

type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	PendingAfter time.Duration `mapstructure:"pending_after"`
	ExpireAfter  time.Duration `mapstructure:"expire_after"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	BatchSize    int           `mapstructure:"batch_size"`
	Workers      int           `mapstructure:"workers"`
}

type ProjectorConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (COURSEPAY_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override: mpesa.consumer_key -> COURSEPAY_MPESA_CONSUMER_KEY
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
