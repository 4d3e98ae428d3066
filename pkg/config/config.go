package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	// postgres or sqlite
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// PublicURL is where gateways redirect buyers back to.
	PublicURL string `mapstructure:"public_url"`
}

// 支付服务配置
type PayPalConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Sandbox      bool   `mapstructure:"sandbox"`
	APIBase      string `mapstructure:"api_base"`
}

type CatalogConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FulfillmentConfig covers the SQS queue carrying order-paid events and the host
// endpoints that enroll buyers or confirm slots.
type FulfillmentConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	QueueURL       string `mapstructure:"queue_url"`
	FIFO           bool   `mapstructure:"fifo"`
	AWSRegion      string `mapstructure:"aws_region"`
	AWSAccessKey   string `mapstructure:"aws_access_key"`
	AWSSecret      string `mapstructure:"aws_secret"`
	Endpoint       string `mapstructure:"endpoint"`
	WaitSeconds    int32  `mapstructure:"wait_seconds"`
	EnrollURL      string `mapstructure:"enroll_url"`
	ConfirmSlotURL string `mapstructure:"confirm_slot_url"`
	Token          string `mapstructure:"token"`
}

type AuditConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// CheckoutConfig holds the orchestration timings. RequestTimeout < LockTTL < GracePeriod.
type CheckoutConfig struct {
	Channel        string        `mapstructure:"channel"`
	Currency       string        `mapstructure:"currency"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatch     int           `mapstructure:"sweep_batch"`
	VerifyRate     float64       `mapstructure:"verify_rate"`
	HashSalt       string        `mapstructure:"hash_salt"`
}

type CommenceConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	PayPal      PayPalConfig      `mapstructure:"paypal"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Fulfillment FulfillmentConfig `mapstructure:"fulfillment"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Checkout    CheckoutConfig    `mapstructure:"checkout"`
}

var Config *CommenceConfig

var defaults = map[string]interface{}{
	"log_level":  "info",
	"log_format": "text",

	"database.driver":         "postgres",
	"database.dsn":            "",
	"database.max_open_conns": 20,

	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,

	"http.addr":       ":8080",
	"http.public_url": "http://localhost:8080",

	"paypal.client_id":     "",
	"paypal.client_secret": "",
	"paypal.sandbox":       true,
	"paypal.api_base":      "",

	"catalog.base_url": "http://localhost:8081",
	"catalog.token":    "",
	"catalog.timeout":  "10s",

	"fulfillment.enabled":          false,
	"fulfillment.queue_url":        "",
	"fulfillment.fifo":             false,
	"fulfillment.aws_region":       "us-east-1",
	"fulfillment.aws_access_key":   "",
	"fulfillment.aws_secret":       "",
	"fulfillment.endpoint":         "",
	"fulfillment.wait_seconds":     20,
	"fulfillment.enroll_url":       "",
	"fulfillment.confirm_slot_url": "",
	"fulfillment.token":            "",

	"audit.enabled": false,
	"audit.brokers": []string{"localhost:9092"},
	"audit.topic":   "checkout.order-terminal",

	"checkout.channel":         "paypal",
	"checkout.currency":        "USD",
	"checkout.lock_ttl":        "5m",
	"checkout.request_timeout": "30s",
	"checkout.grace_period":    "15m",
	"checkout.sweep_interval":  "1m",
	"checkout.sweep_batch":     100,
	"checkout.verify_rate":     5.0,
	"checkout.hash_salt":       "aira-checkout-payment",
}

// Load reads an optional YAML file and CHECKOUT_* environment overrides on top of
// the defaults, e.g. CHECKOUT_PAYPAL_CLIENT_ID.
func Load(path string) (*CommenceConfig, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("CHECKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &CommenceConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CommenceConfig) Validate() error {
	t := c.Checkout
	if t.RequestTimeout <= 0 || t.LockTTL <= 0 || t.GracePeriod <= 0 {
		return fmt.Errorf("checkout timings must be positive")
	}
	if t.RequestTimeout >= t.LockTTL {
		return fmt.Errorf("checkout.request_timeout (%s) must be shorter than checkout.lock_ttl (%s)", t.RequestTimeout, t.LockTTL)
	}
	if t.LockTTL >= t.GracePeriod {
		return fmt.Errorf("checkout.lock_ttl (%s) must be shorter than checkout.grace_period (%s)", t.LockTTL, t.GracePeriod)
	}
	if t.SweepBatch <= 0 {
		return fmt.Errorf("checkout.sweep_batch must be positive")
	}
	if t.VerifyRate <= 0 {
		return fmt.Errorf("checkout.verify_rate must be positive")
	}
	if t.Currency == "" {
		return fmt.Errorf("checkout.currency is required")
	}
	if c.Fulfillment.Enabled && c.Fulfillment.QueueURL == "" {
		return fmt.Errorf("fulfillment.queue_url is required when fulfillment is enabled")
	}
	if c.Audit.Enabled && (len(c.Audit.Brokers) == 0 || c.Audit.Topic == "") {
		return fmt.Errorf("audit.brokers and audit.topic are required when audit is enabled")
	}
	return nil
}
