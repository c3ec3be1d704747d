package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// HTTP
	HTTPPort    int
	ServiceName string

	// Database
	DBDriver string
	DBDSN    string

	// Revive ad server
	ReviveURL        string
	ReviveUser       string
	RevivePassword   string
	ReviveSessionTTL time.Duration
	LinkTimeout      time.Duration

	// Electrum merchant daemon
	ElectrumURL      string
	ElectrumUser     string
	ElectrumPassword string

	// BTCPay Server
	BTCPayURL     string
	BTCPayStoreID string
	BTCPayAPIKey  string

	// TonAPI
	TonAPIKey          string
	TonAPIBaseURL      string
	TonWebhookEndpoint string
	TonSyncInterval    time.Duration

	// Concurrency guard
	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	// Lifecycle events
	KafkaBrokers []string
	KafkaTopic   string

	// Mail
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	MailFrom     string

	// Telegram operator bot
	BotToken     string
	AdminChatIDs map[int64]bool

	// Tracing
	JaegerEndpoint string

	// Housekeeping
	CleanupGrace         time.Duration
	UnpaidTTL            time.Duration
	HousekeepingInterval time.Duration

	// Logging
	LogLevel string
	Env      string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("SERVICE_NAME", "beton")

	v.SetDefault("DB_DRIVER", "sqlite3")
	v.SetDefault("DB_DSN", "./beton.db")

	v.SetDefault("REVIVE_SESSION_TTL", 2*time.Minute)
	v.SetDefault("LINK_TIMEOUT", 10*time.Second)

	v.SetDefault("TONAPI_BASE_URL", "https://tonapi.io/v2")
	v.SetDefault("TON_SYNC_INTERVAL", time.Minute)

	v.SetDefault("LOCK_TTL", 30*time.Second)

	v.SetDefault("KAFKA_TOPIC", "payment_events")

	v.SetDefault("SMTP_PORT", 587)

	v.SetDefault("CLEANUP_GRACE", 7*24*time.Hour)
	v.SetDefault("UNPAID_TTL", 7*24*time.Hour)
	v.SetDefault("HOUSEKEEPING_INTERVAL", time.Hour)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENV", "production")
}

// Load reads the environment and, when path is not empty, a config file
// whose keys use the same names. The environment wins.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTPPort:    v.GetInt("HTTP_PORT"),
		ServiceName: v.GetString("SERVICE_NAME"),

		DBDriver: v.GetString("DB_DRIVER"),
		DBDSN:    v.GetString("DB_DSN"),

		ReviveURL:        v.GetString("REVIVE_XML_URI"),
		ReviveUser:       v.GetString("REVIVE_USER"),
		RevivePassword:   v.GetString("REVIVE_PASSWORD"),
		ReviveSessionTTL: v.GetDuration("REVIVE_SESSION_TTL"),
		LinkTimeout:      v.GetDuration("LINK_TIMEOUT"),

		ElectrumURL:      v.GetString("ELECTRUM_RPC_URL"),
		ElectrumUser:     v.GetString("ELECTRUM_RPC_USER"),
		ElectrumPassword: v.GetString("ELECTRUM_RPC_PASSWORD"),

		BTCPayURL:     strings.TrimSuffix(v.GetString("BTCPAY_URL"), "/"),
		BTCPayStoreID: v.GetString("BTCPAY_STORE_ID"),
		BTCPayAPIKey:  v.GetString("BTCPAY_API_KEY"),

		TonAPIKey:          v.GetString("TONAPI_KEY"),
		TonAPIBaseURL:      strings.TrimSuffix(v.GetString("TONAPI_BASE_URL"), "/"),
		TonWebhookEndpoint: v.GetString("TON_WEBHOOK_ENDPOINT"),
		TonSyncInterval:    v.GetDuration("TON_SYNC_INTERVAL"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		LockTTL:       v.GetDuration("LOCK_TTL"),

		KafkaBrokers: splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:   v.GetString("KAFKA_TOPIC"),

		SMTPHost:     v.GetString("SMTP_HOST"),
		SMTPPort:     v.GetInt("SMTP_PORT"),
		SMTPUser:     v.GetString("SMTP_USER"),
		SMTPPassword: v.GetString("SMTP_PASSWORD"),
		MailFrom:     v.GetString("MAIL_FROM"),

		BotToken: v.GetString("BOT_TOKEN"),

		JaegerEndpoint: v.GetString("JAEGER_ENDPOINT"),

		CleanupGrace:         v.GetDuration("CLEANUP_GRACE"),
		UnpaidTTL:            v.GetDuration("UNPAID_TTL"),
		HousekeepingInterval: v.GetDuration("HOUSEKEEPING_INTERVAL"),

		LogLevel: v.GetString("LOG_LEVEL"),
		Env:      v.GetString("ENV"),
	}

	// Parse admin chat IDs
	cfg.AdminChatIDs = make(map[int64]bool)
	for _, idStr := range splitList(v.GetString("ADMIN_CHAT_IDS")) {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_CHAT_IDS: %q is not a chat id", idStr)
		}
		cfg.AdminChatIDs[id] = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would only fail later at runtime
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort))
	}
	if c.ReviveURL == "" {
		errs = append(errs, errors.New("REVIVE_XML_URI is required"))
	}
	if c.BTCPayURL != "" && (c.BTCPayStoreID == "" || c.BTCPayAPIKey == "") {
		errs = append(errs, errors.New("BTCPAY_STORE_ID and BTCPAY_API_KEY are required with BTCPAY_URL"))
	}
	if c.SMTPHost != "" && c.MailFrom == "" {
		errs = append(errs, errors.New("MAIL_FROM is required with SMTP_HOST"))
	}
	if c.BotToken != "" && len(c.AdminChatIDs) == 0 {
		errs = append(errs, errors.New("ADMIN_CHAT_IDS is required with BOT_TOKEN"))
	}
	for name, d := range map[string]time.Duration{
		"LINK_TIMEOUT":          c.LinkTimeout,
		"LOCK_TTL":              c.LockTTL,
		"UNPAID_TTL":            c.UnpaidTTL,
		"HOUSEKEEPING_INTERVAL": c.HousekeepingInterval,
		"TON_SYNC_INTERVAL":     c.TonSyncInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.CleanupGrace < 0 {
		errs = append(errs, errors.New("CLEANUP_GRACE must not be negative"))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
