// Package config loads the engine's settings from the environment, an
// optional .env file and an optional YAML/TOML config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"execengine/internal/markethours"
	"execengine/internal/model"
)

// Mode selects the broker behind the engine.
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// Config holds all application configuration.
type Config struct {
	Mode        string
	ServiceName string
	LogLevel    string

	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string
	AngelRootURL    string
	AngelFeedURL    string

	// Session
	SessionTTL          time.Duration
	SessionSafetyMargin time.Duration
	LoginTimeout        time.Duration

	// Dispatch
	RateLimit       float64
	RateBurst       int
	AcquireTimeout  time.Duration
	AttemptTimeout  time.Duration
	DispatchTimeout time.Duration
	RetryAttempts   int
	RetryBase       time.Duration
	RetryMax        time.Duration
	BreakerFailures int
	BreakerReset    time.Duration

	// Reconciliation
	ReconcileInterval       time.Duration
	ReconcilePriceTolerance string
	ReconcileTimeTolerance  time.Duration
	ReconcileFillLookback   time.Duration

	// Risk limits, zero disables
	MaxPositionSize  int64
	MaxOpenPositions int
	MaxDailyLoss     string
	MaxOrderNotional string

	// Paper broker
	PaperSlippageBps int64
	PaperFillDelay   time.Duration

	// Trading calendar
	MarketHolidays []string
	PreOpenLead    time.Duration

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisRequired bool
	SQLitePath    string
	MetricsAddr   string
	ConsumerGroup string
	ConsumerName  string

	// Notifiers, each enabled when its endpoint is set
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
	SMSGatewayURL    string
	SMSAPIKey        string
	SMSRecipients    []string

	TracingEnabled bool
}

var defaults = map[string]interface{}{
	"mode":         ModeLive,
	"service_name": "execengine",
	"log_level":    "info",

	"angel_root_url": "https://apiconnect.angelone.in",
	"angel_feed_url": "wss://tns.angelone.in/smart-order-update",

	"session_ttl":           "23h",
	"session_safety_margin": "5m",
	"login_timeout":         "15s",

	"rate_limit":       10.0,
	"rate_burst":       10,
	"acquire_timeout":  "2s",
	"attempt_timeout":  "7s",
	"dispatch_timeout": "30s",
	"retry_attempts":   4,
	"retry_base":       "200ms",
	"retry_max":        "5s",
	"breaker_failures": 5,
	"breaker_reset":    "30s",

	"reconcile_interval":        "5m",
	"reconcile_price_tolerance": "0.05",
	"reconcile_time_tolerance":  "2m",
	"reconcile_fill_lookback":   "24h",

	"max_position_size":  0,
	"max_open_positions": 0,
	"max_daily_loss":     "0",
	"max_order_notional": "0",

	"paper_slippage_bps": 5,
	"paper_fill_delay":   "200ms",

	"market_holidays": strings.Join(markethours.NSE2026, ","),
	"preopen_lead":    "5m",

	"redis_addr":     "",
	"redis_password": "",
	"redis_db":       0,
	"redis_required": false,
	"sqlite_path":    "data/execengine.db",
	"metrics_addr":   ":9090",
	"consumer_group": "execengine",
	"consumer_name":  "worker-1",

	"webhook_url":        "",
	"telegram_bot_token": "",
	"telegram_chat_id":   "",
	"sms_gateway_url":    "",
	"sms_api_key":        "",
	"sms_recipients":     "",

	"tracing_enabled": false,
}

// Load reads configuration. A .env file in the working directory is loaded
// first if present; environment variables (upper-cased keys, e.g.
// ANGEL_API_KEY) override values from the optional config file at path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		Mode:        strings.ToLower(v.GetString("mode")),
		ServiceName: v.GetString("service_name"),
		LogLevel:    v.GetString("log_level"),

		AngelAPIKey:     v.GetString("angel_api_key"),
		AngelClientCode: v.GetString("angel_client_code"),
		AngelPassword:   v.GetString("angel_password"),
		AngelTOTPSecret: v.GetString("angel_totp_secret"),
		AngelRootURL:    v.GetString("angel_root_url"),
		AngelFeedURL:    v.GetString("angel_feed_url"),

		SessionTTL:          v.GetDuration("session_ttl"),
		SessionSafetyMargin: v.GetDuration("session_safety_margin"),
		LoginTimeout:        v.GetDuration("login_timeout"),

		RateLimit:       v.GetFloat64("rate_limit"),
		RateBurst:       v.GetInt("rate_burst"),
		AcquireTimeout:  v.GetDuration("acquire_timeout"),
		AttemptTimeout:  v.GetDuration("attempt_timeout"),
		DispatchTimeout: v.GetDuration("dispatch_timeout"),
		RetryAttempts:   v.GetInt("retry_attempts"),
		RetryBase:       v.GetDuration("retry_base"),
		RetryMax:        v.GetDuration("retry_max"),
		BreakerFailures: v.GetInt("breaker_failures"),
		BreakerReset:    v.GetDuration("breaker_reset"),

		ReconcileInterval:       v.GetDuration("reconcile_interval"),
		ReconcilePriceTolerance: v.GetString("reconcile_price_tolerance"),
		ReconcileTimeTolerance:  v.GetDuration("reconcile_time_tolerance"),
		ReconcileFillLookback:   v.GetDuration("reconcile_fill_lookback"),

		MaxPositionSize:  v.GetInt64("max_position_size"),
		MaxOpenPositions: v.GetInt("max_open_positions"),
		MaxDailyLoss:     v.GetString("max_daily_loss"),
		MaxOrderNotional: v.GetString("max_order_notional"),

		PaperSlippageBps: v.GetInt64("paper_slippage_bps"),
		PaperFillDelay:   v.GetDuration("paper_fill_delay"),

		MarketHolidays: splitList(v.GetString("market_holidays")),
		PreOpenLead:    v.GetDuration("preopen_lead"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		RedisRequired: v.GetBool("redis_required"),
		SQLitePath:    v.GetString("sqlite_path"),
		MetricsAddr:   v.GetString("metrics_addr"),
		ConsumerGroup: v.GetString("consumer_group"),
		ConsumerName:  v.GetString("consumer_name"),

		WebhookURL:       v.GetString("webhook_url"),
		TelegramBotToken: v.GetString("telegram_bot_token"),
		TelegramChatID:   v.GetString("telegram_chat_id"),
		SMSGatewayURL:    v.GetString("sms_gateway_url"),
		SMSAPIKey:        v.GetString("sms_api_key"),
		SMSRecipients:    splitList(v.GetString("sms_recipients")),

		TracingEnabled: v.GetBool("tracing_enabled"),
	}
	return cfg, nil
}

// Paper reports whether the engine trades against the in-memory broker.
func (c *Config) Paper() bool { return c.Mode == ModePaper }

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Mode != ModeLive && c.Mode != ModePaper {
		return model.WrapError(model.ErrConfigInvalid, fmt.Errorf("mode must be %q or %q, got %q", ModeLive, ModePaper, c.Mode))
	}
	if !c.Paper() {
		for _, kv := range [][2]string{
			{"ANGEL_API_KEY", c.AngelAPIKey},
			{"ANGEL_CLIENT_CODE", c.AngelClientCode},
			{"ANGEL_PASSWORD", c.AngelPassword},
			{"ANGEL_TOTP_SECRET", c.AngelTOTPSecret},
		} {
			if kv[1] == "" {
				return model.WrapError(model.ErrConfigMissing, fmt.Errorf("%s not set", kv[0]))
			}
		}
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return model.WrapError(model.ErrConfigInvalid, fmt.Errorf("rate limit %.2f/s burst %d", c.RateLimit, c.RateBurst))
	}
	if c.RetryAttempts < 1 {
		return model.WrapError(model.ErrConfigInvalid, fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts))
	}
	if c.SessionSafetyMargin >= c.SessionTTL {
		return model.WrapError(model.ErrConfigInvalid, fmt.Errorf("session safety margin %s must be below ttl %s", c.SessionSafetyMargin, c.SessionTTL))
	}
	for key, val := range map[string]string{
		"reconcile_price_tolerance": c.ReconcilePriceTolerance,
		"max_daily_loss":            c.MaxDailyLoss,
		"max_order_notional":        c.MaxOrderNotional,
	} {
		d, err := decimal.NewFromString(val)
		if err != nil {
			return model.WrapError(model.ErrConfigInvalid, fmt.Errorf("%s: %w", key, err))
		}
		if d.IsNegative() {
			return model.WrapError(model.ErrConfigInvalid, fmt.Errorf("%s cannot be negative", key))
		}
	}
	if _, err := markethours.NewCalendar(c.MarketHolidays); err != nil {
		return model.WrapError(model.ErrConfigInvalid, err)
	}
	if c.RedisRequired && c.RedisAddr == "" {
		return model.WrapError(model.ErrConfigMissing, fmt.Errorf("redis_required is set but REDIS_ADDR is empty"))
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == "" {
		return model.WrapError(model.ErrConfigMissing, fmt.Errorf("telegram_chat_id required with a bot token"))
	}
	if c.SMSGatewayURL != "" && len(c.SMSRecipients) == 0 {
		return model.WrapError(model.ErrConfigMissing, fmt.Errorf("sms_recipients required with an SMS gateway"))
	}
	return nil
}

// Decimal parses a decimal setting already checked by Validate.
func Decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
