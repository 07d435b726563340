package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the immutable startup configuration. It is constructed once by
// Load and passed by reference into component constructors; nothing mutates
// it afterwards.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Session  SessionConfig  `mapstructure:"session"`
	Risk     RiskConfig     `mapstructure:"risk"`
}

type AppConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogPath   string `mapstructure:"log_path"`
	HTTPAddr  string `mapstructure:"http_addr"`
}

type Credentials struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type ExchangeConfig struct {
	Endpoint     string      `mapstructure:"endpoint"`
	TestEndpoint string      `mapstructure:"test_endpoint"`
	UseTestnet   bool        `mapstructure:"use_testnet"`
	Credentials  Credentials `mapstructure:"credentials"`
	Instrument   string      `mapstructure:"instrument"`
	Currency     string      `mapstructure:"currency"`
	ProfilePath  string      `mapstructure:"profile_path"`
}

// ActiveEndpoint resolves the websocket URL honoring the testnet switch.
func (e ExchangeConfig) ActiveEndpoint() string {
	if e.UseTestnet && e.TestEndpoint != "" {
		return e.TestEndpoint
	}
	return e.Endpoint
}

// SessionConfig holds every transport tunable.
type SessionConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	ReconnectMin       time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax       time.Duration `mapstructure:"reconnect_max"`
	TokenRefreshMargin time.Duration `mapstructure:"token_refresh_margin"`
	FillGapTimeout     time.Duration `mapstructure:"fill_gap_timeout"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
}

type RiskConfig struct {
	MaxPositionSize     decimal.Decimal `mapstructure:"max_position_size"`
	MaxOrderNotional    decimal.Decimal `mapstructure:"max_order_notional"`
	MaxDrawdownFraction decimal.Decimal `mapstructure:"max_drawdown_fraction"`
	ReconcileTolerance  decimal.Decimal `mapstructure:"reconcile_tolerance"`
}
