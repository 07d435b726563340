package config

import (
	"time"

	"github.com/shopspring/decimal"
)

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "text"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":9980"
	}
	if c.Exchange.Instrument == "" {
		c.Exchange.Instrument = "BTC-PERPETUAL"
	}
	if c.Exchange.Currency == "" {
		c.Exchange.Currency = "BTC"
	}
	if c.Session.HeartbeatInterval <= 0 {
		c.Session.HeartbeatInterval = 30 * time.Second
	}
	if c.Session.CallTimeout <= 0 {
		c.Session.CallTimeout = 10 * time.Second
	}
	if c.Session.ReconnectMin <= 0 {
		c.Session.ReconnectMin = 500 * time.Millisecond
	}
	if c.Session.ReconnectMax <= 0 {
		c.Session.ReconnectMax = 60 * time.Second
	}
	if c.Session.TokenRefreshMargin <= 0 {
		c.Session.TokenRefreshMargin = 2 * time.Minute
	}
	if c.Session.FillGapTimeout <= 0 {
		c.Session.FillGapTimeout = 5 * time.Second
	}
	if c.Session.ReconcileInterval <= 0 {
		c.Session.ReconcileInterval = time.Minute
	}
	if c.Risk.MaxDrawdownFraction.IsZero() {
		c.Risk.MaxDrawdownFraction = decimal.NewFromFloat(0.25)
	}
	if c.Risk.ReconcileTolerance.IsZero() {
		c.Risk.ReconcileTolerance = decimal.NewFromFloat(0.00000001)
	}
}
