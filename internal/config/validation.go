package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

func validate(cfg *Config) error {
	var problems []string
	if strings.TrimSpace(cfg.Exchange.ActiveEndpoint()) == "" {
		problems = append(problems, "exchange.endpoint is required")
	}
	if strings.TrimSpace(cfg.Exchange.Credentials.ClientID) == "" {
		problems = append(problems, "exchange.credentials.client_id is required")
	}
	if strings.TrimSpace(cfg.Exchange.Credentials.ClientSecret) == "" {
		problems = append(problems, "exchange.credentials.client_secret is required")
	}
	if strings.TrimSpace(cfg.Exchange.ProfilePath) == "" {
		problems = append(problems, "exchange.profile_path is required")
	}
	if cfg.Risk.MaxPositionSize.Sign() <= 0 {
		problems = append(problems, "risk.max_position_size must be positive")
	}
	if cfg.Risk.MaxOrderNotional.Sign() <= 0 {
		problems = append(problems, "risk.max_order_notional must be positive")
	}
	if cfg.Risk.MaxDrawdownFraction.Sign() <= 0 || cfg.Risk.MaxDrawdownFraction.GreaterThan(one) {
		problems = append(problems, "risk.max_drawdown_fraction must be in (0, 1]")
	}
	if cfg.Session.ReconnectMin > cfg.Session.ReconnectMax {
		problems = append(problems, "session.reconnect_min must not exceed session.reconnect_max")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
