package wire

import (
	"github.com/shopspring/decimal"
)

// AuthParams is the credential grant sent on connect; RefreshToken is set
// instead of the client pair when refreshing in place.
type AuthParams struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type AuthResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	TokenType    string `json:"token_type"`
}

// OrderParams carries a place-order request. Price is omitted for market
// orders; PostOnly/ReduceOnly mirror the exchange's optional flags.
type OrderParams struct {
	InstrumentName string           `json:"instrument_name"`
	Amount         decimal.Decimal  `json:"amount"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Type           string           `json:"type"`
	Label          string           `json:"label,omitempty"`
	PostOnly       bool             `json:"post_only,omitempty"`
	ReduceOnly     bool             `json:"reduce_only,omitempty"`
}

type CancelParams struct {
	OrderID string `json:"order_id"`
}

type SubscribeParams struct {
	Channels []string `json:"channels"`
}

// OrderState is the exchange's view of an order, returned by place/cancel
// acks and order-state queries.
type OrderState struct {
	OrderID        string          `json:"order_id"`
	Label          string          `json:"label,omitempty"`
	InstrumentName string          `json:"instrument_name"`
	Direction      string          `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	FilledAmount   decimal.Decimal `json:"filled_amount"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	State          string          `json:"order_state"`
	Reason         string          `json:"reject_reason,omitempty"`
}

// OrderAck wraps the order placement response; some exchanges nest the order
// next to the trades it immediately produced.
type OrderAck struct {
	Order  OrderState `json:"order"`
	Trades []Trade    `json:"trades,omitempty"`
}

// Trade is a single execution. TradeSeq orders fills within one order.
type Trade struct {
	TradeID        string          `json:"trade_id"`
	TradeSeq       uint64          `json:"trade_seq"`
	OrderID        string          `json:"order_id"`
	Label          string          `json:"label,omitempty"`
	InstrumentName string          `json:"instrument_name"`
	Direction      string          `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	Timestamp      int64           `json:"timestamp"` // ms epoch
}

// PositionSnapshot is the exchange-reported ground truth used by
// reconciliation.
type PositionSnapshot struct {
	InstrumentName string          `json:"instrument_name"`
	Size           decimal.Decimal `json:"size"` // signed, positive = long
	AveragePrice   decimal.Decimal `json:"average_price"`
	RealizedPnL    decimal.Decimal `json:"realized_profit_loss"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
}

type AccountSummary struct {
	Currency  string          `json:"currency"`
	Equity    decimal.Decimal `json:"equity"`
	Available decimal.Decimal `json:"available_funds"`
	Balance   decimal.Decimal `json:"balance"`
}

type Ticker struct {
	InstrumentName string          `json:"instrument_name"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	LastPrice      decimal.Decimal `json:"last_price"`
	Timestamp      int64           `json:"timestamp"`
}
