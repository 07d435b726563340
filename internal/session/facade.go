package session

import (
	"context"
	"encoding/json"
	"fmt"

	"perpd/internal/wire"
)

// The transport is consumed through narrow capabilities so the ledger,
// tracker, and strategies can be tested against doubles instead of a socket.

// OrderSink is the order-entry capability.
type OrderSink interface {
	PlaceOrder(ctx context.Context, side string, params wire.OrderParams) (wire.OrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (wire.OrderState, error)
}

// AccountQuery reads exchange-side truth for reconciliation.
type AccountQuery interface {
	OrderStatus(ctx context.Context, exchangeOrderID string) (wire.OrderState, error)
	OpenOrders(ctx context.Context, instrument string) ([]wire.OrderState, error)
	Position(ctx context.Context, instrument string) (wire.PositionSnapshot, error)
	AccountSummary(ctx context.Context, currency string) (wire.AccountSummary, error)
}

// MarketDataSource manages raw channel subscriptions.
type MarketDataSource interface {
	Subscribe(ctx context.Context, channels []string) error
	Unsubscribe(ctx context.Context, channels []string) error
}

// PlaceOrder routes to the profile's buy or sell method by side.
func (t *Transport) PlaceOrder(ctx context.Context, side string, params wire.OrderParams) (wire.OrderAck, error) {
	profile := t.profiles.Current()
	method := profile.Methods.PlaceBuy
	if side == "sell" {
		method = profile.Methods.PlaceSell
	}
	raw, err := t.Call(ctx, method, params)
	if err != nil {
		return wire.OrderAck{}, err
	}
	var ack wire.OrderAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return wire.OrderAck{}, &wire.ProtocolError{Reason: fmt.Sprintf("unparseable %s result: %v", method, err)}
	}
	return ack, nil
}

func (t *Transport) CancelOrder(ctx context.Context, exchangeOrderID string) (wire.OrderState, error) {
	profile := t.profiles.Current()
	raw, err := t.Call(ctx, profile.Methods.Cancel, wire.CancelParams{OrderID: exchangeOrderID})
	if err != nil {
		return wire.OrderState{}, err
	}
	var state wire.OrderState
	if err := json.Unmarshal(raw, &state); err != nil {
		return wire.OrderState{}, &wire.ProtocolError{Reason: fmt.Sprintf("unparseable cancel result: %v", err)}
	}
	return state, nil
}

func (t *Transport) OrderStatus(ctx context.Context, exchangeOrderID string) (wire.OrderState, error) {
	profile := t.profiles.Current()
	raw, err := t.Call(ctx, profile.Methods.OrderState, wire.CancelParams{OrderID: exchangeOrderID})
	if err != nil {
		return wire.OrderState{}, err
	}
	var state wire.OrderState
	if err := json.Unmarshal(raw, &state); err != nil {
		return wire.OrderState{}, &wire.ProtocolError{Reason: fmt.Sprintf("unparseable order state: %v", err)}
	}
	return state, nil
}

// OpenOrders lists the exchange's open orders for an instrument, used to
// resolve orders whose placement outcome was ambiguous. Returns nil when the
// profile defines no such method; callers fall back to per-order queries.
func (t *Transport) OpenOrders(ctx context.Context, instrument string) ([]wire.OrderState, error) {
	profile := t.profiles.Current()
	if profile.Methods.OpenOrders == "" {
		return nil, nil
	}
	raw, err := t.Call(ctx, profile.Methods.OpenOrders, map[string]string{"instrument_name": instrument})
	if err != nil {
		return nil, err
	}
	var states []wire.OrderState
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, &wire.ProtocolError{Reason: fmt.Sprintf("unparseable open orders: %v", err)}
	}
	return states, nil
}

func (t *Transport) Position(ctx context.Context, instrument string) (wire.PositionSnapshot, error) {
	profile := t.profiles.Current()
	raw, err := t.Call(ctx, profile.Methods.Position, map[string]string{"instrument_name": instrument})
	if err != nil {
		return wire.PositionSnapshot{}, err
	}
	var snap wire.PositionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return wire.PositionSnapshot{}, &wire.ProtocolError{Reason: fmt.Sprintf("unparseable position snapshot: %v", err)}
	}
	return snap, nil
}

func (t *Transport) AccountSummary(ctx context.Context, currency string) (wire.AccountSummary, error) {
	profile := t.profiles.Current()
	raw, err := t.Call(ctx, profile.Methods.AccountSummary, map[string]string{"currency": currency})
	if err != nil {
		return wire.AccountSummary{}, err
	}
	var summary wire.AccountSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return wire.AccountSummary{}, &wire.ProtocolError{Reason: fmt.Sprintf("unparseable account summary: %v", err)}
	}
	return summary, nil
}

// Subscribe and Unsubscribe skip the authenticated-state check: they run
// during the ready hook, before the transport reports Authenticated.
func (t *Transport) Subscribe(ctx context.Context, channels []string) error {
	profile := t.profiles.Current()
	_, err := t.call(ctx, profile.Methods.Subscribe, wire.SubscribeParams{Channels: channels}, false)
	return err
}

func (t *Transport) Unsubscribe(ctx context.Context, channels []string) error {
	profile := t.profiles.Current()
	if profile.Methods.Unsubscribe == "" {
		return nil
	}
	_, err := t.call(ctx, profile.Methods.Unsubscribe, wire.SubscribeParams{Channels: channels}, false)
	return err
}
