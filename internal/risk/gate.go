// Package risk is the synchronous pre-trade checkpoint. Every placement
// passes through Authorize before it may reach the transport; a denied
// intent never touches the network.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"perpd/internal/config"
	"perpd/internal/events"
	"perpd/internal/ledger"
	"perpd/internal/metrics"
	"perpd/internal/position"
)

const (
	ReasonPositionLimit = "position_limit"
	ReasonNotionalLimit = "notional_limit"
	ReasonDrawdown      = "drawdown"
	ReasonNoPrice       = "no_price"
)

// Denied is the expected, caller-visible rejection. Not a bug: strategies
// must handle it.
type Denied struct {
	Reason string
	Detail string
}

func (e *Denied) Error() string {
	return fmt.Sprintf("risk: denied (%s): %s", e.Reason, e.Detail)
}

// PositionView is the slice of tracker state the gate reads.
type PositionView interface {
	Snapshot() position.Position
	Drawdown() decimal.Decimal
}

// ExposureView reports open-order exposure from the ledger.
type ExposureView interface {
	OpenExposure(instrument string) decimal.Decimal
}

type Gate struct {
	limits config.RiskConfig
	pos    PositionView
	open   ExposureView
	bus    *events.Bus

	mu       sync.Mutex
	reserved decimal.Decimal // signed exposure approved but not yet in the ledger
}

func NewGate(limits config.RiskConfig, pos PositionView, open ExposureView, bus *events.Bus) *Gate {
	return &Gate{limits: limits, pos: pos, open: open, bus: bus}
}

// Reservation provisionally debits the exposure budget at authorization
// time. Release it once the order is recorded in the ledger (its exposure is
// then counted there) or when placement fails.
type Reservation struct {
	gate   *Gate
	amount decimal.Decimal
	once   sync.Once
}

func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.gate.mu.Lock()
		r.gate.reserved = r.gate.reserved.Sub(r.amount)
		r.gate.mu.Unlock()
	})
}

// Authorize checks an intent against the configured limits. Approval
// reserves the intent's signed exposure so a concurrent authorize cannot
// double-spend the budget before the ledger records the order.
func (g *Gate) Authorize(intent ledger.Intent) (*Reservation, error) {
	snap := g.pos.Snapshot()
	openExposure := g.open.OpenExposure(intent.Instrument)
	signed := intent.Quantity.Mul(intent.Side.Sign())

	g.mu.Lock()
	defer g.mu.Unlock()

	if deny := g.checkLocked(intent, snap, openExposure, signed); deny != nil {
		metrics.RiskDenials.WithLabelValues(deny.Reason).Inc()
		g.emit(intent, false, deny)
		return nil, deny
	}

	g.reserved = g.reserved.Add(signed)
	g.emit(intent, true, nil)
	return &Reservation{gate: g, amount: signed}, nil
}

func (g *Gate) checkLocked(intent ledger.Intent, snap position.Position, openExposure, signed decimal.Decimal) *Denied {
	price := snap.MarkPrice
	if intent.Price != nil {
		price = *intent.Price
	}
	if price.Sign() <= 0 {
		return &Denied{Reason: ReasonNoPrice, Detail: "no reference price available to value the order"}
	}

	notional := price.Mul(intent.Quantity)
	if notional.GreaterThan(g.limits.MaxOrderNotional) {
		return &Denied{
			Reason: ReasonNotionalLimit,
			Detail: fmt.Sprintf("order notional %s exceeds limit %s", notional, g.limits.MaxOrderNotional),
		}
	}

	projected := snap.NetSize.Add(openExposure).Add(g.reserved).Add(signed)
	if projected.Abs().GreaterThan(g.limits.MaxPositionSize) {
		return &Denied{
			Reason: ReasonPositionLimit,
			Detail: fmt.Sprintf("projected position %s exceeds limit %s", projected, g.limits.MaxPositionSize),
		}
	}

	if dd := g.pos.Drawdown(); dd.GreaterThanOrEqual(g.limits.MaxDrawdownFraction) {
		return &Denied{
			Reason: ReasonDrawdown,
			Detail: fmt.Sprintf("drawdown %s at or beyond limit %s", dd, g.limits.MaxDrawdownFraction),
		}
	}
	return nil
}

func (g *Gate) emit(intent ledger.Intent, approved bool, deny *Denied) {
	if g.bus == nil {
		return
	}
	evt := events.New(events.KindRisk)
	evt.Risk = &events.RiskEvent{Instrument: intent.Instrument, Approved: approved}
	if deny != nil {
		evt.Risk.Reason = deny.Reason
		evt.Risk.Detail = deny.Detail
	}
	g.bus.Publish(evt)
}
