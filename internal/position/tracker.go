// Package position derives the current position from fills and corrects it
// against exchange snapshots. Weighted-average-cost accounting: realized P&L
// is booked whenever a fill reduces absolute size, against the running
// average entry.
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpd/internal/events"
	"perpd/internal/ledger"
	"perpd/internal/logger"
	"perpd/internal/metrics"
)

type Position struct {
	Instrument    string          `json:"instrument"`
	NetSize       decimal.Decimal `json:"net_size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Balance struct {
	Currency   string          `json:"currency"`
	Equity     decimal.Decimal `json:"equity"`
	Available  decimal.Decimal `json:"available"`
	PeakEquity decimal.Decimal `json:"peak_equity"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type Tracker struct {
	mu         sync.Mutex
	instrument string
	net        decimal.Decimal
	avgEntry   decimal.Decimal
	realized   decimal.Decimal
	mark       decimal.Decimal
	balance    Balance

	bus *events.Bus
}

func NewTracker(instrument string, bus *events.Bus) *Tracker {
	return &Tracker{instrument: instrument, bus: bus}
}

// OnFill folds one execution into the position.
func (t *Tracker) OnFill(fill ledger.Fill) {
	t.mu.Lock()
	defer t.mu.Unlock()

	signed := fill.Quantity.Mul(fill.Side.Sign())
	switch {
	case t.net.IsZero() || t.net.Sign() == signed.Sign():
		// Opening or adding: new weighted average entry.
		absNet := t.net.Abs()
		total := absNet.Add(fill.Quantity)
		notional := t.avgEntry.Mul(absNet).Add(fill.Price.Mul(fill.Quantity))
		t.avgEntry = notional.Div(total)
		t.net = t.net.Add(signed)
	default:
		// Reducing, possibly crossing through zero.
		absNet := t.net.Abs()
		closeQty := decimal.Min(fill.Quantity, absNet)
		direction := decimal.NewFromInt(int64(t.net.Sign()))
		t.realized = t.realized.Add(fill.Price.Sub(t.avgEntry).Mul(closeQty).Mul(direction))
		t.net = t.net.Add(signed)
		if t.net.IsZero() {
			t.avgEntry = decimal.Zero
		} else if t.net.Sign() != int(direction.IntPart()) {
			// Crossed zero: the remainder is a fresh position with the
			// fill price as its cost basis.
			t.avgEntry = fill.Price
		}
	}
	t.emitLocked()
}

// MarkPrice refreshes the mark used for unrealized P&L.
func (t *Tracker) MarkPrice(px decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mark = px
}

func (t *Tracker) unrealizedLocked() decimal.Decimal {
	if t.net.IsZero() || t.mark.IsZero() {
		return decimal.Zero
	}
	return t.mark.Sub(t.avgEntry).Mul(t.net)
}

func (t *Tracker) Snapshot() Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Position{
		Instrument:    t.instrument,
		NetSize:       t.net,
		AvgEntryPrice: t.avgEntry,
		RealizedPnL:   t.realized,
		UnrealizedPnL: t.unrealizedLocked(),
		MarkPrice:     t.mark,
		UpdatedAt:     time.Now().UTC(),
	}
}

// External is the exchange-reported position used as reconciliation ground
// truth.
type External struct {
	NetSize       decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	MarkPrice     decimal.Decimal
}

// Reconcile compares local state to the exchange snapshot. Within tolerance
// nothing changes. Beyond it the snapshot wins wholesale and a mismatch
// event is raised for audit.
func (t *Tracker) Reconcile(snap External, tolerance decimal.Decimal) (drift decimal.Decimal, overwritten bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	drift = t.net.Sub(snap.NetSize).Abs()
	if snap.MarkPrice.Sign() > 0 {
		t.mark = snap.MarkPrice
	}
	if drift.LessThanOrEqual(tolerance) {
		return drift, false
	}

	logger.Warnf("position: reconcile mismatch on %s: local net %s vs exchange %s (drift %s), overwriting",
		t.instrument, t.net, snap.NetSize, drift)
	metrics.ReconcileMismatches.Inc()
	if t.bus != nil {
		evt := events.New(events.KindReconcile)
		evt.Reconcile = &events.ReconcileEvent{
			Instrument:   t.instrument,
			LocalSize:    t.net,
			SnapshotSize: snap.NetSize,
			Drift:        drift,
			Overwritten:  true,
		}
		t.bus.Publish(evt)
	}

	t.net = snap.NetSize
	t.avgEntry = snap.AvgEntryPrice
	if snap.RealizedPnL.Sign() != 0 {
		t.realized = snap.RealizedPnL
	}
	t.emitLocked()
	return drift, true
}

// SetBalance records the latest account summary and tracks peak equity for
// the drawdown guard.
func (t *Tracker) SetBalance(currency string, equity, available decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balance.Currency = currency
	t.balance.Equity = equity
	t.balance.Available = available
	t.balance.UpdatedAt = time.Now().UTC()
	if equity.GreaterThan(t.balance.PeakEquity) {
		t.balance.PeakEquity = equity
	}
}

func (t *Tracker) Balance() Balance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

// Drawdown is 1 - equity/peak, including unrealized P&L already reflected in
// equity. Zero until a balance has been observed.
func (t *Tracker) Drawdown() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balance.PeakEquity.Sign() <= 0 {
		return decimal.Zero
	}
	dd := decimal.NewFromInt(1).Sub(t.balance.Equity.Div(t.balance.PeakEquity))
	if dd.Sign() < 0 {
		return decimal.Zero
	}
	return dd
}

func (t *Tracker) emitLocked() {
	if t.bus == nil {
		return
	}
	evt := events.New(events.KindPosition)
	evt.Position = &events.PositionEvent{
		Instrument:    t.instrument,
		NetSize:       t.net,
		AvgEntryPrice: t.avgEntry,
		RealizedPnL:   t.realized,
		UnrealizedPnL: t.unrealizedLocked(),
	}
	t.bus.Publish(evt)
}
