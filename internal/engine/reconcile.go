package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"perpd/internal/ledger"
	"perpd/internal/logger"
	"perpd/internal/position"
	"perpd/internal/wire"
)

// newOrderGrace is how long an unacknowledged order may sit before a
// reconcile pass that cannot find it on the exchange declares it never
// placed.
var newOrderGrace = 5 * time.Second

// reconcileAll refreshes every piece of local state from exchange truth:
// position, balance, and all non-terminal orders. It runs after each
// reconnect and on the periodic reconcile tick.
func (e *Engine) reconcileAll(ctx context.Context) {
	instrument := e.cfg.Exchange.Instrument

	snap, err := e.conn.Position(ctx, instrument)
	if err != nil {
		logger.Warnf("engine: position reconcile skipped, snapshot failed: %v", err)
	} else {
		ext := position.External{
			NetSize:       snap.Size,
			AvgEntryPrice: snap.AveragePrice,
			RealizedPnL:   snap.RealizedPnL,
			MarkPrice:     snap.MarkPrice,
		}
		drift, overwritten := e.tracker.Reconcile(ext, e.cfg.Risk.ReconcileTolerance)
		if overwritten {
			logger.Warnf("engine: position overwritten from exchange snapshot (drift %s)", drift)
		}
	}

	summary, err := e.conn.AccountSummary(ctx, e.cfg.Exchange.Currency)
	if err != nil {
		logger.Warnf("engine: balance refresh failed: %v", err)
	} else {
		e.tracker.SetBalance(summary.Currency, summary.Equity, summary.Available)
	}

	e.reconcileOrders(ctx, instrument)

	// A successful pass restores trustworthy state; lift any invariant halt.
	if e.book.IsHalted(instrument) {
		e.book.ResumeInstrument(instrument)
	}
}

// reconcileOrders resolves every non-terminal local order against the
// exchange: acknowledged orders by id query, never-acknowledged orders by
// label match against the open-orders listing; exchange-reported truth
// wins, and absence from a successful listing past the grace period means
// the placement never happened.
func (e *Engine) reconcileOrders(ctx context.Context, instrument string) {
	open := e.book.Open()
	if len(open) == 0 {
		return
	}

	listed, listErr := e.conn.OpenOrders(ctx, instrument)
	if listErr != nil {
		logger.Warnf("engine: open-orders listing failed: %v", listErr)
	}
	byLabel := make(map[string]wire.OrderState, len(listed))
	for _, state := range listed {
		if state.Label != "" {
			byLabel[state.Label] = state
		}
	}

	for _, order := range open {
		if order.ExchangeOrderID != "" {
			if err := e.syncOrder(ctx, order.ClientOrderID, order.ExchangeOrderID); err != nil {
				logger.Warnf("engine: reconciling order %s failed: %v", order.ClientOrderID, err)
			}
			continue
		}

		// Ambiguous placement: no ack ever arrived. Without an actual
		// listing there is no exchange truth to adopt, so the order stays
		// open until a later pass obtains one.
		if listErr != nil {
			continue
		}
		if state, ok := byLabel[order.ClientOrderID]; ok {
			if err := e.book.SyncFromExchange(order.ClientOrderID, reportFromState(state)); err != nil {
				logger.Warnf("engine: adopting exchange state for %s failed: %v", order.ClientOrderID, err)
			}
			continue
		}
		if time.Since(order.CreatedAt) > newOrderGrace {
			// Not on the exchange and old enough that it would be if the
			// request had landed: the placement never happened.
			if err := e.book.Reject(order.ClientOrderID, "not found on exchange after reconcile"); err != nil &&
				!errors.Is(err, ledger.ErrAlreadyTerminal) {
				logger.Warnf("engine: closing out unplaced order %s failed: %v", order.ClientOrderID, err)
			}
		}
	}
}

// syncOrder queries one order's exchange state and adopts it.
func (e *Engine) syncOrder(ctx context.Context, clientID, exchangeID string) error {
	state, err := e.conn.OrderStatus(ctx, exchangeID)
	if err != nil {
		var rpcErr *wire.RPCError
		if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "not_found") {
			return e.book.SyncFromExchange(clientID, ledger.ExchangeReport{State: "cancelled", Reason: "unknown to exchange"})
		}
		return err
	}
	return e.book.SyncFromExchange(clientID, reportFromState(state))
}

func reportFromState(state wire.OrderState) ledger.ExchangeReport {
	return ledger.ExchangeReport{
		ExchangeOrderID: state.OrderID,
		State:           state.State,
		FilledQuantity:  state.FilledAmount,
		AvgFillPrice:    state.AveragePrice,
		Reason:          state.Reason,
	}
}
