package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"perpd/internal/ledger"
	"perpd/internal/logger"
	"perpd/internal/session"
	"perpd/internal/wire"
)

// handleNotification routes subscription pushes by comparing against the
// rendered channel names. It runs on the transport read loop, so all work
// here is lock-bounded, never network-bounded.
func (e *Engine) handleNotification(channel string, data json.RawMessage) {
	profile := e.profiles.Current()
	instrument := e.cfg.Exchange.Instrument
	switch channel {
	case renderChannel(profile.Channels.Trades, instrument):
		e.handleTrades(data)
	case renderChannel(profile.Channels.Orders, instrument):
		e.handleOrderUpdate(data)
	case renderChannel(profile.Channels.Ticker, instrument):
		e.handleTicker(data)
	case renderChannel(profile.Channels.Portfolio, instrument):
		e.handlePortfolio(data)
	default:
		logger.Debugf("engine: ignoring notification on unrouted channel %s", channel)
	}
}

func (e *Engine) handleTrades(data json.RawMessage) {
	trades, err := decodeOneOrMany[wire.Trade](data)
	if err != nil {
		logger.Warnf("engine: unparseable trades payload: %v", err)
		return
	}
	for _, trade := range trades {
		e.applyTrade(trade)
	}
}

// applyTrade resolves the trade to a ledger order and applies it as a fill,
// feeding every actually-applied fill to the position tracker.
func (e *Engine) applyTrade(trade wire.Trade) {
	clientID := trade.Label
	if clientID == "" {
		var ok bool
		clientID, ok = e.book.ClientIDForExchange(trade.OrderID)
		if !ok {
			logger.Warnf("engine: fill %s references unknown order %s, dropping", trade.TradeID, trade.OrderID)
			return
		}
	}
	fill := ledger.Fill{
		FillID:        trade.TradeID,
		ClientOrderID: clientID,
		Instrument:    trade.InstrumentName,
		Side:          ledger.Side(strings.ToLower(trade.Direction)),
		Seq:           trade.TradeSeq,
		Quantity:      trade.Amount,
		Price:         trade.Price,
		Timestamp:     time.UnixMilli(trade.Timestamp).UTC(),
	}
	applied, outcome, err := e.book.ApplyFill(fill)
	if err != nil {
		var invErr *ledger.InvariantError
		if errors.As(err, &invErr) {
			logger.Errorf("engine: %v, placement halted for %s until reconcile", invErr, fill.Instrument)
			return
		}
		if errors.Is(err, ledger.ErrUnknownOrder) {
			logger.Warnf("engine: fill %s for unknown order %s, dropping", fill.FillID, clientID)
			return
		}
		logger.Errorf("engine: applying fill %s failed: %v", fill.FillID, err)
		return
	}
	if outcome == ledger.FillBuffered {
		logger.Debugf("engine: fill %s buffered awaiting sequence gap", fill.FillID)
	}
	for _, f := range applied {
		e.tracker.OnFill(f)
	}
}

// handleOrderUpdate consumes the private orders channel. Only status moves
// are taken from it; executed quantity always comes from the trades channel
// so a fill is never double-counted.
func (e *Engine) handleOrderUpdate(data json.RawMessage) {
	states, err := decodeOneOrMany[wire.OrderState](data)
	if err != nil {
		logger.Warnf("engine: unparseable order update: %v", err)
		return
	}
	for _, state := range states {
		clientID := state.Label
		if clientID == "" {
			var ok bool
			clientID, ok = e.book.ClientIDForExchange(state.OrderID)
			if !ok {
				logger.Debugf("engine: update for unknown order %s, dropping", state.OrderID)
				continue
			}
		}
		switch strings.ToLower(state.State) {
		case "open", "untriggered":
			if err := e.book.Acknowledge(clientID, state.OrderID); err != nil && !errors.Is(err, ledger.ErrUnknownOrder) {
				logger.Warnf("engine: ack from order update failed for %s: %v", clientID, err)
			}
		case "cancelled", "canceled":
			err := e.book.ConfirmCancel(clientID)
			if err != nil && !errors.Is(err, ledger.ErrAlreadyTerminal) {
				// Exchange-initiated cancel without a local request, e.g.
				// post-only cross or liquidation engine. Adopt it.
				if reqErr := e.book.RequestCancel(clientID); reqErr == nil {
					if confErr := e.book.ConfirmCancel(clientID); confErr != nil {
						logger.Warnf("engine: adopting exchange cancel for %s failed: %v", clientID, confErr)
					}
				}
			}
		case "rejected":
			if err := e.book.Reject(clientID, state.Reason); err != nil && !errors.Is(err, ledger.ErrAlreadyTerminal) {
				logger.Warnf("engine: reject from order update failed for %s: %v", clientID, err)
			}
		}
	}
}

func (e *Engine) handleTicker(data json.RawMessage) {
	var tick wire.Ticker
	if err := json.Unmarshal(data, &tick); err != nil {
		logger.Warnf("engine: unparseable ticker: %v", err)
		return
	}
	px := tick.MarkPrice
	if px.Sign() <= 0 {
		px = tick.LastPrice
	}
	if px.Sign() > 0 {
		e.tracker.MarkPrice(px)
	}
}

func (e *Engine) handlePortfolio(data json.RawMessage) {
	var summary wire.AccountSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		logger.Warnf("engine: unparseable portfolio update: %v", err)
		return
	}
	e.tracker.SetBalance(summary.Currency, summary.Equity, summary.Available)
}

// decodeOneOrMany accepts either a single object or an array; exchanges mix
// both shapes on push channels.
func decodeOneOrMany[T any](data json.RawMessage) ([]T, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var many []T
		if err := json.Unmarshal(data, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// onReady runs inside the transport handshake, before the session reports
// Authenticated: replay subscriptions first so no data gap can open.
func (e *Engine) onReady(ctx context.Context) error {
	return e.channels.Replay(ctx)
}

func (e *Engine) onStateChange(state session.State) {
	switch state {
	case session.StateDisconnected:
		e.channels.MarkAllStale()
	case session.StateAuthenticated:
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Session.CallTimeout*3)
		defer cancel()
		e.reconcileAll(ctx)
	}
}
