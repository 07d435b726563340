// Package engine wires the risk gate, order ledger, position tracker, and
// session transport into the interface strategies consume. Strategies see
// PlaceOrder/CancelOrder/GetPosition/GetOpenOrders and an event stream;
// everything else is internal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"perpd/internal/config"
	"perpd/internal/events"
	"perpd/internal/ledger"
	"perpd/internal/logger"
	"perpd/internal/metrics"
	"perpd/internal/position"
	"perpd/internal/risk"
	"perpd/internal/session"
	"perpd/internal/subs"
	"perpd/internal/wire"
)

// Conn is the transport surface the engine depends on. *session.Transport
// satisfies it; tests substitute doubles.
type Conn interface {
	session.OrderSink
	session.AccountQuery
	OnNotification(session.NotificationHandler)
	OnStateChange(session.StateHandler)
	OnReady(func(context.Context) error)
	State() session.State
}

type Engine struct {
	cfg      *config.Config
	profiles *config.ProfileStore
	conn     Conn
	channels *subs.Manager
	book     *ledger.Ledger
	tracker  *position.Tracker
	gate     *risk.Gate
	bus      *events.Bus

	// placeMu makes authorize-and-create atomic with respect to concurrent
	// placements; fills contend on the ledger/tracker locks below it.
	placeMu sync.Mutex
}

func New(cfg *config.Config, profiles *config.ProfileStore, conn Conn, channels *subs.Manager,
	book *ledger.Ledger, tracker *position.Tracker, gate *risk.Gate, bus *events.Bus) *Engine {
	e := &Engine{
		cfg:      cfg,
		profiles: profiles,
		conn:     conn,
		channels: channels,
		book:     book,
		tracker:  tracker,
		gate:     gate,
		bus:      bus,
	}
	conn.OnNotification(e.handleNotification)
	conn.OnReady(e.onReady)
	conn.OnStateChange(e.onStateChange)
	return e
}

// Start registers the instrument's standing subscriptions. Called once after
// the first successful connect.
func (e *Engine) Start(ctx context.Context) error {
	for _, ch := range e.standingChannels() {
		if err := e.channels.Subscribe(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) standingChannels() []string {
	profile := e.profiles.Current()
	instrument := e.cfg.Exchange.Instrument
	names := []string{
		renderChannel(profile.Channels.Orders, instrument),
		renderChannel(profile.Channels.Trades, instrument),
		renderChannel(profile.Channels.Ticker, instrument),
	}
	if profile.Channels.Portfolio != "" {
		names = append(names, renderChannel(profile.Channels.Portfolio, instrument))
	}
	return names
}

// renderChannel substitutes the instrument into a configured channel
// template, e.g. "user.trades.{instrument}.raw".
func renderChannel(template, instrument string) string {
	return strings.ReplaceAll(template, "{instrument}", instrument)
}

// Run drives the engine's timers: gap-buffer flushing and periodic
// reconciliation. Blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	gapTick := time.NewTicker(e.cfg.Session.FillGapTimeout / 2)
	defer gapTick.Stop()
	reconcileTick := time.NewTicker(e.cfg.Session.ReconcileInterval)
	defer reconcileTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gapTick.C:
			for _, fill := range e.book.FlushGaps(e.cfg.Session.FillGapTimeout) {
				e.tracker.OnFill(fill)
			}
		case <-reconcileTick.C:
			if e.conn.State() == session.StateAuthenticated {
				// Channels left stale by a failed replay get another try.
				if err := e.channels.Replay(ctx); err != nil {
					logger.Warnf("engine: stale channel replay failed: %v", err)
				}
				e.reconcileAll(ctx)
			}
		}
	}
}

// PlaceOrder authorizes, records, and transmits an order. The returned
// client-order-id is non-empty whenever the order was recorded, including
// the ambiguous failure paths (disconnect, timeout) the caller must
// reconcile rather than retry blindly.
func (e *Engine) PlaceOrder(ctx context.Context, intent ledger.Intent) (string, error) {
	if !intent.Side.Valid() {
		return "", fmt.Errorf("engine: invalid side %q", intent.Side)
	}
	if intent.Quantity.Sign() <= 0 {
		return "", fmt.Errorf("engine: quantity must be positive")
	}
	if intent.Instrument == "" {
		intent.Instrument = e.cfg.Exchange.Instrument
	}
	// Fail fast while disconnected: nothing is queued, the caller knows no
	// request was sent. A disconnect racing past this check is caught by the
	// reconcile pass instead.
	if e.conn.State() != session.StateAuthenticated {
		metrics.Orders.WithLabelValues(string(intent.Side), "failed").Inc()
		return "", session.ErrDisconnected
	}

	e.placeMu.Lock()
	reservation, err := e.gate.Authorize(intent)
	if err != nil {
		e.placeMu.Unlock()
		metrics.Orders.WithLabelValues(string(intent.Side), "denied").Inc()
		return "", err
	}
	order, err := e.book.Create(intent)
	if err != nil {
		reservation.Release()
		e.placeMu.Unlock()
		metrics.Orders.WithLabelValues(string(intent.Side), "failed").Inc()
		return "", err
	}
	// The ledger now carries the order's exposure; the provisional debit
	// would double-count it.
	reservation.Release()
	e.placeMu.Unlock()

	params := wire.OrderParams{
		InstrumentName: order.Instrument,
		Amount:         order.Quantity,
		Price:          order.Price,
		Type:           orderType(intent),
		Label:          order.ClientOrderID,
		PostOnly:       order.PostOnly,
		ReduceOnly:     order.ReduceOnly,
	}
	ack, err := e.conn.PlaceOrder(ctx, string(order.Side), params)
	if err != nil {
		return e.handlePlacementError(order, err)
	}

	if err := e.book.Acknowledge(order.ClientOrderID, ack.Order.OrderID); err != nil {
		logger.Warnf("engine: acknowledging order %s failed: %v", order.ClientOrderID, err)
	}
	metrics.Orders.WithLabelValues(string(order.Side), "accepted").Inc()

	// Immediate executions ride along with the ack; fill-id dedupe makes
	// the overlapping trades-channel pushes harmless.
	for _, trade := range ack.Trades {
		e.applyTrade(trade)
	}
	return order.ClientOrderID, nil
}

func orderType(intent ledger.Intent) string {
	if intent.Market() {
		return "market"
	}
	return "limit"
}

func (e *Engine) handlePlacementError(order ledger.Order, err error) (string, error) {
	var rpcErr *wire.RPCError
	if errors.As(err, &rpcErr) {
		// The exchange saw and refused the request: a definite outcome.
		if rejErr := e.book.Reject(order.ClientOrderID, rpcErr.Message); rejErr != nil {
			logger.Warnf("engine: rejecting order %s failed: %v", order.ClientOrderID, rejErr)
		}
		metrics.Orders.WithLabelValues(string(order.Side), "rejected").Inc()
		return order.ClientOrderID, fmt.Errorf("engine: order rejected: %w", rpcErr)
	}
	// Disconnect or timeout: the request may or may not have been processed.
	// The order stays in the ledger for the reconcile pass to resolve
	// against exchange truth.
	metrics.Orders.WithLabelValues(string(order.Side), "failed").Inc()
	logger.Warnf("engine: order %s outcome unknown (%v), will reconcile", order.ClientOrderID, err)
	return order.ClientOrderID, err
}

// CancelOrder requests cancellation. A terminal target is a benign no-op.
func (e *Engine) CancelOrder(ctx context.Context, clientOrderID string) error {
	err := e.book.RequestCancel(clientOrderID)
	if errors.Is(err, ledger.ErrAlreadyTerminal) {
		logger.Infof("engine: cancel of %s ignored, order already terminal", clientOrderID)
		return nil
	}
	if err != nil {
		return err
	}

	order, ok := e.book.Get(clientOrderID)
	if !ok {
		return ledger.ErrUnknownOrder
	}
	if order.ExchangeOrderID == "" {
		// Never acknowledged; the reconcile pass will either find it on the
		// exchange and cancel then, or confirm it was never placed.
		logger.Warnf("engine: order %s has no exchange id yet, cancel deferred to reconcile", clientOrderID)
		return nil
	}

	state, err := e.conn.CancelOrder(ctx, order.ExchangeOrderID)
	if err != nil {
		var rpcErr *wire.RPCError
		if errors.As(err, &rpcErr) {
			// Typically "order not open": already filled or cancelled
			// server-side. Adopt whatever the exchange reports.
			return e.syncOrder(ctx, clientOrderID, order.ExchangeOrderID)
		}
		// Ambiguous: stays CancelPending until reconciled.
		return err
	}
	if strings.EqualFold(state.State, "cancelled") || strings.EqualFold(state.State, "canceled") || state.State == "" {
		if err := e.book.ConfirmCancel(clientOrderID); err != nil && !errors.Is(err, ledger.ErrAlreadyTerminal) {
			return err
		}
		return nil
	}
	return e.syncOrder(ctx, clientOrderID, order.ExchangeOrderID)
}

// GetPosition returns the tracker's current snapshot.
func (e *Engine) GetPosition() position.Position {
	return e.tracker.Snapshot()
}

// GetOpenOrders returns copies of all non-terminal orders.
func (e *Engine) GetOpenOrders() []ledger.Order {
	return e.book.Open()
}

// OrderByID looks up any order, open or terminal.
func (e *Engine) OrderByID(clientOrderID string) (ledger.Order, bool) {
	return e.book.Get(clientOrderID)
}

func (e *Engine) Balance() position.Balance {
	return e.tracker.Balance()
}

// Events exposes the observability stream: order transitions, fills,
// position changes, risk decisions, session state, reconcile mismatches.
func (e *Engine) Events() (<-chan events.Event, func()) {
	return e.bus.Subscribe()
}

// Subscriptions reports channel statuses for the status API.
func (e *Engine) Subscriptions() map[string]string {
	return e.channels.Snapshot()
}

func (e *Engine) SessionState() string {
	return e.conn.State().String()
}
