package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perpd/internal/logger"
)

// Get returns a copy; mutation happens only through ledger operations.
func (l *Ledger) Get(clientID string) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientID]
	if !ok {
		return Order{}, false
	}
	return o.clone(), true
}

func (l *Ledger) ClientIDForExchange(exchangeID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byExchange[exchangeID]
	return id, ok
}

// Open returns copies of every non-terminal order.
func (l *Ledger) Open() []Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Order
	for _, o := range l.orders {
		if !o.Status.Terminal() {
			out = append(out, o.clone())
		}
	}
	return out
}

// OpenExposure is the signed sum of remaining quantity across non-terminal
// orders for an instrument: what the position would move by if every open
// order filled completely.
func (l *Ledger) OpenExposure(instrument string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, o := range l.orders {
		if o.Instrument != instrument || o.Status.Terminal() {
			continue
		}
		total = total.Add(o.Remaining().Mul(o.Side.Sign()))
	}
	return total
}

func (l *Ledger) IsHalted(instrument string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted[instrument]
}

// ResumeInstrument clears a halt after the reconcile pass (or an operator)
// has restored trustworthy state.
func (l *Ledger) ResumeInstrument(instrument string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted[instrument] {
		delete(l.halted, instrument)
		logger.Infof("ledger: instrument %s resumed", instrument)
	}
}

// ExchangeReport is the exchange's authoritative view of one order, fed to
// SyncFromExchange after an ambiguous outcome (call timeout, reconnect).
type ExchangeReport struct {
	ExchangeOrderID string
	State           string // open | filled | cancelled | rejected
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Reason          string
}

// SyncFromExchange adopts exchange-reported truth for one order. Local
// terminal state is never regressed: if the ledger already completed the
// order, a disagreeing report is logged for audit and ignored.
func (l *Ledger) SyncFromExchange(clientID string, report ExchangeReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientID]
	if !ok {
		return ErrUnknownOrder
	}
	if report.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
		o.ExchangeOrderID = report.ExchangeOrderID
		l.byExchange[report.ExchangeOrderID] = clientID
	}

	target := statusFromExchange(report, o)
	if o.Status.Terminal() {
		if o.Status != target {
			logger.Warnf("ledger: exchange reports %s for terminal order %s (%s), keeping local state",
				report.State, clientID, o.Status)
		}
		return nil
	}

	if report.FilledQuantity.GreaterThan(o.FilledQuantity) && report.FilledQuantity.LessThanOrEqual(o.Quantity) {
		o.FilledQuantity = report.FilledQuantity
		if report.AvgFillPrice.Sign() > 0 {
			o.AvgFillPrice = report.AvgFillPrice
		}
	}
	if report.Reason != "" {
		o.RejectReason = report.Reason
	}
	if o.Status == target {
		return nil
	}

	from := o.Status
	// The exchange is ground truth here; bypass the edge table but keep the
	// terminal-monotonicity rule enforced above.
	o.Status = target
	o.UpdatedAt = time.Now().UTC()
	l.emitLocked(o, from, target, "exchange_sync")
	return nil
}

func statusFromExchange(report ExchangeReport, o *Order) Status {
	switch strings.ToLower(report.State) {
	case "filled":
		return StatusFilled
	case "cancelled", "canceled":
		return StatusCancelled
	case "rejected":
		return StatusRejected
	case "open", "untriggered":
		if report.FilledQuantity.Sign() > 0 {
			return StatusPartiallyFilled
		}
		if o.Status == StatusCancelPending {
			return StatusCancelPending
		}
		return StatusAcknowledged
	default:
		return o.Status
	}
}
