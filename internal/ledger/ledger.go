// Package ledger is the authoritative state machine for every order the bot
// has placed. All mutation is serialized behind one mutex; callers and the
// transport dispatch loop may race freely.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpd/internal/events"
	"perpd/internal/logger"
	"perpd/internal/metrics"
)

// FillOutcome reports what ApplyFill did with a fill.
type FillOutcome string

const (
	FillApplied   FillOutcome = "applied"
	FillDuplicate FillOutcome = "duplicate"
	FillBuffered  FillOutcome = "buffered"
	FillDiscarded FillOutcome = "discarded" // fill for a terminal order
)

type bufferedFill struct {
	fill    Fill
	arrived time.Time
}

type Ledger struct {
	mu         sync.Mutex
	orders     map[string]*Order
	byExchange map[string]string
	seenFills  map[string]struct{}
	gapped     map[string][]bufferedFill
	halted     map[string]bool

	bus *events.Bus
}

func New(bus *events.Bus) *Ledger {
	return &Ledger{
		orders:     make(map[string]*Order),
		byExchange: make(map[string]string),
		seenFills:  make(map[string]struct{}),
		gapped:     make(map[string][]bufferedFill),
		halted:     make(map[string]bool),
		bus:        bus,
	}
}

// Create records a new order in state New and assigns its client-order-id.
// Placement on a halted instrument is refused outright.
func (l *Ledger) Create(intent Intent) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted[intent.Instrument] {
		return Order{}, &HaltedError{Instrument: intent.Instrument}
	}
	now := time.Now().UTC()
	o := &Order{
		ClientOrderID: uuid.NewString(),
		Instrument:    intent.Instrument,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		Price:         intent.Price,
		Status:        StatusNew,
		PostOnly:      intent.PostOnly,
		ReduceOnly:    intent.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.orders[o.ClientOrderID] = o
	l.emitLocked(o, StatusNew, StatusNew, "")
	return o.clone(), nil
}

// Acknowledge records the exchange-assigned id. If a fill beat the ack the
// order has already left New; only the id is recorded then.
func (l *Ledger) Acknowledge(clientID, exchangeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientID]
	if !ok {
		return ErrUnknownOrder
	}
	if exchangeID != "" {
		o.ExchangeOrderID = exchangeID
		l.byExchange[exchangeID] = clientID
	}
	if o.Status != StatusNew {
		return nil
	}
	return l.transitionLocked(o, StatusAcknowledged, "")
}

func (l *Ledger) Reject(clientID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientID]
	if !ok {
		return ErrUnknownOrder
	}
	if o.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	o.RejectReason = reason
	return l.transitionLocked(o, StatusRejected, reason)
}

// ApplyFill applies one execution. Idempotent by fill-id. Fills for one
// order are applied in increasing Seq; a gap buffers the fill until the
// missing one arrives or FlushGaps forces acceptance. The returned slice
// holds every fill actually applied (the argument plus any drained from the
// gap buffer), in application order.
func (l *Ledger) ApplyFill(fill Fill) ([]Fill, FillOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[fill.ClientOrderID]
	if !ok {
		return nil, FillDiscarded, ErrUnknownOrder
	}
	if o.Status.Terminal() {
		// Late or duplicate delivery after completion: log and drop, never
		// re-apply.
		logger.Warnf("ledger: discarding fill %s for terminal order %s (%s)", fill.FillID, o.ClientOrderID, o.Status)
		metrics.Fills.WithLabelValues(string(FillDiscarded)).Inc()
		return nil, FillDiscarded, nil
	}
	if _, seen := l.seenFills[fill.FillID]; seen {
		metrics.Fills.WithLabelValues(string(FillDuplicate)).Inc()
		l.emitFillLocked(fill, true, false)
		return nil, FillDuplicate, nil
	}

	if fill.Seq != 0 && o.lastFillSeq != 0 {
		if fill.Seq <= o.lastFillSeq {
			metrics.Fills.WithLabelValues(string(FillDuplicate)).Inc()
			l.emitFillLocked(fill, true, false)
			return nil, FillDuplicate, nil
		}
		if fill.Seq > o.lastFillSeq+1 {
			l.bufferLocked(fill)
			metrics.Fills.WithLabelValues(string(FillBuffered)).Inc()
			l.emitFillLocked(fill, false, true)
			return nil, FillBuffered, nil
		}
	}

	applied, err := l.applyFillLocked(o, fill)
	if err != nil {
		return nil, FillDiscarded, err
	}
	drained, err := l.drainGapLocked(o)
	if err != nil {
		return applied, FillApplied, err
	}
	return append(applied, drained...), FillApplied, nil
}

// applyFillLocked mutates the order for a single in-sequence fill. A fill
// exceeding the remaining quantity corrupts accounting: the instrument is
// halted and nothing is mutated.
func (l *Ledger) applyFillLocked(o *Order, fill Fill) ([]Fill, error) {
	newFilled := o.FilledQuantity.Add(fill.Quantity)
	if newFilled.GreaterThan(o.Quantity) {
		l.halted[o.Instrument] = true
		logger.Errorf("ledger: halting %s: fill %s of %s exceeds remaining %s on order %s",
			o.Instrument, fill.FillID, fill.Quantity, o.Remaining(), o.ClientOrderID)
		return nil, &InvariantError{
			ClientOrderID: o.ClientOrderID,
			Detail:        "fill quantity exceeds remaining order quantity",
		}
	}

	// Running weighted mean of fill prices.
	notional := o.AvgFillPrice.Mul(o.FilledQuantity).Add(fill.Price.Mul(fill.Quantity))
	o.AvgFillPrice = notional.Div(newFilled)
	o.FilledQuantity = newFilled
	if fill.Seq > o.lastFillSeq {
		o.lastFillSeq = fill.Seq
	}
	l.seenFills[fill.FillID] = struct{}{}

	from := o.Status
	switch {
	case o.FilledQuantity.Equal(o.Quantity):
		if err := l.transitionLocked(o, StatusFilled, ""); err != nil {
			return nil, err
		}
	case o.Status == StatusCancelPending:
		// Partial fill while a cancel is in flight keeps the cancel pending.
		o.UpdatedAt = time.Now().UTC()
	default:
		if from != StatusPartiallyFilled {
			if err := l.transitionLocked(o, StatusPartiallyFilled, ""); err != nil {
				return nil, err
			}
		} else {
			o.UpdatedAt = time.Now().UTC()
		}
	}

	metrics.Fills.WithLabelValues(string(FillApplied)).Inc()
	l.emitFillLocked(fill, false, false)
	return []Fill{fill}, nil
}

func (l *Ledger) bufferLocked(fill Fill) {
	buf := l.gapped[fill.ClientOrderID]
	for _, b := range buf {
		if b.fill.FillID == fill.FillID {
			return
		}
	}
	l.gapped[fill.ClientOrderID] = append(buf, bufferedFill{fill: fill, arrived: time.Now()})
	logger.Warnf("ledger: buffering out-of-order fill %s (seq %d, expected %d) for order %s",
		fill.FillID, fill.Seq, l.orders[fill.ClientOrderID].lastFillSeq+1, fill.ClientOrderID)
}

// drainGapLocked applies buffered fills that have become in-sequence.
func (l *Ledger) drainGapLocked(o *Order) ([]Fill, error) {
	var applied []Fill
	for {
		buf := l.gapped[o.ClientOrderID]
		if len(buf) == 0 {
			delete(l.gapped, o.ClientOrderID)
			return applied, nil
		}
		sort.Slice(buf, func(i, j int) bool { return buf[i].fill.Seq < buf[j].fill.Seq })
		next := buf[0]
		if next.fill.Seq != o.lastFillSeq+1 || o.Status.Terminal() {
			l.gapped[o.ClientOrderID] = buf
			return applied, nil
		}
		l.gapped[o.ClientOrderID] = buf[1:]
		got, err := l.applyFillLocked(o, next.fill)
		if err != nil {
			return applied, err
		}
		applied = append(applied, got...)
	}
}

// FlushGaps force-applies buffered fills older than maxAge in arrival order.
// This trades strict per-order sequencing for bounded staleness; the
// reconcile pass corrects any residual drift against the exchange snapshot.
func (l *Ledger) FlushGaps(maxAge time.Duration) []Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	var applied []Fill
	now := time.Now()
	for clientID, buf := range l.gapped {
		if len(buf) == 0 {
			delete(l.gapped, clientID)
			continue
		}
		oldest := buf[0].arrived
		for _, b := range buf[1:] {
			if b.arrived.Before(oldest) {
				oldest = b.arrived
			}
		}
		if now.Sub(oldest) < maxAge {
			continue
		}
		o, ok := l.orders[clientID]
		if !ok || o.Status.Terminal() {
			delete(l.gapped, clientID)
			continue
		}
		logger.Warnf("ledger: gap timeout on order %s, forcing %d buffered fills in arrival order", clientID, len(buf))
		delete(l.gapped, clientID)
		sort.Slice(buf, func(i, j int) bool { return buf[i].arrived.Before(buf[j].arrived) })
		for _, b := range buf {
			if o.Status.Terminal() {
				logger.Warnf("ledger: discarding forced fill %s, order %s completed mid-flush", b.fill.FillID, clientID)
				continue
			}
			got, err := l.applyFillLocked(o, b.fill)
			if err != nil {
				logger.Errorf("ledger: forced fill %s failed: %v", b.fill.FillID, err)
				break
			}
			metrics.Fills.WithLabelValues("forced").Inc()
			applied = append(applied, got...)
		}
	}
	return applied
}

// RequestCancel moves an open order to CancelPending. A terminal target
// returns ErrAlreadyTerminal, a successful no-op reported distinctly.
func (l *Ledger) RequestCancel(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientID]
	if !ok {
		return ErrUnknownOrder
	}
	switch o.Status {
	case StatusNew, StatusAcknowledged, StatusPartiallyFilled:
		return l.transitionLocked(o, StatusCancelPending, "")
	case StatusCancelPending:
		return nil
	default:
		return ErrAlreadyTerminal
	}
}

func (l *Ledger) ConfirmCancel(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[clientID]
	if !ok {
		return ErrUnknownOrder
	}
	if o.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if o.Status != StatusCancelPending {
		return &TransitionError{ClientOrderID: clientID, From: o.Status, To: StatusCancelled}
	}
	return l.transitionLocked(o, StatusCancelled, "")
}

func (l *Ledger) transitionLocked(o *Order, to Status, reason string) error {
	from := o.Status
	if from != to && !legalTransition(from, to) {
		return &TransitionError{ClientOrderID: o.ClientOrderID, From: from, To: to}
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	l.emitLocked(o, from, to, reason)
	return nil
}

func (l *Ledger) emitLocked(o *Order, from, to Status, reason string) {
	if l.bus == nil {
		return
	}
	evt := events.New(events.KindOrder)
	evt.Order = &events.OrderEvent{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Instrument:      o.Instrument,
		From:            string(from),
		To:              string(to),
		FilledQuantity:  o.FilledQuantity,
		Reason:          reason,
	}
	l.bus.Publish(evt)
}

func (l *Ledger) emitFillLocked(fill Fill, duplicate, outOfOrder bool) {
	if l.bus == nil {
		return
	}
	evt := events.New(events.KindFill)
	evt.Fill = &events.FillEvent{
		FillID:        fill.FillID,
		ClientOrderID: fill.ClientOrderID,
		Instrument:    fill.Instrument,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		Duplicate:     duplicate,
		OutOfOrder:    outOfOrder,
	}
	l.bus.Publish(evt)
}
