package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func limitIntent(side Side, qty, price string) Intent {
	p := d(price)
	return Intent{Instrument: "BTC-PERPETUAL", Side: side, Quantity: d(qty), Price: &p}
}

func fill(clientID, fillID string, seq uint64, qty, price string) Fill {
	return Fill{
		FillID:        fillID,
		ClientOrderID: clientID,
		Instrument:    "BTC-PERPETUAL",
		Side:          SideBuy,
		Seq:           seq,
		Quantity:      d(qty),
		Price:         d(price),
		Timestamp:     time.Now(),
	}
}

func TestCreateAndAcknowledge(t *testing.T) {
	l := New(nil)

	o, err := l.Create(limitIntent(SideBuy, "1", "50000"))
	require.NoError(t, err)
	assert.NotEmpty(t, o.ClientOrderID)
	assert.Equal(t, StatusNew, o.Status)

	require.NoError(t, l.Acknowledge(o.ClientOrderID, "EX-1"))
	got, ok := l.Get(o.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, StatusAcknowledged, got.Status)
	assert.Equal(t, "EX-1", got.ExchangeOrderID)

	mapped, ok := l.ClientIDForExchange("EX-1")
	require.True(t, ok)
	assert.Equal(t, o.ClientOrderID, mapped)

	assert.ErrorIs(t, l.Acknowledge("nope", "EX-2"), ErrUnknownOrder)
}

func TestFillBeforeAckKeepsProgress(t *testing.T) {
	l := New(nil)
	o, err := l.Create(limitIntent(SideBuy, "1", "50000"))
	require.NoError(t, err)

	_, outcome, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.4", "50000"))
	require.NoError(t, err)
	assert.Equal(t, FillApplied, outcome)

	// Late ack records the exchange id but must not regress the status.
	require.NoError(t, l.Acknowledge(o.ClientOrderID, "EX-1"))
	got, _ := l.Get(o.ClientOrderID)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.Equal(t, "EX-1", got.ExchangeOrderID)
}

func TestPartialThenCompleteFill(t *testing.T) {
	l := New(nil)
	o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))
	require.NoError(t, l.Acknowledge(o.ClientOrderID, "EX-1"))

	_, outcome, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.4", "50000"))
	require.NoError(t, err)
	assert.Equal(t, FillApplied, outcome)

	got, _ := l.Get(o.ClientOrderID)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("0.4")))
	assert.True(t, got.Remaining().Equal(d("0.6")))

	_, outcome, err = l.ApplyFill(fill(o.ClientOrderID, "f2", 2, "0.6", "50100"))
	require.NoError(t, err)
	assert.Equal(t, FillApplied, outcome)

	got, _ = l.Get(o.ClientOrderID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("1")))
	// 0.4*50000 + 0.6*50100 = 50060 weighted average.
	assert.True(t, got.AvgFillPrice.Equal(d("50060")), "got %s", got.AvgFillPrice)
}

func TestDuplicateFillIgnored(t *testing.T) {
	l := New(nil)
	o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))

	_, outcome, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.4", "50000"))
	require.NoError(t, err)
	assert.Equal(t, FillApplied, outcome)

	// Same fill-id redelivered, e.g. after a reconnect replay.
	_, outcome, err = l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.4", "50000"))
	require.NoError(t, err)
	assert.Equal(t, FillDuplicate, outcome)

	got, _ := l.Get(o.ClientOrderID)
	assert.True(t, got.FilledQuantity.Equal(d("0.4")))
}

func TestStaleSeqIgnored(t *testing.T) {
	l := New(nil)
	o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))

	_, _, err := l.ApplyFill(fill(o.ClientOrderID, "f2", 2, "0.3", "50000"))
	require.NoError(t, err)

	// Lower seq under a different fill-id: replayed history, not progress.
	_, outcome, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.3", "50000"))
	require.NoError(t, err)
	assert.Equal(t, FillDuplicate, outcome)
}

func TestGapBufferDrainsInOrder(t *testing.T) {
	l := New(nil)
	o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))

	_, outcome, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.2", "50000"))
	require.NoError(t, err)
	assert.Equal(t, FillApplied, outcome)

	// Seq 3 arrives before seq 2: hold it.
	_, outcome, err = l.ApplyFill(fill(o.ClientOrderID, "f3", 3, "0.3", "50200"))
	require.NoError(t, err)
	assert.Equal(t, FillBuffered, outcome)
	got, _ := l.Get(o.ClientOrderID)
	assert.True(t, got.FilledQuantity.Equal(d("0.2")))

	// Seq 2 closes the gap; both apply, in seq order.
	applied, outcome, err := l.ApplyFill(fill(o.ClientOrderID, "f2", 2, "0.2", "50100"))
	require.NoError(t, err)
	assert.Equal(t, FillApplied, outcome)
	require.Len(t, applied, 2)
	assert.Equal(t, "f2", applied[0].FillID)
	assert.Equal(t, "f3", applied[1].FillID)

	got, _ = l.Get(o.ClientOrderID)
	assert.True(t, got.FilledQuantity.Equal(d("0.7")))
}

func TestFlushGapsForcesStaleBuffer(t *testing.T) {
	l := New(nil)
	o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))

	_, _, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.2", "50000"))
	require.NoError(t, err)
	_, outcome, err := l.ApplyFill(fill(o.ClientOrderID, "f3", 3, "0.3", "50200"))
	require.NoError(t, err)
	assert.Equal(t, FillBuffered, outcome)

	// Buffer is fresh: nothing to do.
	assert.Empty(t, l.FlushGaps(time.Minute))

	// Zero max-age makes it immediately stale.
	applied := l.FlushGaps(0)
	require.Len(t, applied, 1)
	assert.Equal(t, "f3", applied[0].FillID)

	got, _ := l.Get(o.ClientOrderID)
	assert.True(t, got.FilledQuantity.Equal(d("0.5")))
}

func TestOverfillHaltsInstrument(t *testing.T) {
	l := New(nil)
	o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))

	_, _, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.9", "50000"))
	require.NoError(t, err)

	_, _, err = l.ApplyFill(fill(o.ClientOrderID, "f2", 2, "0.5", "50000"))
	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
	assert.True(t, l.IsHalted("BTC-PERPETUAL"))

	// State is unchanged and the instrument refuses new orders.
	got, _ := l.Get(o.ClientOrderID)
	assert.True(t, got.FilledQuantity.Equal(d("0.9")))
	_, err = l.Create(limitIntent(SideSell, "1", "50000"))
	var haltErr *HaltedError
	require.ErrorAs(t, err, &haltErr)

	l.ResumeInstrument("BTC-PERPETUAL")
	assert.False(t, l.IsHalted("BTC-PERPETUAL"))
	_, err = l.Create(limitIntent(SideSell, "1", "50000"))
	assert.NoError(t, err)
}

func TestCancelLifecycle(t *testing.T) {
	l := New(nil)
	o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))
	require.NoError(t, l.Acknowledge(o.ClientOrderID, "EX-1"))

	require.NoError(t, l.RequestCancel(o.ClientOrderID))
	got, _ := l.Get(o.ClientOrderID)
	assert.Equal(t, StatusCancelPending, got.Status)

	// Idempotent while pending.
	require.NoError(t, l.RequestCancel(o.ClientOrderID))

	// A partial fill racing the cancel keeps the cancel pending.
	_, outcome, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.4", "50000"))
	require.NoError(t, err)
	assert.Equal(t, FillApplied, outcome)
	got, _ = l.Get(o.ClientOrderID)
	assert.Equal(t, StatusCancelPending, got.Status)

	require.NoError(t, l.ConfirmCancel(o.ClientOrderID))
	got, _ = l.Get(o.ClientOrderID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(d("0.4")))

	// Terminal now: further cancels and fills are no-ops.
	assert.ErrorIs(t, l.RequestCancel(o.ClientOrderID), ErrAlreadyTerminal)
	_, outcome, err = l.ApplyFill(fill(o.ClientOrderID, "f2", 2, "0.1", "50000"))
	require.NoError(t, err)
	assert.Equal(t, FillDiscarded, outcome)
}

func TestRejectedOrderIsTerminal(t *testing.T) {
	l := New(nil)
	o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))

	require.NoError(t, l.Reject(o.ClientOrderID, "price too far from market"))
	got, _ := l.Get(o.ClientOrderID)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "price too far from market", got.RejectReason)

	assert.ErrorIs(t, l.Reject(o.ClientOrderID, "again"), ErrAlreadyTerminal)
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"new to acknowledged", StatusNew, StatusAcknowledged, true},
		{"new to filled", StatusNew, StatusFilled, true},
		{"acknowledged to cancel pending", StatusAcknowledged, StatusCancelPending, true},
		{"filled to cancelled", StatusFilled, StatusCancelled, false},
		{"cancelled to acknowledged", StatusCancelled, StatusAcknowledged, false},
		{"rejected to partially filled", StatusRejected, StatusPartiallyFilled, false},
		{"partially filled to acknowledged", StatusPartiallyFilled, StatusAcknowledged, false},
		{"cancel pending to filled", StatusCancelPending, StatusFilled, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, legalTransition(tc.from, tc.to))
		})
	}
}

func TestOpenExposureIsSigned(t *testing.T) {
	l := New(nil)

	buy, _ := l.Create(limitIntent(SideBuy, "1", "50000"))
	sell, _ := l.Create(limitIntent(SideSell, "0.3", "51000"))
	_, _, err := l.ApplyFill(fill(buy.ClientOrderID, "f1", 1, "0.4", "50000"))
	require.NoError(t, err)

	// Remaining 0.6 long minus 0.3 short.
	assert.True(t, l.OpenExposure("BTC-PERPETUAL").Equal(d("0.3")))

	require.NoError(t, l.RequestCancel(sell.ClientOrderID))
	// CancelPending still counts until confirmed.
	assert.True(t, l.OpenExposure("BTC-PERPETUAL").Equal(d("0.3")))
	require.NoError(t, l.ConfirmCancel(sell.ClientOrderID))
	assert.True(t, l.OpenExposure("BTC-PERPETUAL").Equal(d("0.6")))
}

func TestSyncFromExchange(t *testing.T) {
	t.Run("adopts exchange status and fill progress", func(t *testing.T) {
		l := New(nil)
		o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))
		require.NoError(t, l.Acknowledge(o.ClientOrderID, "EX-1"))

		err := l.SyncFromExchange(o.ClientOrderID, ExchangeReport{
			ExchangeOrderID: "EX-1",
			State:           "cancelled",
			FilledQuantity:  d("0.25"),
			AvgFillPrice:    d("49900"),
		})
		require.NoError(t, err)
		got, _ := l.Get(o.ClientOrderID)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.True(t, got.FilledQuantity.Equal(d("0.25")))
	})

	t.Run("local terminal status wins", func(t *testing.T) {
		l := New(nil)
		o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))
		require.NoError(t, l.Reject(o.ClientOrderID, "refused"))

		err := l.SyncFromExchange(o.ClientOrderID, ExchangeReport{State: "open"})
		require.NoError(t, err)
		got, _ := l.Get(o.ClientOrderID)
		assert.Equal(t, StatusRejected, got.Status)
	})

	t.Run("never shrinks fill progress", func(t *testing.T) {
		l := New(nil)
		o, _ := l.Create(limitIntent(SideBuy, "1", "50000"))
		_, _, err := l.ApplyFill(fill(o.ClientOrderID, "f1", 1, "0.5", "50000"))
		require.NoError(t, err)

		require.NoError(t, l.SyncFromExchange(o.ClientOrderID, ExchangeReport{
			State:          "open",
			FilledQuantity: d("0.2"),
		}))
		got, _ := l.Get(o.ClientOrderID)
		assert.True(t, got.FilledQuantity.Equal(d("0.5")))
	})

	t.Run("unknown order", func(t *testing.T) {
		l := New(nil)
		assert.True(t, errors.Is(l.SyncFromExchange("nope", ExchangeReport{}), ErrUnknownOrder))
	})
}
