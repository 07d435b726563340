package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpd/internal/config"
	"perpd/internal/ledger"
	"perpd/internal/position"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubPosition struct {
	snap     position.Position
	drawdown decimal.Decimal
}

func (s *stubPosition) Snapshot() position.Position { return s.snap }
func (s *stubPosition) Drawdown() decimal.Decimal   { return s.drawdown }

type stubExposure struct{ open decimal.Decimal }

func (s *stubExposure) OpenExposure(string) decimal.Decimal { return s.open }

func limits() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSize:     d("1.0"),
		MaxOrderNotional:    d("100000"),
		MaxDrawdownFraction: d("0.25"),
	}
}

func intent(side ledger.Side, qty, price string) ledger.Intent {
	p := d(price)
	return ledger.Intent{Instrument: "BTC-PERPETUAL", Side: side, Quantity: d(qty), Price: &p}
}

func TestAuthorizePositionLimit(t *testing.T) {
	pos := &stubPosition{snap: position.Position{NetSize: d("0.5"), MarkPrice: d("50000")}}
	g := NewGate(limits(), pos, &stubExposure{}, nil)

	t.Run("denies breach", func(t *testing.T) {
		// 0.5 held + 1.5 requested projects to 2.0 against a 1.0 cap.
		_, err := g.Authorize(intent(ledger.SideBuy, "1.5", "100"))
		var denied *Denied
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, ReasonPositionLimit, denied.Reason)
	})

	t.Run("approves within cap", func(t *testing.T) {
		res, err := g.Authorize(intent(ledger.SideBuy, "0.4", "100"))
		require.NoError(t, err)
		res.Release()
	})

	t.Run("reducing side passes even at the cap", func(t *testing.T) {
		res, err := g.Authorize(intent(ledger.SideSell, "1.2", "100"))
		require.NoError(t, err)
		res.Release()
	})
}

func TestAuthorizeCountsOpenOrders(t *testing.T) {
	pos := &stubPosition{snap: position.Position{NetSize: d("0.2"), MarkPrice: d("50000")}}
	g := NewGate(limits(), pos, &stubExposure{open: d("0.6")}, nil)

	// 0.2 held + 0.6 open + 0.4 requested = 1.2 projected.
	_, err := g.Authorize(intent(ledger.SideBuy, "0.4", "100"))
	var denied *Denied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonPositionLimit, denied.Reason)

	// 0.2 requested projects to exactly 1.0: allowed.
	res, err := g.Authorize(intent(ledger.SideBuy, "0.2", "100"))
	require.NoError(t, err)
	res.Release()
}

func TestReservationBlocksConcurrentBudget(t *testing.T) {
	pos := &stubPosition{snap: position.Position{MarkPrice: d("50000")}}
	g := NewGate(limits(), pos, &stubExposure{}, nil)

	first, err := g.Authorize(intent(ledger.SideBuy, "0.8", "100"))
	require.NoError(t, err)

	// The un-released reservation holds 0.8 of the budget.
	_, err = g.Authorize(intent(ledger.SideBuy, "0.8", "100"))
	var denied *Denied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonPositionLimit, denied.Reason)

	first.Release()
	second, err := g.Authorize(intent(ledger.SideBuy, "0.8", "100"))
	require.NoError(t, err)
	second.Release()

	// Release is idempotent.
	second.Release()
}

func TestAuthorizeNotionalLimit(t *testing.T) {
	pos := &stubPosition{snap: position.Position{MarkPrice: d("50000")}}
	g := NewGate(limits(), pos, &stubExposure{}, nil)

	// 1.0 * 150000 notional against a 100000 cap.
	_, err := g.Authorize(intent(ledger.SideBuy, "1.0", "150000"))
	var denied *Denied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonNotionalLimit, denied.Reason)

	// Market order valued at the mark: 0.5 * 50000 passes.
	res, err := g.Authorize(ledger.Intent{Instrument: "BTC-PERPETUAL", Side: ledger.SideBuy, Quantity: d("0.5")})
	require.NoError(t, err)
	res.Release()
}

func TestAuthorizeRequiresReferencePrice(t *testing.T) {
	// No mark yet and no limit price on the intent.
	g := NewGate(limits(), &stubPosition{}, &stubExposure{}, nil)

	_, err := g.Authorize(ledger.Intent{Instrument: "BTC-PERPETUAL", Side: ledger.SideBuy, Quantity: d("0.1")})
	var denied *Denied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonNoPrice, denied.Reason)
}

func TestAuthorizeDrawdownHalt(t *testing.T) {
	pos := &stubPosition{
		snap:     position.Position{MarkPrice: d("50000")},
		drawdown: d("0.30"),
	}
	g := NewGate(limits(), pos, &stubExposure{}, nil)

	_, err := g.Authorize(intent(ledger.SideBuy, "0.1", "100"))
	var denied *Denied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonDrawdown, denied.Reason)

	pos.drawdown = d("0.10")
	res, err := g.Authorize(intent(ledger.SideBuy, "0.1", "100"))
	require.NoError(t, err)
	res.Release()

	// Exactly at the limit denies: the halt must engage no later than the
	// configured fraction, never one fill past it.
	pos.drawdown = d("0.25")
	_, err = g.Authorize(intent(ledger.SideBuy, "0.1", "100"))
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonDrawdown, denied.Reason)
}
