package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign is +1 for buys, -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type Status string

const (
	StatusNew             Status = "new"
	StatusAcknowledged    Status = "acknowledged"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusRejected        Status = "rejected"
	StatusCancelPending   Status = "cancel_pending"
	StatusCancelled       Status = "cancelled"
)

// Terminal statuses accept no further mutation, ever.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

// legalEdges is the full transition table. Anything absent is rejected.
var legalEdges = map[Status][]Status{
	StatusNew:             {StatusAcknowledged, StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelPending},
	StatusAcknowledged:    {StatusPartiallyFilled, StatusFilled, StatusRejected, StatusCancelPending},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelPending},
	StatusCancelPending:   {StatusCancelled, StatusPartiallyFilled, StatusFilled},
}

func legalTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Intent is a strategy's request to trade, before any id is assigned. A nil
// Price means market order.
type Intent struct {
	Instrument string
	Side       Side
	Quantity   decimal.Decimal
	Price      *decimal.Decimal
	Label      string
	PostOnly   bool
	ReduceOnly bool
}

func (i Intent) Market() bool { return i.Price == nil }

type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      string
	Side            Side
	Quantity        decimal.Decimal
	Price           *decimal.Decimal
	Status          Status
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	RejectReason    string
	PostOnly        bool
	ReduceOnly      bool
	CreatedAt       time.Time
	UpdatedAt       time.Time

	lastFillSeq uint64
}

// Remaining is the unfilled quantity; never negative by the ledger invariant.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o *Order) clone() Order {
	c := *o
	if o.Price != nil {
		p := *o.Price
		c.Price = &p
	}
	return c
}

// Fill is one execution event. FillID deduplicates; Seq orders fills within
// a single order.
type Fill struct {
	FillID        string
	ClientOrderID string
	Instrument    string
	Side          Side
	Seq           uint64
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Timestamp     time.Time
}
