package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the event family for routing and logging.
type Kind string

const (
	KindOrder     Kind = "order"
	KindFill      Kind = "fill"
	KindPosition  Kind = "position"
	KindRisk      Kind = "risk"
	KindSession   Kind = "session"
	KindReconcile Kind = "reconcile"
)

type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	Order     *OrderEvent     `json:"order,omitempty"`
	Fill      *FillEvent      `json:"fill,omitempty"`
	Position  *PositionEvent  `json:"position,omitempty"`
	Risk      *RiskEvent      `json:"risk,omitempty"`
	Session   *SessionEvent   `json:"session,omitempty"`
	Reconcile *ReconcileEvent `json:"reconcile,omitempty"`
}

// OrderEvent records a ledger state transition.
type OrderEvent struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Instrument      string          `json:"instrument"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	Reason          string          `json:"reason,omitempty"`
}

type FillEvent struct {
	FillID        string          `json:"fill_id"`
	ClientOrderID string          `json:"client_order_id"`
	Instrument    string          `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Duplicate     bool            `json:"duplicate,omitempty"`
	OutOfOrder    bool            `json:"out_of_order,omitempty"`
}

type PositionEvent struct {
	Instrument    string          `json:"instrument"`
	NetSize       decimal.Decimal `json:"net_size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// RiskEvent records a gate decision; only denials carry a reason.
type RiskEvent struct {
	ClientOrderID string `json:"client_order_id,omitempty"`
	Instrument    string `json:"instrument"`
	Approved      bool   `json:"approved"`
	Reason        string `json:"reason,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

type SessionEvent struct {
	State     string `json:"state"`
	Endpoint  string `json:"endpoint,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// ReconcileEvent is emitted when an exchange snapshot disagrees with
// internally derived state beyond tolerance and the overwrite path ran.
type ReconcileEvent struct {
	Instrument   string          `json:"instrument"`
	LocalSize    decimal.Decimal `json:"local_size"`
	SnapshotSize decimal.Decimal `json:"snapshot_size"`
	Drift        decimal.Decimal `json:"drift"`
	Overwritten  bool            `json:"overwritten"`
}

func New(kind Kind) Event {
	return Event{Kind: kind, At: time.Now().UTC()}
}
