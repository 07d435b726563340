package ledger

import (
	"errors"
	"fmt"
)

// ErrAlreadyTerminal signals a benign no-op: the operation targeted an order
// already in a terminal state. Reported distinctly for observability but not
// treated as a failure by callers.
var ErrAlreadyTerminal = errors.New("ledger: order already terminal")

var ErrUnknownOrder = errors.New("ledger: unknown order")

// TransitionError reports an illegal state-machine edge. This is a contract
// violation on the caller's side, never expected in normal operation.
type TransitionError struct {
	ClientOrderID string
	From, To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ledger: illegal transition %s -> %s for order %s", e.From, e.To, e.ClientOrderID)
}

// InvariantError marks corrupted accounting, e.g. a fill exceeding the
// order's remaining quantity. The affected instrument is halted for further
// placement until an operator or a reconcile pass intervenes.
type InvariantError struct {
	ClientOrderID string
	Detail        string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger: invariant violated on order %s: %s", e.ClientOrderID, e.Detail)
}

// HaltedError rejects placement on a halted instrument.
type HaltedError struct {
	Instrument string
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("ledger: instrument %s halted after invariant violation", e.Instrument)
}
