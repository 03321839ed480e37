package order

import (
	"errors"
	"time"

	"execution-core/pkg/exchanges/common"
)

var (
	// ErrInvalidQuantity is returned for non-positive order sizes.
	ErrInvalidQuantity = errors.New("order: quantity must be positive")
	// ErrUnknownOrder is returned when an id is not tracked or no longer working.
	ErrUnknownOrder = errors.New("order: unknown or inactive order")
)

// State is the local lifecycle of a tracked order.
type State string

const (
	StatePending         State = "PENDING"
	StateWorking         State = "WORKING"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
	// StateUnknown is an order whose submission failed without a definitive
	// answer. The broker may hold it, so it is treated as working.
	StateUnknown State = "UNKNOWN"
)

// Intent records why an order was sent.
type Intent string

const (
	IntentEntry   Intent = "entry"
	IntentStop    Intent = "protective_stop"
	IntentTarget  Intent = "target"
	IntentPartial Intent = "partial"
	IntentFlatten Intent = "flatten"
	IntentManual  Intent = "manual"
)

// TrackedOrder is the local record of one broker order.
type TrackedOrder struct {
	ID           string           `json:"id"`
	BrokerID     string           `json:"broker_id,omitempty"`
	Symbol       string           `json:"symbol"`
	Side         common.Side      `json:"side"`
	Type         common.OrderType `json:"type"`
	Quantity     int              `json:"quantity"`
	Price        float64          `json:"price,omitempty"`
	State        State            `json:"state"`
	FilledQty    int              `json:"filled_qty"`
	AvgFillPrice float64          `json:"avg_fill_price,omitempty"`
	Reason       string           `json:"reason"`
	Intent       Intent           `json:"intent"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Terminal reports whether the order can no longer change.
func (o *TrackedOrder) Terminal() bool {
	return o.State == StateFilled || o.State == StateCancelled || o.State == StateRejected
}

// Working reports whether the order is live at the broker.
func (o *TrackedOrder) Working() bool { return !o.Terminal() }

// RemainingQty returns unfilled quantity.
func (o *TrackedOrder) RemainingQty() int { return o.Quantity - o.FilledQty }

// Fill is one execution reported for a tracked order.
type Fill struct {
	OrderID string
	Symbol  string
	Intent  Intent
	Side    common.Side
	Qty     int
	Price   float64
	Time    time.Time
}

// SignedQty returns the fill quantity signed by side.
func (f Fill) SignedQty() int { return f.Side.Sign() * f.Qty }
