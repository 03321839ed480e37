package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType denotes the order types the execution core uses.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP" // stop-market
)

// OrderStatus normalizes broker status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to the broker.
// ClientID correlates every later notification with this order.
type OrderRequest struct {
	ClientID  string    `json:"client_id"`
	Account   string    `json:"account"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Qty       int       `json:"qty"`
	Price     float64   `json:"price,omitempty"`      // LIMIT
	StopPrice float64   `json:"stop_price,omitempty"` // STOP
	Text      string    `json:"text,omitempty"`
}

// ModifyRequest changes a working order. Zero fields are left unchanged.
type ModifyRequest struct {
	Qty       int     `json:"qty,omitempty"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stop_price,omitempty"`
}

// OrderResult is the broker's acknowledgement of a submission.
type OrderResult struct {
	ClientID      string      `json:"client_id"`
	BrokerOrderID string      `json:"broker_order_id"`
	Status        OrderStatus `json:"status"`
}

// EventKind tags gateway events.
type EventKind string

const (
	EventTick       EventKind = "tick"
	EventOrder      EventKind = "order"
	EventPosition   EventKind = "position"
	EventConnection EventKind = "connection"
)

// Tick is one trade print.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Size   float64   `json:"size"`
	Time   time.Time `json:"time"`
}

// OrderUpdate reports a status change of an order. FilledQty and AvgPrice
// are cumulative; LastQty and LastPrice describe the latest execution.
type OrderUpdate struct {
	ClientID      string      `json:"client_id"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	Status        OrderStatus `json:"status"`
	FilledQty     int         `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
	LastQty       int         `json:"last_qty"`
	LastPrice     float64     `json:"last_price"`
	Reason        string      `json:"reason,omitempty"`
	Time          time.Time   `json:"time"`
}

// PositionUpdate is the broker's net position for one contract.
type PositionUpdate struct {
	Account       string  `json:"account"`
	Symbol        string  `json:"symbol"`
	Qty           int     `json:"qty"`
	AvgPrice      float64 `json:"avg_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// ConnectionChange reports the gateway link going up or down.
type ConnectionChange struct {
	Connected bool   `json:"connected"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error,omitempty"`
}

// Event is one notification from the gateway. Exactly one payload is set.
type Event struct {
	Kind     EventKind
	Tick     *Tick
	Order    *OrderUpdate
	Position *PositionUpdate
	Conn     *ConnectionChange
}
