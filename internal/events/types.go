package events

import "time"

// Event enumerates topics inside the execution core.
type Event string

const (
	EventBar            Event = "market.bar"
	EventSignal         Event = "strategy.signal"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventOrderCancelled Event = "order.cancelled"
	EventPositionChange Event = "position.change"
	EventRiskAlert      Event = "risk.alert"
	EventConnection     Event = "gateway.connection"
	EventContractRoll   Event = "contract.roll"
	EventReconciliation Event = "state.reconciliation"
)

// OrderEvent is published for every order lifecycle change.
type OrderEvent struct {
	ClientID string
	Symbol   string
	Side     string
	Type     string
	Qty      int
	Price    float64
	Intent   string
	Reason   string
	Time     time.Time
}

// PositionEvent is published when the broker's net position changes.
type PositionEvent struct {
	Symbol   string
	Qty      int
	AvgPrice float64
	Time     time.Time
}

// AlertLevel grades risk alerts.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// RiskAlert is published when something needs an operator's attention.
type RiskAlert struct {
	Level   AlertLevel
	Source  string
	Message string
	Time    time.Time
}

// ContractRoll is published after the engine switches to the next contract.
type ContractRoll struct {
	From string
	To   string
	Time time.Time
}
